package restore

import (
	"testing"
	"time"

	"github.com/arklane/arkbackup/internal/lineage"
)

func ts(day int) time.Time {
	return time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC)
}

func TestResolveTarget_NilTimestampPicksLatest(t *testing.T) {
	all := []lineage.ArchiveObject{
		{Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: ts(1)},
		{Subvolume: "root", Kind: lineage.KindIncremental, SnapshotTimestamp: ts(2)},
	}
	got, err := resolveTarget(all, Selector{Subvolume: "root"})
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if !got.SnapshotTimestamp.Equal(ts(2)) {
		t.Errorf("expected latest archive, got %v", got.SnapshotTimestamp)
	}
}

func TestResolveTarget_ExplicitTimestamp(t *testing.T) {
	all := []lineage.ArchiveObject{
		{Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: ts(1)},
		{Subvolume: "root", Kind: lineage.KindIncremental, SnapshotTimestamp: ts(2)},
	}
	want := ts(1)
	got, err := resolveTarget(all, Selector{Subvolume: "root", SnapshotTimestamp: &want})
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if got.Kind != lineage.KindFull {
		t.Errorf("expected the full archive, got %v", got.Kind)
	}
}

func TestResolveTarget_UnknownTimestampNotFound(t *testing.T) {
	all := []lineage.ArchiveObject{
		{Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: ts(1)},
	}
	want := ts(9)
	_, err := resolveTarget(all, Selector{Subvolume: "root", SnapshotTimestamp: &want})
	if err == nil {
		t.Fatal("expected an error for an unknown timestamp")
	}
}

func TestBuildChain_FullOnlyIsSingleLink(t *testing.T) {
	full := lineage.ArchiveObject{Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: ts(1)}
	all := []lineage.ArchiveObject{full}

	chain, err := buildChain(all, full)
	if err != nil {
		t.Fatalf("buildChain: %v", err)
	}
	if len(chain) != 1 || chain[0].Kind != lineage.KindFull {
		t.Errorf("expected a single full link, got %+v", chain)
	}
}

func TestBuildChain_WalksParentsBackToFull(t *testing.T) {
	fullTS, incATS, incBTS := ts(1), ts(2), ts(3)
	full := lineage.ArchiveObject{Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: fullTS}
	incA := lineage.ArchiveObject{Subvolume: "root", Kind: lineage.KindIncremental, SnapshotTimestamp: incATS, ParentSnapshotTimestamp: &fullTS}
	incB := lineage.ArchiveObject{Subvolume: "root", Kind: lineage.KindIncremental, SnapshotTimestamp: incBTS, ParentSnapshotTimestamp: &incATS}
	all := []lineage.ArchiveObject{full, incA, incB}

	chain, err := buildChain(all, incB)
	if err != nil {
		t.Fatalf("buildChain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected a 3-link chain, got %d", len(chain))
	}
	if chain[0].Kind != lineage.KindFull || !chain[0].SnapshotTimestamp.Equal(fullTS) {
		t.Errorf("expected the full archive first, got %+v", chain[0])
	}
	if !chain[2].SnapshotTimestamp.Equal(incBTS) {
		t.Errorf("expected the target archive last, got %+v", chain[2])
	}
}

func TestBuildChain_MissingParentFailsClosed(t *testing.T) {
	fullTS, incATS := ts(1), ts(2)
	incA := lineage.ArchiveObject{Subvolume: "root", Kind: lineage.KindIncremental, SnapshotTimestamp: incATS, ParentSnapshotTimestamp: &fullTS}
	all := []lineage.ArchiveObject{incA} // the full it depends on is missing (retention-deleted)

	_, err := buildChain(all, incA)
	if err == nil {
		t.Fatal("expected ErrChainIncomplete when a parent link is missing")
	}
}
