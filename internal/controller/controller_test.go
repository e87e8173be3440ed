package controller

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/arklane/arkbackup/internal/lineage"
)

func testController(t *testing.T) *Controller {
	t.Helper()
	store, err := lineage.Open(filepath.Join(t.TempDir(), "lineage.db"))
	if err != nil {
		t.Fatalf("open lineage store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &Controller{
		store: store,
		subvolumes: []Subvolume{
			{Name: "root", SourcePath: "/root"},
			{Name: "home", SourcePath: "/home"},
			{Name: "var", SourcePath: "/var"},
		},
	}
}

func TestResolveTargets_EmptyMeansAllInConfiguredOrder(t *testing.T) {
	c := testController(t)
	got := c.resolveTargets(nil)
	if len(got) != 3 || got[0].Name != "root" || got[2].Name != "var" {
		t.Errorf("expected all three subvolumes in configured order, got %+v", got)
	}
}

func TestResolveTargets_SubsetPreservesConfiguredOrder(t *testing.T) {
	c := testController(t)
	got := c.resolveTargets([]string{"var", "root"})
	if len(got) != 2 || got[0].Name != "root" || got[1].Name != "var" {
		t.Errorf("expected [root, var] in configured order, got %+v", got)
	}
}

func TestResolveTargets_UnknownNameIsDropped(t *testing.T) {
	c := testController(t)
	got := c.resolveTargets([]string{"root", "nonexistent"})
	if len(got) != 1 || got[0].Name != "root" {
		t.Errorf("expected only the known subvolume, got %+v", got)
	}
}

func commit(t *testing.T, store *lineage.Store, subvolume, month string, ts time.Time) {
	t.Helper()
	if err := store.RecordCommit(lineage.ArchiveObject{
		Subvolume:         subvolume,
		MonthBucket:       month,
		Kind:              lineage.KindFull,
		SnapshotTimestamp: ts,
		RemotePath:        "/archive/" + subvolume,
	}); err != nil {
		t.Fatalf("record commit: %v", err)
	}
}

func TestBrowseArchives_NoMonthSummarizesCounts(t *testing.T) {
	c := testController(t)
	c.subvolumes = []Subvolume{{Name: "root"}, {Name: "home"}}
	commit(t, c.store, "root", "202601", time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))
	commit(t, c.store, "root", "202602", time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC))
	commit(t, c.store, "home", "202601", time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC))

	months, archives, err := c.BrowseArchives("")
	if err != nil {
		t.Fatalf("BrowseArchives: %v", err)
	}
	if archives != nil {
		t.Errorf("expected no archive list for summary view, got %v", archives)
	}
	counts := map[string]int{}
	for _, m := range months {
		counts[m.Month] = m.Count
	}
	if counts["202601"] != 2 || counts["202602"] != 1 {
		t.Errorf("unexpected month counts: %v", counts)
	}
}

func TestBrowseArchives_WithMonthFiltersAcrossSubvolumes(t *testing.T) {
	c := testController(t)
	c.subvolumes = []Subvolume{{Name: "root"}, {Name: "home"}}
	commit(t, c.store, "root", "202601", time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))
	commit(t, c.store, "root", "202602", time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC))
	commit(t, c.store, "home", "202601", time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC))

	_, archives, err := c.BrowseArchives("202601")
	if err != nil {
		t.Fatalf("BrowseArchives: %v", err)
	}
	if len(archives) != 2 {
		t.Errorf("expected 2 archives in month 202601, got %d", len(archives))
	}
}
