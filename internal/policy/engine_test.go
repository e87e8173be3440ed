package policy

import (
	"sort"
	"testing"
	"time"

	"github.com/arklane/arkbackup/internal/lineage"
)

type fakeLineage struct {
	history map[string][]lineage.ArchiveObject
}

func (f *fakeLineage) commit(obj lineage.ArchiveObject) {
	if f.history == nil {
		f.history = map[string][]lineage.ArchiveObject{}
	}
	f.history[obj.Subvolume] = append(f.history[obj.Subvolume], obj)
}

func (f *fakeLineage) LatestCommitted(subvolume string) (lineage.ArchiveObject, error) {
	history := f.history[subvolume]
	if len(history) == 0 {
		return lineage.ArchiveObject{}, ErrNotFound
	}
	return history[len(history)-1], nil
}

func (f *fakeLineage) FindParentCandidate(subvolume string, incremental bool) (lineage.ArchiveObject, error) {
	if !incremental {
		return lineage.ArchiveObject{}, ErrNotFound
	}
	return f.LatestCommitted(subvolume)
}

func (f *fakeLineage) ListCommitted(subvolume string) ([]lineage.ArchiveObject, error) {
	history := append([]lineage.ArchiveObject(nil), f.history[subvolume]...)
	sort.Slice(history, func(i, j int) bool {
		return history[i].SnapshotTimestamp.Before(history[j].SnapshotTimestamp)
	})
	return history, nil
}

type fakeLocator struct {
	present map[string]bool
}

func (f fakeLocator) Find(subvolume string, ts time.Time) (any, bool) {
	return nil, f.present[subvolume+"@"+ts.String()]
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestDecide_FirstEverRunForcesFull(t *testing.T) {
	store := &fakeLineage{}
	notFirstOfMonth := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	engine := NewEngine(store, fixedClock(notFirstOfMonth))

	decision, err := engine.Decide("root", false, Thresholds{}, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Mode != ModeFull {
		t.Errorf("expected full mode for empty lineage, got %v", decision.Mode)
	}
}

func TestDecide_FirstOfMonthForcesFull(t *testing.T) {
	parentTS := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeLineage{}
	store.commit(lineage.ArchiveObject{Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: parentTS})
	firstOfMonth := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(store, fixedClock(firstOfMonth))

	decision, err := engine.Decide("root", false, Thresholds{}, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Mode != ModeFull {
		t.Errorf("expected full mode on first of month, got %v", decision.Mode)
	}
}

func TestDecide_NormalIncremental(t *testing.T) {
	parentTS := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	store := &fakeLineage{}
	store.commit(lineage.ArchiveObject{Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: parentTS})
	clockAt := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	engine := NewEngine(store, fixedClock(clockAt))
	locator := fakeLocator{present: map[string]bool{"root@" + parentTS.String(): true}}

	decision, err := engine.Decide("root", false, Thresholds{FullIntervalDays: 30, DailyIncrementalDays: 30}, locator)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Mode != ModeIncremental {
		t.Fatalf("expected incremental, got %v", decision.Mode)
	}
	if decision.Parent == nil || !decision.Parent.SnapshotTimestamp.Equal(parentTS) {
		t.Errorf("expected parent %v, got %v", parentTS, decision.Parent)
	}
}

// TestDecide_ChainsMultipleIncrementalsAfterFull guards against the latest
// committed archive being an incremental being mistaken for "no full yet":
// a second incremental must still be offered once the first has committed.
func TestDecide_ChainsMultipleIncrementalsAfterFull(t *testing.T) {
	fullTS := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	inc1TS := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	store := &fakeLineage{}
	store.commit(lineage.ArchiveObject{Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: fullTS})
	store.commit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindIncremental, SnapshotTimestamp: inc1TS,
		ParentSnapshotTimestamp: &fullTS,
	})

	clockAt := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	engine := NewEngine(store, fixedClock(clockAt))
	locator := fakeLocator{present: map[string]bool{"root@" + inc1TS.String(): true}}

	decision, err := engine.Decide("root", false, Thresholds{FullIntervalDays: 30, DailyIncrementalDays: 30}, locator)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Mode != ModeIncremental {
		t.Fatalf("expected a second incremental to chain off the first, got %v", decision.Mode)
	}
	if decision.Parent == nil || !decision.Parent.SnapshotTimestamp.Equal(inc1TS) {
		t.Errorf("expected parent %v, got %v", inc1TS, decision.Parent)
	}
}

// TestDecide_ForcesFullWhenChainExceedsDailyIncrementalDays builds a full
// plus three incrementals with DailyIncrementalDays set to 3 and checks the
// next run is forced back to full, since another incremental would make the
// chain longer than the threshold.
func TestDecide_ForcesFullWhenChainExceedsDailyIncrementalDays(t *testing.T) {
	fullTS := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeLineage{}
	store.commit(lineage.ArchiveObject{Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: fullTS})

	parent := fullTS
	var lastIncTS time.Time
	for i := 1; i <= 3; i++ {
		ts := fullTS.AddDate(0, 0, i)
		p := parent
		store.commit(lineage.ArchiveObject{
			Subvolume: "root", Kind: lineage.KindIncremental, SnapshotTimestamp: ts,
			ParentSnapshotTimestamp: &p,
		})
		parent = ts
		lastIncTS = ts
	}

	clockAt := lastIncTS.AddDate(0, 0, 1)
	engine := NewEngine(store, fixedClock(clockAt))
	locator := fakeLocator{present: map[string]bool{"root@" + lastIncTS.String(): true}}

	decision, err := engine.Decide("root", false, Thresholds{FullIntervalDays: 30, DailyIncrementalDays: 3}, locator)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Mode != ModeFull {
		t.Errorf("expected chain length to force full, got %v", decision.Mode)
	}
}

func TestDecide_DowngradesToFullWhenParentSnapshotMissing(t *testing.T) {
	parentTS := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	store := &fakeLineage{}
	store.commit(lineage.ArchiveObject{Subvolume: "home", Kind: lineage.KindFull, SnapshotTimestamp: parentTS})
	clockAt := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	engine := NewEngine(store, fixedClock(clockAt))
	locator := fakeLocator{present: map[string]bool{}} // parent snapshot absent

	decision, err := engine.Decide("home", false, Thresholds{FullIntervalDays: 30, DailyIncrementalDays: 30}, locator)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Mode != ModeFull || !decision.DowngradedToFull {
		t.Errorf("expected downgraded full, got %+v", decision)
	}
}

func TestDecide_ForceFullOverridesEverything(t *testing.T) {
	store := &fakeLineage{}
	clockAt := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	engine := NewEngine(store, fixedClock(clockAt))

	decision, err := engine.Decide("root", true, Thresholds{}, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Mode != ModeFull {
		t.Errorf("expected forced full, got %v", decision.Mode)
	}
}
