// Package policy decides, per subvolume, whether a run should be full or
// incremental and which parent archive to use, the way a dedicated
// decision helper sits beside the pipeline in an operations package
// (BackupAll calling into per-database config before dispatching to
// Postgres/MongoDB backup) — generalized here to the lineage-aware
// full/incremental decision this domain needs.
package policy

import (
	"errors"
	"time"

	"github.com/arklane/arkbackup/internal/lineage"
)

// ErrNotFound is returned by LineageSource lookups that are expected to
// fail on an empty store; Engine treats it as "no such record" rather
// than as an I/O error.
var ErrNotFound = lineage.ErrNotFound

// Mode is the decided run mode for one subvolume.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// LineageSource is the subset of the Lineage Store the Policy Engine
// needs to read. The real lineage.Store satisfies this; tests can
// substitute a fake.
type LineageSource interface {
	LatestCommitted(subvolume string) (lineage.ArchiveObject, error)
	FindParentCandidate(subvolume string, incremental bool) (lineage.ArchiveObject, error)
	ListCommitted(subvolume string) ([]lineage.ArchiveObject, error)
}

// SnapshotLocator reports whether a subvolume's snapshot at ts exists
// locally, so the Engine can downgrade to full when the chosen parent's
// snapshot was reaped.
type SnapshotLocator interface {
	Find(subvolume string, ts time.Time) (any, bool)
}

// Thresholds are the configured retention/cadence knobs the Engine
// consults.
type Thresholds struct {
	FullIntervalDays     int
	DailyIncrementalDays int
}

// Decision is the outcome of Decide for one subvolume.
type Decision struct {
	Mode             Mode
	Parent           *lineage.ArchiveObject
	DowngradedToFull bool
	DowngradeReason  string
}

// Engine decides Run parameters per subvolume.
type Engine struct {
	lineage LineageSource
	now     func() time.Time
}

// NewEngine returns an Engine reading from store. now defaults to
// time.Now if nil; tests pass a fixed clock.
func NewEngine(store LineageSource, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{lineage: store, now: now}
}

// Decide chooses mode and parent for subvolume. forceFull overrides every
// other signal. locator, if non-nil, is consulted to downgrade an
// incremental to full when the chosen parent's local snapshot is absent.
func (e *Engine) Decide(subvolume string, forceFull bool, thresholds Thresholds, locator SnapshotLocator) (Decision, error) {
	if forceFull {
		return Decision{Mode: ModeFull}, nil
	}

	now := e.now()
	if now.Local().Day() == 1 {
		return Decision{Mode: ModeFull}, nil
	}

	lastFull, err := e.latestFull(subvolume)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Decision{}, err
	}
	if err != nil {
		// No committed full exists yet for this subvolume.
		return Decision{Mode: ModeFull}, nil
	}

	if thresholds.FullIntervalDays > 0 {
		age := now.Sub(lastFull.SnapshotTimestamp)
		if age > time.Duration(thresholds.FullIntervalDays)*24*time.Hour {
			return Decision{Mode: ModeFull}, nil
		}
	}

	chainLen, err := e.chainLengthSinceFull(subvolume, lastFull)
	if err != nil {
		return Decision{}, err
	}
	if thresholds.DailyIncrementalDays > 0 && chainLen >= thresholds.DailyIncrementalDays {
		return Decision{Mode: ModeFull}, nil
	}

	parent, err := e.lineage.FindParentCandidate(subvolume, true)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Decision{Mode: ModeFull}, nil
		}
		return Decision{}, err
	}

	if locator != nil {
		if _, ok := locator.Find(subvolume, parent.SnapshotTimestamp); !ok {
			return Decision{
				Mode:             ModeFull,
				DowngradedToFull: true,
				DowngradeReason:  "parent snapshot missing locally",
			}, nil
		}
	}

	return Decision{Mode: ModeIncremental, Parent: &parent}, nil
}

// latestFull walks the subvolume's full committed history (ascending by
// snapshot timestamp) and returns the most recent full. A subvolume whose
// latest overall commit is an incremental still has its most recent full
// found here, so an established incremental chain is never mistaken for
// "no full yet."
func (e *Engine) latestFull(subvolume string) (lineage.ArchiveObject, error) {
	history, err := e.lineage.ListCommitted(subvolume)
	if err != nil {
		return lineage.ArchiveObject{}, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Kind == lineage.KindFull {
			return history[i], nil
		}
	}
	return lineage.ArchiveObject{}, ErrNotFound
}

// chainLengthSinceFull counts the committed incrementals between lastFull
// and the current latest committed archive, by walking the subvolume's
// history rather than inferring a day count from the two endpoints.
func (e *Engine) chainLengthSinceFull(subvolume string, lastFull lineage.ArchiveObject) (int, error) {
	history, err := e.lineage.ListCommitted(subvolume)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, obj := range history {
		if obj.Kind == lineage.KindIncremental && obj.SnapshotTimestamp.After(lastFull.SnapshotTimestamp) {
			count++
		}
	}
	return count, nil
}
