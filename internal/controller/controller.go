// Package controller is the Run Controller: it exposes Start/Cancel/Status,
// enforces the at-most-one-active-run invariant with a mutex-guarded
// singleton the way an operations package holds one OperationManager per
// invocation — generalized here to a long-lived process-wide gate instead
// of a one-shot CLI call, since this engine runs as a server fielding
// repeated StartBackup requests rather than exiting after a single backup
// run.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arklane/arkbackup/internal/lineage"
	"github.com/arklane/arkbackup/internal/logger"
	"github.com/arklane/arkbackup/internal/pipeline"
	"github.com/arklane/arkbackup/internal/policy"
	"github.com/arklane/arkbackup/internal/remote"
	"github.com/arklane/arkbackup/internal/restore"
	"github.com/arklane/arkbackup/internal/retention"
	"github.com/arklane/arkbackup/internal/snapshot"
)

// ErrAlreadyRunning indicates Start was called while another Run has not
// yet reached a terminal outcome (invariant 5).
var ErrAlreadyRunning = errors.New("a run is already active")

// ErrNoSuchRun indicates a lookup named a run_id the Lineage Store has no
// record of.
var ErrNoSuchRun = lineage.ErrNotFound

// Subvolume mirrors config.SubvolumeConfig without importing the config
// package, so Controller stays decoupled from the YAML schema.
type Subvolume struct {
	Name       string
	SourcePath string
}

// Thresholds mirrors the subset of config.RetentionConfig the Policy
// Engine consults.
type Thresholds = policy.Thresholds

// Request describes a StartBackup call.
type Request struct {
	ForceFull  bool
	Subvolumes []string // nil/empty means "all configured subvolumes"
}

// Descriptor is the current or final state of one Run, the shape handed
// back to StartBackup and read by Status/ListRuns.
type Descriptor struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome    lineage.Outcome
	PerSubvol  map[string]string
	Error      string
	Progress   pipeline.Progress
	Subvolume  string // subvolume the current progress sample belongs to
}

// Controller is the process-wide singleton enforcing at-most-one-run.
// Apart from the logger that logger.Init builds once, no other package
// holds mutable global state; every other module is handed its
// dependencies explicitly by main.
type Controller struct {
	clientID    string
	basePath    string
	subvolumes  []Subvolume
	thresholds  Thresholds
	snapshots   *snapshot.Manager
	store       *lineage.Store
	openChannel func() (*remote.Channel, error)
	key         []byte
	compressExt string
	cryptoExt   string
	compressLvl int
	reaper      *retention.Reaper
	log         logger.Logger

	mu     sync.Mutex
	active *runState
}

type runState struct {
	descriptor Descriptor
	cancel     context.CancelFunc
	done       chan struct{}
}

// Deps bundles every collaborator the Controller needs to drive a Run.
type Deps struct {
	ClientID      string
	BasePath      string
	Subvolumes    []Subvolume
	Thresholds    Thresholds
	Snapshots     *snapshot.Manager
	Store         *lineage.Store
	OpenChannel   func() (*remote.Channel, error)
	Key           []byte
	CompressExt   string
	CryptoExt     string
	CompressLevel int
	Reaper        *retention.Reaper
	Log           logger.Logger
}

// New returns a Controller wired to deps. Exactly one Controller should
// exist per process; its lifetime is the process lifetime (no teardown
// beyond process exit), per the design note on global state.
func New(deps Deps) *Controller {
	return &Controller{
		clientID:    deps.ClientID,
		basePath:    deps.BasePath,
		subvolumes:  deps.Subvolumes,
		thresholds:  deps.Thresholds,
		snapshots:   deps.Snapshots,
		store:       deps.Store,
		openChannel: deps.OpenChannel,
		key:         deps.Key,
		compressExt: deps.CompressExt,
		cryptoExt:   deps.CryptoExt,
		compressLvl: deps.CompressLevel,
		reaper:      deps.Reaper,
		log:         deps.Log,
	}
}

// StartBackup rejects with ErrAlreadyRunning if another Run has not
// reached a terminal outcome (Success/Partial/Failed/Cancelled).
// Otherwise it allocates a run_id, persists a Pending row, and runs the
// pipeline for every requested subvolume in the configured fixed order.
func (c *Controller) StartBackup(req Request) (Descriptor, error) {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return Descriptor{}, ErrAlreadyRunning
	}

	runID := uuid.NewString()
	now := time.Now().UTC()
	desc := Descriptor{
		RunID:     runID,
		StartedAt: now,
		Outcome:   lineage.OutcomePending,
		PerSubvol: map[string]string{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	state := &runState{descriptor: desc, cancel: cancel, done: make(chan struct{})}
	c.active = state
	c.mu.Unlock()

	if err := c.store.PutRun(lineage.Run{RunID: runID, StartedAt: now, Mode: "auto", Outcome: lineage.OutcomePending}); err != nil {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
		return Descriptor{}, fmt.Errorf("persist pending run: %w", err)
	}

	targets := c.resolveTargets(req.Subvolumes)
	go c.runLoop(ctx, state, req, targets)

	return desc, nil
}

// CancelBackup signals cooperative cancellation to the active Run. A
// Cancel call after the Run has reached a terminal outcome is a no-op.
func (c *Controller) CancelBackup() error {
	c.mu.Lock()
	state := c.active
	c.mu.Unlock()
	if state == nil {
		return nil
	}
	state.cancel()
	<-state.done
	return nil
}

// BackupStatus returns the active Run's descriptor including the latest
// progress sample, or the zero Descriptor when no Run is active. A finished
// Run's descriptor is not kept here; its outcome is in ListRuns.
func (c *Controller) BackupStatus() Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Descriptor{}
	}
	snap := c.active.descriptor
	snap.PerSubvol = make(map[string]string, len(c.active.descriptor.PerSubvol))
	for k, v := range c.active.descriptor.PerSubvol {
		snap.PerSubvol[k] = v
	}
	return snap
}

// ListRuns delegates to the Lineage Store.
func (c *Controller) ListRuns(limit, offset int, filter lineage.Outcome) ([]lineage.Run, error) {
	return c.store.ListRuns(limit, offset, filter)
}

// MonthEntry summarizes one month bucket for BrowseArchives' top-level
// listing.
type MonthEntry struct {
	Month string
	Count int
}

// BrowseArchives lists committed archives. With month == "", it returns
// one entry per month bucket across every configured subvolume; with a
// specific month, it returns every committed archive whose month_bucket
// matches, across every subvolume.
func (c *Controller) BrowseArchives(month string) ([]MonthEntry, []lineage.ArchiveObject, error) {
	var allArchives []lineage.ArchiveObject
	for _, sv := range c.subvolumes {
		objs, err := c.store.ListCommitted(sv.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("list committed for %s: %w", sv.Name, err)
		}
		allArchives = append(allArchives, objs...)
	}

	if month != "" {
		var filtered []lineage.ArchiveObject
		for _, obj := range allArchives {
			if obj.MonthBucket == month {
				filtered = append(filtered, obj)
			}
		}
		return nil, filtered, nil
	}

	counts := map[string]int{}
	for _, obj := range allArchives {
		counts[obj.MonthBucket]++
	}
	months := make([]MonthEntry, 0, len(counts))
	for m, n := range counts {
		months = append(months, MonthEntry{Month: m, Count: n})
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Month > months[j].Month })
	return months, nil, nil
}

// StartRestore runs the inverse pipeline for the given selector,
// synchronously (restore is not subject to the at-most-one-run gate;
// that invariant only governs backup Runs).
func (c *Controller) StartRestore(ctx context.Context, sel restore.Selector, targetDir string) (restore.Descriptor, error) {
	engine := restore.New(c.store, c.snapshots, c.openChannel, c.key, c.log)
	return engine.PerformRestore(ctx, sel, targetDir)
}

func (c *Controller) resolveTargets(requested []string) []Subvolume {
	if len(requested) == 0 {
		return c.subvolumes
	}
	want := make(map[string]struct{}, len(requested))
	for _, n := range requested {
		want[n] = struct{}{}
	}
	var out []Subvolume
	// Preserve configured fixed order even when the caller names a subset.
	for _, sv := range c.subvolumes {
		if _, ok := want[sv.Name]; ok {
			out = append(out, sv)
		}
	}
	return out
}

func (c *Controller) setProgress(state *runState, subvolume string, p pipeline.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == state {
		c.active.descriptor.Subvolume = subvolume
		c.active.descriptor.Progress = p
	}
}

func (c *Controller) transition(state *runState, outcome lineage.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == state {
		c.active.descriptor.Outcome = outcome
	}
}

func (c *Controller) setSubvolOutcome(state *runState, subvolume, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state.descriptor.PerSubvol[subvolume] = outcome
}

// runLoop drives the pipeline for every target subvolume in order,
// rolling per-subvolume outcomes up into the Run's final outcome.
func (c *Controller) runLoop(ctx context.Context, state *runState, req Request, targets []Subvolume) {
	defer close(state.done)
	defer func() {
		c.mu.Lock()
		if c.active == state {
			c.active = nil
		}
		c.mu.Unlock()
	}()

	c.transition(state, lineage.OutcomeRunning)
	_ = c.store.MarkRun(state.descriptor.RunID, lineage.OutcomeRunning, "")

	channel, err := c.openChannel()
	if err != nil {
		c.finish(state, lineage.OutcomeFailed, fmt.Sprintf("open remote channel: %v", err))
		return
	}
	defer channel.Close()

	if c.reaper != nil {
		c.reaper.SweepOrphanedParts(channel, c.basePath, c.clientID)
	}

	engine := policy.NewEngine(c.store, nil)
	runner := pipeline.NewRunner(c.snapshots, channel, c.key, c.compressLvl, c.store, c.log)

	succeeded, failed, cancelled := 0, 0, false
	var firstErr string
	committedAny := false

	for _, sv := range targets {
		select {
		case <-ctx.Done():
			cancelled = true
		default:
		}
		if cancelled {
			c.setSubvolOutcome(state, sv.Name, "cancelled")
			continue
		}

		outcome, err := c.runOneSubvolume(ctx, state, engine, runner, sv, req.ForceFull)
		if err != nil {
			// A cancelled context can surface as context.Canceled directly
			// or, when it tore down a subprocess (e.g. btrfs send killed by
			// CommandContext), as whatever wrapped "signal: killed" error
			// that subprocess returns. ctx.Err() is the reliable signal
			// either way.
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				cancelled = true
				c.setSubvolOutcome(state, sv.Name, "cancelled")
				continue
			}
			failed++
			c.setSubvolOutcome(state, sv.Name, "failed: "+err.Error())
			if firstErr == "" {
				firstErr = err.Error()
			}
			c.log.Error("subvolume backup failed", "subvolume", sv.Name, "error", err.Error())
			continue
		}
		succeeded++
		committedAny = true
		c.setSubvolOutcome(state, sv.Name, outcome)
	}

	if committedAny {
		if err := channel.WriteVerificationMarker(c.basePath, c.clientID, time.Now()); err != nil {
			c.log.Warn("verification marker write failed", "error", err.Error())
		}
	}

	if ctx.Err() != nil {
		cancelled = true
	}

	if cancelled {
		c.finish(state, lineage.OutcomeCancelled, "")
		return
	}

	var final lineage.Outcome
	switch {
	case failed == 0:
		final = lineage.OutcomeSuccess
	case succeeded > 0:
		final = lineage.OutcomePartial
	default:
		final = lineage.OutcomeFailed
	}
	c.finish(state, final, firstErr)

	if c.reaper != nil && final == lineage.OutcomeSuccess {
		if err := c.reaper.Reap(context.Background(), channel); err != nil {
			c.log.Warn("retention reap failed", "error", err.Error())
		}
	}
}

func (c *Controller) runOneSubvolume(ctx context.Context, state *runState, engine *policy.Engine, runner *pipeline.Runner, sv Subvolume, forceFull bool) (string, error) {
	decision, err := engine.Decide(sv.Name, forceFull, c.thresholds, snapshotLocator{c.snapshots})
	if err != nil {
		return "", fmt.Errorf("policy decide: %w", err)
	}
	if decision.DowngradedToFull {
		c.log.Info("downgraded to full", "subvolume", sv.Name, "reason", decision.DowngradeReason)
	}

	snap, err := c.snapshots.CreateSnapshot(ctx, snapshot.Subvolume{Name: sv.Name, SourcePath: sv.SourcePath})
	if err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}

	req := pipeline.Request{
		ClientID:    c.clientID,
		Subvolume:   snapshot.Subvolume{Name: sv.Name, SourcePath: sv.SourcePath},
		Snap:        snap,
		CompressExt: c.compressExt,
		CryptoExt:   c.cryptoExt,
	}

	if decision.Mode == policy.ModeIncremental {
		parentSnap, ok := c.snapshots.Find(sv.Name, decision.Parent.SnapshotTimestamp)
		if !ok {
			return "", fmt.Errorf("%w: parent snapshot vanished between decide and run", pipeline.ErrMissingParent)
		}
		req.Parent = &parentSnap
		parentTS := decision.Parent.SnapshotTimestamp
		req.ParentTS = &parentTS
		req.Incremental = true
	}

	onProgress := func(p pipeline.Progress) { c.setProgress(state, sv.Name, p) }
	result, err := runner.Run(ctx, c.basePath, req, onProgress)
	if err != nil {
		return "", err
	}
	return string(result.Archive.Kind), nil
}

func (c *Controller) finish(state *runState, outcome lineage.Outcome, errMsg string) {
	c.transition(state, outcome)
	if err := c.store.MarkRun(state.descriptor.RunID, outcome, errMsg); err != nil {
		c.log.Error("mark run outcome failed", "run_id", state.descriptor.RunID, "error", err.Error())
	}
}

// snapshotLocator adapts *snapshot.Manager to policy.SnapshotLocator: the
// Policy Engine only needs a presence check, so it takes the result back
// as `any` to stay decoupled from the snapshot package's concrete type.
type snapshotLocator struct{ m *snapshot.Manager }

func (s snapshotLocator) Find(subvolume string, ts time.Time) (any, bool) {
	return s.m.Find(subvolume, ts)
}
