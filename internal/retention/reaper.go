// Package retention enforces local-snapshot and remote-archive retention,
// respecting lineage, the way the original's CleanupManager ran a fixed
// sequence of best-effort passes after every backup — generalized here
// into one Reaper with a pass per concern instead of four separate async
// methods, since Go lets the Run Controller just call Reap once and let
// each pass log and continue on its own failure.
package retention

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/arklane/arkbackup/internal/lineage"
	"github.com/arklane/arkbackup/internal/logger"
	"github.com/arklane/arkbackup/internal/remote"
	"github.com/arklane/arkbackup/internal/snapshot"
)

// Config carries the retention knobs from config.RetentionConfig without
// importing that package.
type Config struct {
	MonthsToKeep         int
	DailyIncrementalDays int
	LocalSnapshotDays    int
}

// RemoteLister is the narrow slice of the Remote Channel the Reaper
// needs: listing and deleting, nothing else. A capability interface, per
// the "model these as narrow capability sets" design note, so tests can
// substitute an in-memory fake instead of a live SSH session.
type RemoteLister interface {
	List(remotePrefix string) ([]remote.Entry, error)
	Delete(remotePath string) error
}

// SnapshotSource is the narrow slice of the Snapshot Manager the Reaper
// needs for the local-snapshot pass.
type SnapshotSource interface {
	ListSnapshots(subvolume string) ([]snapshot.Snapshot, error)
	DeleteSnapshot(ctx context.Context, snap snapshot.Snapshot, pin snapshot.PinChecker) error
}

// LineageSource is the narrow slice of the Lineage Store the Reaper
// needs: reading, deleting rows, and the pin/dependency checks invariant
// 1 and invariant 4 require.
type LineageSource interface {
	ListCommitted(subvolume string) ([]lineage.ArchiveObject, error)
	DeleteArchive(subvolume string, ts time.Time) error
	DependentIncremental(subvolume string, parentTS time.Time) bool
	IsPinned(subvolume string, timestamp time.Time) bool
}

// Reaper runs the local-snapshot and remote-archive retention passes.
// Failures here never fail a Run; every pass logs and continues.
type Reaper struct {
	clientID   string
	basePath   string
	subvolumes []string
	cfg        Config
	snapshots  SnapshotSource
	store      LineageSource
	log        logger.Logger
	now        func() time.Time
}

// New returns a Reaper for the given subvolumes.
func New(clientID, basePath string, subvolumes []string, cfg Config, snapshots SnapshotSource, store LineageSource, log logger.Logger) *Reaper {
	return &Reaper{
		clientID:   clientID,
		basePath:   basePath,
		subvolumes: subvolumes,
		cfg:        cfg,
		snapshots:  snapshots,
		store:      store,
		log:        log,
		now:        time.Now,
	}
}

// Reap runs both passes. Called after a successful Run; channel is the
// same Remote Channel the Run used, reused here for retention reaping
// (a Run "may open additional channels for retention reaping", but
// reusing the one already open avoids a second SSH handshake).
func (r *Reaper) Reap(ctx context.Context, channel RemoteLister) error {
	r.reapLocalSnapshots(ctx)
	return r.reapRemoteArchives(channel)
}

// reapLocalSnapshots deletes local snapshots older than
// LocalSnapshotDays, skipping any pinned by invariant 4 (named as the
// parent of a committed archive).
func (r *Reaper) reapLocalSnapshots(ctx context.Context) {
	if r.cfg.LocalSnapshotDays <= 0 {
		return
	}
	cutoff := r.now().UTC().Add(-time.Duration(r.cfg.LocalSnapshotDays) * 24 * time.Hour)

	for _, sv := range r.subvolumes {
		snaps, err := r.snapshots.ListSnapshots(sv)
		if err != nil {
			r.log.Warn("reap: list local snapshots failed", "subvolume", sv, "error", err.Error())
			continue
		}
		for _, snap := range snaps {
			if snap.Timestamp.After(cutoff) {
				continue
			}
			if err := r.snapshots.DeleteSnapshot(ctx, snap, r.store); err != nil {
				r.log.Warn("reap: skip pinned or undeletable snapshot", "subvolume", sv, "timestamp", snap.Timestamp, "error", err.Error())
				continue
			}
			r.log.Info("reap: deleted expired local snapshot", "subvolume", sv, "timestamp", snap.Timestamp)
		}
	}
}

// reapRemoteArchives deletes whole month buckets older than
// MonthsToKeep, and within retained months deletes incrementals older
// than DailyIncrementalDays whenever no surviving committed incremental
// depends on them as a parent (invariant 1 must continue to hold).
func (r *Reaper) reapRemoteArchives(channel RemoteLister) error {
	base := path.Join(r.basePath, r.clientID)
	months, err := r.listMonthBuckets(channel, base)
	if err != nil {
		return fmt.Errorf("list month buckets: %w", err)
	}

	retainedMonths := r.keepMonths(months)

	for _, month := range months {
		if !retainedMonths[month] {
			r.deleteMonthBucket(channel, base, month)
			continue
		}
		r.reapIncrementalsInMonth(channel, base, month)
	}
	return nil
}

func (r *Reaper) keepMonths(months []string) map[string]bool {
	sorted := append([]string(nil), months...)
	// Lexicographic order matches chronological order for YYYYMM strings.
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] > sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	keep := map[string]bool{}
	limit := r.cfg.MonthsToKeep
	if limit <= 0 {
		for _, m := range sorted {
			keep[m] = true
		}
		return keep
	}
	for i, m := range sorted {
		if i < limit {
			keep[m] = true
		}
	}
	return keep
}

func (r *Reaper) listMonthBuckets(channel RemoteLister, base string) ([]string, error) {
	entries, err := channel.List(base)
	if err != nil {
		return nil, err
	}
	var months []string
	for _, e := range entries {
		if len(e.Name) == 6 && isAllDigits(e.Name) {
			months = append(months, e.Name)
		}
	}
	return months, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}

func (r *Reaper) deleteMonthBucket(channel RemoteLister, base, month string) {
	monthPath := path.Join(base, month)
	for _, kindDir := range []string{"full", "incremental"} {
		dirPath := path.Join(monthPath, kindDir)
		entries, err := channel.List(dirPath)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if err := channel.Delete(path.Join(dirPath, e.Name)); err != nil {
				r.log.Warn("reap: delete expired archive failed", "path", path.Join(dirPath, e.Name), "error", err.Error())
			}
		}
	}
	for _, sv := range r.subvolumes {
		for _, obj := range r.committedInMonth(sv, month) {
			if err := r.store.DeleteArchive(sv, obj.SnapshotTimestamp); err != nil {
				r.log.Warn("reap: delete lineage row failed", "subvolume", sv, "error", err.Error())
			}
		}
	}
	r.log.Info("reap: deleted expired month bucket", "month", month)
}

func (r *Reaper) committedInMonth(subvolume, month string) []lineage.ArchiveObject {
	all, err := r.store.ListCommitted(subvolume)
	if err != nil {
		return nil
	}
	var out []lineage.ArchiveObject
	for _, obj := range all {
		if obj.MonthBucket == month {
			out = append(out, obj)
		}
	}
	return out
}

// reapIncrementalsInMonth deletes incrementals older than
// DailyIncrementalDays within a retained month, skipping any that a
// surviving committed incremental still depends on as its parent.
func (r *Reaper) reapIncrementalsInMonth(channel RemoteLister, base, month string) {
	if r.cfg.DailyIncrementalDays <= 0 {
		return
	}
	cutoff := r.now().UTC().Add(-time.Duration(r.cfg.DailyIncrementalDays) * 24 * time.Hour)

	for _, sv := range r.subvolumes {
		committed := r.committedInMonth(sv, month)
		for _, obj := range committed {
			if obj.Kind != lineage.KindIncremental {
				continue
			}
			if obj.SnapshotTimestamp.After(cutoff) {
				continue
			}
			if r.store.DependentIncremental(sv, obj.SnapshotTimestamp) {
				r.log.Info("reap: skip incremental with surviving dependent", "subvolume", sv, "timestamp", obj.SnapshotTimestamp)
				continue
			}
			if err := channel.Delete(obj.RemotePath); err != nil {
				r.log.Warn("reap: delete incremental failed", "path", obj.RemotePath, "error", err.Error())
				continue
			}
			if err := r.store.DeleteArchive(sv, obj.SnapshotTimestamp); err != nil {
				r.log.Warn("reap: delete lineage row failed", "subvolume", sv, "error", err.Error())
				continue
			}
			r.log.Info("reap: deleted expired incremental", "subvolume", sv, "timestamp", obj.SnapshotTimestamp)
		}
	}
}

// SweepOrphanedParts deletes lingering "*.part" files under the client's
// namespace older than a short grace window, left behind only by an
// unclean process exit (every code path that returns control to the
// caller already cleans up its own .part file). Grounded on the
// original's cleanup_failed_uploads, simplified accordingly: this walks
// one directory level at a time instead of a single recursive find,
// since the Remote Channel's List is non-recursive.
func (r *Reaper) SweepOrphanedParts(channel RemoteLister, basePath, clientID string) {
	base := path.Join(basePath, clientID)
	months, err := r.listMonthBuckets(channel, base)
	if err != nil {
		r.log.Warn("sweep: list month buckets failed", "error", err.Error())
		return
	}
	grace := 1 * time.Hour
	for _, month := range months {
		for _, kindDir := range []string{"full", "incremental"} {
			dirPath := path.Join(base, month, kindDir)
			entries, err := channel.List(dirPath)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if !strings.HasSuffix(e.Name, ".part") {
					continue
				}
				if r.now().Sub(e.ModTime) < grace {
					continue
				}
				full := path.Join(dirPath, e.Name)
				if err := channel.Delete(full); err != nil {
					r.log.Warn("sweep: delete orphaned .part failed", "path", full, "error", err.Error())
					continue
				}
				r.log.Info("sweep: deleted orphaned .part file", "path", full)
			}
		}
	}
}
