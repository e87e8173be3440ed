// Package lineage is the durable record of every committed archive and
// every Run, backed by bbolt the way cuemby-warren's BoltStore backs its
// cluster state: one bucket per entity, JSON-encoded values, a single
// db.Update transaction per write.
package lineage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketArchives = []byte("archives")
	bucketRuns     = []byte("runs")
	bucketBySubvol = []byte("archives_by_subvolume")
)

// ErrDuplicateCommit indicates record_commit was called twice for the
// same (subvolume, snapshot_timestamp) (invariant 2).
var ErrDuplicateCommit = errors.New("duplicate archive commit")

// ErrParentNotCommitted indicates an incremental commit names a parent
// that is not itself a committed archive (invariant 1).
var ErrParentNotCommitted = errors.New("parent archive is not committed")

// ErrNotFound indicates a lookup found no matching record.
var ErrNotFound = errors.New("lineage record not found")

// Kind distinguishes a full archive from an incremental one.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

// Status is the lifecycle state of an ArchiveObject.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCommitted  Status = "committed"
	StatusFailed     Status = "failed"
)

// ArchiveObject is one remote file holding one subvolume's serialized
// stream.
type ArchiveObject struct {
	ClientID                string     `json:"client_id"`
	Subvolume               string     `json:"subvolume"`
	MonthBucket             string     `json:"month_bucket"`
	Kind                    Kind       `json:"kind"`
	SnapshotTimestamp       time.Time  `json:"snapshot_timestamp"`
	ParentSnapshotTimestamp *time.Time `json:"parent_snapshot_timestamp,omitempty"`
	RemotePath              string     `json:"remote_path"`
	BytesWritten            int64      `json:"bytes_written"`
	Digest                  string     `json:"digest"`
	Status                  Status     `json:"status"`
}

func archiveKey(subvolume string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d", subvolume, ts.UTC().UnixNano()))
}

// Store is a small transactional store over two logical tables:
// committed archives, and run history.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures its
// buckets exist.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lineage store dir %q: %w", dir, err)
		}
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open lineage store %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketArchives, bucketRuns, bucketBySubvol} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordCommit atomically inserts obj as committed, rejecting duplicates
// by (subvolume, snapshot_timestamp) and incrementals whose parent is not
// already committed.
func (s *Store) RecordCommit(obj ArchiveObject) error {
	obj.Status = StatusCommitted
	key := archiveKey(obj.Subvolume, obj.SnapshotTimestamp)

	return s.db.Update(func(tx *bolt.Tx) error {
		archives := tx.Bucket(bucketArchives)
		if existing := archives.Get(key); existing != nil {
			return fmt.Errorf("%w: %s@%s", ErrDuplicateCommit, obj.Subvolume, obj.SnapshotTimestamp)
		}

		if obj.Kind == KindIncremental {
			if obj.ParentSnapshotTimestamp == nil {
				return fmt.Errorf("%w: incremental with no parent timestamp", ErrParentNotCommitted)
			}
			parentKey := archiveKey(obj.Subvolume, *obj.ParentSnapshotTimestamp)
			parentRaw := archives.Get(parentKey)
			if parentRaw == nil {
				return fmt.Errorf("%w: %s@%s", ErrParentNotCommitted, obj.Subvolume, *obj.ParentSnapshotTimestamp)
			}
			var parent ArchiveObject
			if err := json.Unmarshal(parentRaw, &parent); err != nil {
				return fmt.Errorf("decode parent record: %w", err)
			}
			if parent.Status != StatusCommitted {
				return fmt.Errorf("%w: %s@%s", ErrParentNotCommitted, obj.Subvolume, *obj.ParentSnapshotTimestamp)
			}
		}

		data, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("encode archive record: %w", err)
		}
		if err := archives.Put(key, data); err != nil {
			return err
		}

		bySubvol := tx.Bucket(bucketBySubvol)
		indexKey := append([]byte(obj.Subvolume+"\x00"), key...)
		return bySubvol.Put(indexKey, key)
	})
}

// LatestCommitted returns the most recently committed archive for
// subvolume, or ErrNotFound.
func (s *Store) LatestCommitted(subvolume string) (ArchiveObject, error) {
	var latest ArchiveObject
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		archives := tx.Bucket(bucketArchives)
		bySubvol := tx.Bucket(bucketBySubvol)
		cursor := bySubvol.Cursor()
		prefix := []byte(subvolume + "\x00")

		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			raw := archives.Get(v)
			if raw == nil {
				continue
			}
			var obj ArchiveObject
			if err := json.Unmarshal(raw, &obj); err != nil {
				return err
			}
			if !found || obj.SnapshotTimestamp.After(latest.SnapshotTimestamp) {
				latest = obj
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return ArchiveObject{}, err
	}
	if !found {
		return ArchiveObject{}, fmt.Errorf("%w: latest committed for %s", ErrNotFound, subvolume)
	}
	return latest, nil
}

// FindParentCandidate returns the most recent committed archive of any
// kind for subvolume, for an incremental run. For mode=full it always
// returns ErrNotFound, since a full run has no parent by definition.
func (s *Store) FindParentCandidate(subvolume string, incremental bool) (ArchiveObject, error) {
	if !incremental {
		return ArchiveObject{}, fmt.Errorf("%w: full mode has no parent", ErrNotFound)
	}
	return s.LatestCommitted(subvolume)
}

// IsPinned reports whether (subvolume, timestamp) is named as the parent
// of a committed archive, satisfying the snapshot.PinChecker interface.
func (s *Store) IsPinned(subvolume string, timestamp time.Time) bool {
	pinned := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		archives := tx.Bucket(bucketArchives)
		bySubvol := tx.Bucket(bucketBySubvol)
		cursor := bySubvol.Cursor()
		prefix := []byte(subvolume + "\x00")

		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			raw := archives.Get(v)
			if raw == nil {
				continue
			}
			var obj ArchiveObject
			if err := json.Unmarshal(raw, &obj); err != nil {
				continue
			}
			if obj.ParentSnapshotTimestamp != nil && obj.ParentSnapshotTimestamp.Equal(timestamp) {
				pinned = true
				return nil
			}
		}
		return nil
	})
	return pinned
}

// DependentIncremental reports whether any committed incremental for
// subvolume depends on the archive at parentTS as its parent.
func (s *Store) DependentIncremental(subvolume string, parentTS time.Time) bool {
	return s.IsPinned(subvolume, parentTS)
}

// ListCommitted returns every committed archive for subvolume, ordered
// by snapshot timestamp ascending.
func (s *Store) ListCommitted(subvolume string) ([]ArchiveObject, error) {
	var out []ArchiveObject
	err := s.db.View(func(tx *bolt.Tx) error {
		archives := tx.Bucket(bucketArchives)
		bySubvol := tx.Bucket(bucketBySubvol)
		cursor := bySubvol.Cursor()
		prefix := []byte(subvolume + "\x00")

		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			raw := archives.Get(v)
			if raw == nil {
				continue
			}
			var obj ArchiveObject
			if err := json.Unmarshal(raw, &obj); err != nil {
				return err
			}
			out = append(out, obj)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SnapshotTimestamp.Before(out[j].SnapshotTimestamp) })
	return out, nil
}

// DeleteArchive removes the committed record for (subvolume, ts). Used
// by the retention reaper once it has confirmed invariant 1 still holds.
func (s *Store) DeleteArchive(subvolume string, ts time.Time) error {
	key := archiveKey(subvolume, ts)
	return s.db.Update(func(tx *bolt.Tx) error {
		archives := tx.Bucket(bucketArchives)
		if archives.Get(key) == nil {
			return nil
		}
		if err := archives.Delete(key); err != nil {
			return err
		}
		bySubvol := tx.Bucket(bucketBySubvol)
		indexKey := append([]byte(subvolume+"\x00"), key...)
		return bySubvol.Delete(indexKey)
	})
}

// Outcome is the terminal or in-flight state of a Run.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeRunning   Outcome = "running"
	OutcomeSuccess   Outcome = "success"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Run is a single invocation of the pipeline across all configured
// subvolumes.
type Run struct {
	RunID                string            `json:"run_id"`
	StartedAt            time.Time         `json:"started_at"`
	FinishedAt           *time.Time        `json:"finished_at,omitempty"`
	Mode                 string            `json:"mode"`
	Outcome              Outcome           `json:"outcome"`
	PerSubvolumeOutcomes map[string]string `json:"per_subvolume_outcomes,omitempty"`
	Error                string            `json:"error,omitempty"`
}

// PutRun upserts a Run record. Used on Start (Pending) and every
// subsequent transition.
func (s *Store) PutRun(run Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(run.RunID), data)
	})
}

// MarkRun loads run_id, sets its outcome and optional error, and
// persists it.
func (s *Store) MarkRun(runID string, outcome Outcome, runErr string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		raw := runs.Get([]byte(runID))
		if raw == nil {
			return fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		var run Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return fmt.Errorf("decode run record: %w", err)
		}
		run.Outcome = outcome
		run.Error = runErr
		if outcome != OutcomePending && outcome != OutcomeRunning {
			now := time.Now().UTC()
			run.FinishedAt = &now
		}
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("encode run record: %w", err)
		}
		return runs.Put([]byte(runID), data)
	})
}

// GetRun loads a single run by ID.
func (s *Store) GetRun(runID string) (Run, error) {
	var run Run
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRuns).Get([]byte(runID))
		if raw == nil {
			return fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return json.Unmarshal(raw, &run)
	})
	return run, err
}

// ListRuns returns runs ordered by StartedAt descending, optionally
// filtered by outcome, paginated by limit/offset.
func (s *Store) ListRuns(limit, offset int, filter Outcome) ([]Run, error) {
	var all []Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if filter != "" && run.Outcome != filter {
				return nil
			}
			all = append(all, run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
