// Package pipeline wires the four-stage byte pipeline — snapshot stream,
// compressor, encryptor, remote writer — into one failure-atomic unit,
// the way a BackupAll helper fans work out across goroutines with a
// bounded error channel, generalized here to a per-subvolume streaming
// composition instead of a per-database subprocess call.
package pipeline

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path"
	"sync/atomic"
	"time"

	"github.com/arklane/arkbackup/internal/compressor"
	arkcrypto "github.com/arklane/arkbackup/internal/crypto"
	"github.com/arklane/arkbackup/internal/lineage"
	"github.com/arklane/arkbackup/internal/logger"
	"github.com/arklane/arkbackup/internal/remote"
	"github.com/arklane/arkbackup/internal/snapshot"
)

// ErrMissingParent indicates mode=incremental was requested with no
// parent, a defence-in-depth check; the Policy Engine is expected to
// have already upgraded such a request to full.
var ErrMissingParent = errors.New("incremental run requested with no parent")

// ErrRemoteConflict indicates the target remote path already existed at
// the start of the run.
var ErrRemoteConflict = remote.ErrConflict

const progressInterval = 250 * time.Millisecond // ~4 Hz

// Progress is a monotonic sample of pipeline throughput.
type Progress struct {
	Stage      string
	BytesIn    int64
	BytesOut   int64
	SinceStart time.Duration
}

// ProgressFunc receives progress samples at most ~4 times per second.
type ProgressFunc func(Progress)

// Request describes one (subvolume, mode, parent?) unit of work.
type Request struct {
	ClientID    string
	Subvolume   snapshot.Subvolume
	Snap        snapshot.Snapshot
	Parent      *snapshot.Snapshot
	ParentTS    *time.Time
	Incremental bool
	CompressExt string
	CryptoExt   string
}

// Result is the outcome of a successful Run call.
type Result struct {
	Archive lineage.ArchiveObject
}

// Runner drives one subvolume's worth of the streaming pipeline.
type Runner struct {
	snapshots *snapshot.Manager
	remoteCh  *remote.Channel
	key       []byte
	level     int
	lineage   *lineage.Store
	log       logger.Logger
}

// NewRunner returns a Runner using the given collaborators.
func NewRunner(snapshots *snapshot.Manager, remoteCh *remote.Channel, key []byte, compressLevel int, store *lineage.Store, log logger.Logger) *Runner {
	return &Runner{snapshots: snapshots, remoteCh: remoteCh, key: key, level: compressLevel, lineage: store, log: log}
}

// RemotePath computes the namespace path for req, following the bit-exact
// layout "<base>/<client>/<YYYYMM>/<kind>/<subvolume>_<ts>[__from_<parentTs>].<cext>.<eext>".
func RemotePath(basePath string, req Request) string {
	kindDir := "full"
	name := fmt.Sprintf("%s_%s", req.Subvolume.Name, req.Snap.Timestamp.UTC().Format("20060102-150405"))
	if req.Incremental {
		kindDir = "incremental"
		name = fmt.Sprintf("%s__from_%s", name, req.ParentTS.UTC().Format("20060102-150405"))
	}
	monthBucket := req.Snap.Timestamp.UTC().Format("200601")
	filename := fmt.Sprintf("%s.%s.%s", name, req.CompressExt, req.CryptoExt)
	return path.Join(basePath, req.ClientID, monthBucket, kindDir, filename)
}

// Run executes the snapshot-stream -> compress -> encrypt -> remote-write
// pipeline for req, honoring ctx for cooperative cancellation. On clean
// success it records the commit in the Lineage Store (the linearization
// point). On any failure the remote .part file is cleaned up (by the
// Remote Channel itself) and no Lineage Store row is written.
func (r *Runner) Run(ctx context.Context, basePath string, req Request, onProgress ProgressFunc) (Result, error) {
	if req.Incremental && req.Parent == nil {
		return Result{}, ErrMissingParent
	}

	remotePath := RemotePath(basePath, req)
	remoteDir := path.Dir(remotePath)
	if err := r.remoteCh.EnsureDir(remoteDir); err != nil {
		return Result{}, fmt.Errorf("ensure remote dir: %w", err)
	}

	sendStream, err := r.snapshots.StreamSend(ctx, req.Snap, req.Parent)
	if err != nil {
		return Result{}, fmt.Errorf("start snapshot stream: %w", err)
	}
	defer sendStream.Close()

	pr, pw := io.Pipe()
	compressDone := make(chan error, 1)
	countedIn := &countingReader{r: sendStream}

	go func() {
		cw, err := compressor.NewWriter(pw, r.level)
		if err != nil {
			pw.CloseWithError(err)
			compressDone <- err
			return
		}
		_, copyErr := io.Copy(cw, countedIn)
		closeErr := cw.Close()
		pw.CloseWithError(firstNonNil(copyErr, closeErr))
		compressDone <- firstNonNil(copyErr, closeErr)
	}()

	ew, cryptoDone, ewReader := startEncryptWriter(r.key)
	go func() {
		_, err := io.Copy(ew, pr)
		closeErr := ew.Close()
		cryptoDone <- firstNonNil(err, closeErr)
	}()

	hasher := sha256.New()
	digestedReader := io.TeeReader(ewReader, hasher) // digest is of the encrypted stream, per the committed ArchiveObject contract
	counted := &countingReader{r: digestedReader}

	progressTicker := time.NewTicker(progressInterval)
	defer progressTicker.Stop()
	start := time.Now()
	stopProgress := make(chan struct{})
	if onProgress != nil {
		go func() {
			for {
				select {
				case <-progressTicker.C:
					onProgress(Progress{Stage: "writing", BytesIn: countedIn.n.Load(), BytesOut: counted.n.Load(), SinceStart: time.Since(start)})
				case <-stopProgress:
					return
				}
			}
		}()
	}

	written, writeErr := r.remoteCh.WriteStream(remotePath, counted)
	close(stopProgress)

	compressErr := <-compressDone
	cryptoErr := <-cryptoDone
	sendErr := sendStream.Close()

	if err := firstNonNil(writeErr, compressErr, cryptoErr, sendErr); err != nil {
		return Result{}, fmt.Errorf("pipeline failed: %w", err)
	}

	digest := fmt.Sprintf("%x", hasher.Sum(nil))
	ok, err := r.remoteCh.VerifyObject(remotePath, written, nil)
	if err != nil {
		return Result{}, fmt.Errorf("verify remote object: %w", err)
	}
	if !ok {
		return Result{}, fmt.Errorf("verify remote object: size mismatch at %s", remotePath)
	}

	obj := lineage.ArchiveObject{
		ClientID:          req.ClientID,
		Subvolume:         req.Subvolume.Name,
		MonthBucket:       req.Snap.Timestamp.UTC().Format("200601"),
		SnapshotTimestamp: req.Snap.Timestamp,
		RemotePath:        remotePath,
		BytesWritten:      written,
		Digest:            digest,
		Status:            lineage.StatusCommitted,
	}
	if req.Incremental {
		obj.Kind = lineage.KindIncremental
		obj.ParentSnapshotTimestamp = req.ParentTS
	} else {
		obj.Kind = lineage.KindFull
	}

	if err := r.lineage.RecordCommit(obj); err != nil {
		return Result{}, fmt.Errorf("record commit: %w", err)
	}

	r.log.Info("archive committed", "subvolume", req.Subvolume.Name, "path", remotePath, "bytes", written)
	return Result{Archive: obj}, nil
}

// startEncryptWriter wires an arkcrypto.Writer into an io.Pipe so its
// output can be handed to remote.Channel.WriteStream as a plain reader.
func startEncryptWriter(key []byte) (io.WriteCloser, chan error, io.Reader) {
	pr, pw := io.Pipe()
	cw, err := arkcrypto.NewWriter(pw, key)
	if err != nil {
		pw.CloseWithError(err)
		done := make(chan error, 1)
		done <- err
		return closedWriter{}, done, pr
	}
	return pipeEncryptWriter{cw: cw, pw: pw}, make(chan error, 1), pr
}

type pipeEncryptWriter struct {
	cw *arkcrypto.Writer
	pw *io.PipeWriter
}

func (p pipeEncryptWriter) Write(b []byte) (int, error) { return p.cw.Write(b) }
func (p pipeEncryptWriter) Close() error {
	err := p.cw.Close()
	p.pw.CloseWithError(err)
	return err
}

type closedWriter struct{}

func (closedWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
func (closedWriter) Close() error              { return nil }

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
