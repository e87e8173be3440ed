package pipeline

import (
	"testing"
	"time"

	"github.com/arklane/arkbackup/internal/snapshot"
)

func TestRemotePath_FullArchive(t *testing.T) {
	req := Request{
		ClientID:    "host1",
		Subvolume:   snapshot.Subvolume{Name: "root"},
		Snap:        snapshot.Snapshot{Timestamp: time.Date(2026, 3, 15, 4, 30, 0, 0, time.UTC)},
		CompressExt: "zst",
		CryptoExt:   "xc20p",
	}
	got := RemotePath("/archives", req)
	want := "/archives/host1/202603/full/root_20260315-043000.zst.xc20p"
	if got != want {
		t.Errorf("RemotePath() = %q, want %q", got, want)
	}
}

func TestRemotePath_IncrementalArchive(t *testing.T) {
	parentTS := time.Date(2026, 3, 14, 4, 30, 0, 0, time.UTC)
	req := Request{
		ClientID:    "host1",
		Subvolume:   snapshot.Subvolume{Name: "root"},
		Snap:        snapshot.Snapshot{Timestamp: time.Date(2026, 3, 15, 4, 30, 0, 0, time.UTC)},
		Incremental: true,
		ParentTS:    &parentTS,
		CompressExt: "zst",
		CryptoExt:   "xc20p",
	}
	got := RemotePath("/archives", req)
	want := "/archives/host1/202603/incremental/root_20260315-043000__from_20260314-043000.zst.xc20p"
	if got != want {
		t.Errorf("RemotePath() = %q, want %q", got, want)
	}
}

func TestRun_IncrementalWithoutParentFails(t *testing.T) {
	r := &Runner{}
	req := Request{Incremental: true}
	_, err := r.Run(nil, "/archives", req, nil)
	if err != ErrMissingParent {
		t.Errorf("expected ErrMissingParent, got %v", err)
	}
}
