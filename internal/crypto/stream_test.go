package crypto

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"
)

func TestWriterReader_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	payload := bytes.Repeat([]byte("stream chunk payload "), 50000) // spans multiple chunks
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(&buf, key)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(payload))
	}
}

func TestReader_RejectsWrongKey(t *testing.T) {
	key, _ := GenerateKey()
	wrongKey, _ := GenerateKey()

	var buf bytes.Buffer
	w, err := NewWriter(&buf, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write([]byte("secret payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(&buf, wrongKey)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if _, err := io.ReadAll(r); err == nil {
		t.Fatal("expected authentication failure with wrong key")
	}
}

func TestLoadOrCreateKeyfile_GeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup-encryption.key")

	key1, err := LoadOrCreateKeyfile(path)
	if err != nil {
		t.Fatalf("first LoadOrCreateKeyfile: %v", err)
	}
	if len(key1) != KeySize {
		t.Fatalf("expected %d byte key, got %d", KeySize, len(key1))
	}

	key2, err := LoadOrCreateKeyfile(path)
	if err != nil {
		t.Fatalf("second LoadOrCreateKeyfile: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("expected second call to return the persisted key, not a fresh one")
	}
}
