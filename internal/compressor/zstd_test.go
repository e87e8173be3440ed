package compressor

import (
	"bytes"
	"io"
	"testing"
)

func TestWriterReader_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	w, err := NewWriter(&buf, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility, the quick brown fox jumps over the lazy dog")
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: got %q, want %q", got, payload)
	}
}
