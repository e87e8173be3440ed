// Package compressor wraps klauspost/compress/zstd as a streaming
// io.WriteCloser stage, generalized from a whole-file CompressZstd helper
// (open input, zstd.NewWriter(output), io.Copy, Close) into a composable
// pipeline stage that never buffers the entire input.
package compressor

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Ext is the filename extension recorded per-archive for this algorithm.
const Ext = "zst"

// Writer wraps an underlying io.Writer with zstd compression. Write
// blocks when the underlying writer is not ready to accept more bytes,
// satisfying the "back-pressured and bounded in memory" contract. Close
// flushes the zstd trailer and must be called exactly once.
type Writer struct {
	zw *zstd.Encoder
}

// NewWriter returns a Writer at the given compression level (zstd's
// SpeedDefault is used when level is 0).
func NewWriter(dst io.Writer, level int) (*Writer, error) {
	opts := []zstd.EOption{}
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	}
	zw, err := zstd.NewWriter(dst, opts...)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	return &Writer{zw: zw}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.zw.Write(p)
}

// Close flushes the zstd trailer.
func (w *Writer) Close() error {
	return w.zw.Close()
}

// Reader wraps an underlying io.Reader with zstd decompression, the
// symmetric counterpart used by the restore path.
type Reader struct {
	zr *zstd.Decoder
}

// NewReader returns a Reader over src.
func NewReader(src io.Reader) (*Reader, error) {
	zr, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	return &Reader{zr: zr}, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	return r.zr.Read(p)
}

// Close releases the decoder's background goroutines.
func (r *Reader) Close() error {
	r.zr.Close()
	return nil
}
