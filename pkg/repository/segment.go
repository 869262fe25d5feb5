package repository

import (
	"context"
	"fmt"
	"hash"
	"io"

	"github.com/cespare/xxhash/v2"
)

// SegmentFile describes one physical file in a shard's live commit, as
// reported by the host index engine's segment reader (an external
// collaborator per spec.md §1/§4.1). The repository core never interprets
// segment-file contents; it only diffs, checksums, and copies them.
type SegmentFile struct {
	PhysicalName string
	Length       int64
	Checksum     string
}

// SegmentDirectory is the narrow interface the shard-snapshot pipeline needs
// from the host index engine: enumerate a shard's current physical files
// and open one for reading. Production wiring is supplied by the index
// engine; tests use an in-memory stand-in.
type SegmentDirectory interface {
	ListFiles(ctx context.Context) ([]SegmentFile, error)
	OpenRead(ctx context.Context, physicalName string) (io.ReadCloser, error)
}

// VerifyingWriter wraps an output stream, accumulating an xxhash64 checksum
// of every byte written. Calling Finish compares the accumulated checksum
// against expectedChecksum, matching the "verifying index-output stream"
// of spec.md §4.10 step 3.
type VerifyingWriter struct {
	w        io.Writer
	h        hash.Hash64
	written  int64
}

// NewVerifyingWriter wraps w, checksumming everything written to it.
func NewVerifyingWriter(w io.Writer) *VerifyingWriter {
	return &VerifyingWriter{w: w, h: xxhash.New()}
}

func (v *VerifyingWriter) Write(p []byte) (int, error) {
	n, err := v.w.Write(p)
	if n > 0 {
		v.h.Write(p[:n])
		v.written += int64(n)
	}
	return n, err
}

// Written returns the number of bytes written so far.
func (v *VerifyingWriter) Written() int64 {
	return v.written
}

// Finish returns ErrChecksumMismatch if the accumulated checksum does not
// match expectedChecksum (formatted the same way FileInfo.Checksum is:
// lowercase hex of the xxhash64 sum).
func (v *VerifyingWriter) Finish(expectedChecksum string) error {
	got := fmt.Sprintf("%016x", v.h.Sum64())
	if expectedChecksum != "" && got != expectedChecksum {
		return fmt.Errorf("%w: physical file checksum %s, expected %s", ErrChecksumMismatch, got, expectedChecksum)
	}
	return nil
}

// ChecksumBytes computes the same checksum format Finish compares against,
// for small (virtualized) files whose content is held in memory.
func ChecksumBytes(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// inlineableLimit is the largest physical file size the shard-snapshot
// pipeline will virtualize (store inline in the shard-snapshot set instead
// of as a data blob), per spec.md §4.5 step 3.
const inlineableLimit = 1024
