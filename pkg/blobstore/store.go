// Package blobstore defines the narrow, append-only interface the
// repository core expects of an immutable-blob backend (filesystem, object
// store, or anything else) and provides a filesystem implementation plus an
// in-memory one for tests.
//
// A BlobStore never overwrites an existing blob except through WriteAtomic,
// which is reserved for the single mutable pointer the protocol uses
// (index.latest). All other writes are fail-if-exists.
package blobstore

import (
	"context"
	"io"
)

// Purpose tags a container by the kind of data it holds, passed through to
// the backend for accounting/metrics purposes. It carries no semantics for
// the blob store itself.
type Purpose string

const (
	PurposeSnapshot     Purpose = "SNAPSHOT"
	PurposeSnapshotMeta Purpose = "SNAPSHOT_META"
	PurposeClusterState Purpose = "CLUSTER_STATE"
)

// BlobInfo is the result of a listing: a blob name paired with its length.
type BlobInfo struct {
	Name   string
	Length int64
}

// Store is the external blob-store abstraction of spec.md §6. Every method
// takes a container path (the directory-like prefix under which names are
// resolved) and is purpose-tagged for backend accounting.
type Store interface {
	// ListByPrefix lists every blob whose name starts with prefix directly
	// under container, returning a map of name to length.
	ListByPrefix(ctx context.Context, purpose Purpose, container, prefix string) (map[string]int64, error)

	// ListChildren lists the immediate child containers (subdirectories) of
	// container.
	ListChildren(ctx context.Context, purpose Purpose, container string) ([]string, error)

	// Read opens name under container for reading.
	Read(ctx context.Context, purpose Purpose, container, name string) (io.ReadCloser, error)

	// Write creates name under container from r, reading exactly length
	// bytes. If failIfExists is true and the blob already exists, Write
	// returns ErrBlobAlreadyExists and leaves the existing blob untouched.
	Write(ctx context.Context, purpose Purpose, container, name string, r io.Reader, length int64, failIfExists bool) error

	// WriteAtomic is like Write but the backend guarantees the blob becomes
	// visible to readers all-at-once (no torn reads). Used only for the
	// index.latest pointer, which is the one blob this protocol overwrites.
	WriteAtomic(ctx context.Context, purpose Purpose, container, name string, r io.Reader, length int64, failIfExists bool) error

	// Delete removes container and everything beneath it.
	Delete(ctx context.Context, purpose Purpose, container string) error

	// DeleteBlobs removes the named blobs under container, tolerating blobs
	// that no longer exist.
	DeleteBlobs(ctx context.Context, purpose Purpose, container string, names []string) error

	// BlobExists reports whether name exists under container.
	BlobExists(ctx context.Context, purpose Purpose, container, name string) (bool, error)

	// Stats returns backend-specific counters for observability.
	Stats() map[string]int64
}
