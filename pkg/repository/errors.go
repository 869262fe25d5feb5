package repository

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (spec.md §7). Pipelines wrap these with
// RepositoryException to attach repository/snapshot context; callers use
// errors.Is/errors.As to branch on kind.
var (
	// ErrConcurrentModification: expected generation did not match.
	ErrConcurrentModification = errors.New("repository: concurrent modification, expected generation did not match")

	// ErrSnapshotMissing: a named blob was not found where expected.
	ErrSnapshotMissing = errors.New("repository: snapshot not found")

	// ErrAbortedSnapshot: cooperative cancellation at a file-upload boundary.
	ErrAbortedSnapshot = errors.New("repository: snapshot aborted")

	// ErrRepositoryVerification: a blob-store access probe failed.
	ErrRepositoryVerification = errors.New("repository: verification failed")

	// ErrCorruptedState is terminal: the repository is latched and requires
	// re-registration to clear.
	ErrCorruptedState = errors.New("repository: corrupted state, repository is latched")

	// ErrNotStarted: operation attempted before Start or after Stop/Close.
	ErrNotStarted = errors.New("repository: not started")

	// ErrTaskCancelled: cooperative cancellation of a multi-snapshot fetch.
	ErrTaskCancelled = errors.New("repository: task cancelled")

	// ErrReadOnly: a mutating operation was attempted on a read-only
	// repository.
	ErrReadOnly = errors.New("repository: repository is read-only")
)

// RepositoryException wraps an underlying error kind with the repository
// name and, where relevant, the snapshot/shard context, per §7's
// "propagation: I/O errors are wrapped once at the pipeline boundary".
type RepositoryException struct {
	Repository string
	Snapshot   string
	Shard      *RepositoryShardID
	Op         string
	Err        error
}

func (e *RepositoryException) Error() string {
	switch {
	case e.Shard != nil && e.Snapshot != "":
		return fmt.Sprintf("repository %q: %s: snapshot %s shard %s: %v", e.Repository, e.Op, e.Snapshot, e.Shard, e.Err)
	case e.Snapshot != "":
		return fmt.Sprintf("repository %q: %s: snapshot %s: %v", e.Repository, e.Op, e.Snapshot, e.Err)
	default:
		return fmt.Sprintf("repository %q: %s: %v", e.Repository, e.Op, e.Err)
	}
}

func (e *RepositoryException) Unwrap() error {
	return e.Err
}

// wrapErr builds a *RepositoryException bound to repo/op, or returns nil for
// a nil err.
func wrapErr(repo, op string, err error) error {
	if err == nil {
		return nil
	}
	return &RepositoryException{Repository: repo, Op: op, Err: err}
}

func wrapSnapshotErr(repo, op, snapshotUUID string, err error) error {
	if err == nil {
		return nil
	}
	return &RepositoryException{Repository: repo, Op: op, Snapshot: snapshotUUID, Err: err}
}

func wrapShardErr(repo, op, snapshotUUID string, shard RepositoryShardID, err error) error {
	if err == nil {
		return nil
	}
	return &RepositoryException{Repository: repo, Op: op, Snapshot: snapshotUUID, Shard: &shard, Err: err}
}

// IndexShardSnapshotFailedError wraps a per-shard snapshot pipeline failure
// (spec.md §7).
type IndexShardSnapshotFailedError struct {
	Shard RepositoryShardID
	Err   error
}

func (e *IndexShardSnapshotFailedError) Error() string {
	return fmt.Sprintf("shard snapshot failed for %s: %v", e.Shard, e.Err)
}

func (e *IndexShardSnapshotFailedError) Unwrap() error { return e.Err }

// IndexShardRestoreFailedError wraps a per-shard restore pipeline failure
// (spec.md §7).
type IndexShardRestoreFailedError struct {
	Shard RepositoryShardID
	Err   error
}

func (e *IndexShardRestoreFailedError) Error() string {
	return fmt.Sprintf("shard restore failed for %s: %v", e.Shard, e.Err)
}

func (e *IndexShardRestoreFailedError) Unwrap() error { return e.Err }
