package blobstore

import "errors"

var (
	// ErrBlobAlreadyExists is returned by Write/WriteAtomic when
	// failIfExists is set and the blob is already present.
	ErrBlobAlreadyExists = errors.New("blobstore: blob already exists")

	// ErrBlobNotFound is returned by Read/BlobExists-adjacent lookups when
	// the requested blob is absent.
	ErrBlobNotFound = errors.New("blobstore: blob not found")
)
