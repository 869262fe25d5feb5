package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

// DefaultBasePath is the base directory used when a caller does not supply
// one, mirroring the teacher volume driver's DefaultVolumesPath.
const DefaultBasePath = "/var/lib/snapvault/blobs"

// FSStore implements Store against a local (or network-mounted) filesystem.
// Every container path is joined under basePath; blob names are files within
// that directory. Directory creation is lazy: containers come into being the
// first time a blob is written into them.
type FSStore struct {
	basePath string

	reads  atomic.Int64
	writes atomic.Int64
	lists  atomic.Int64
}

// NewFSStore creates a filesystem-backed Store rooted at basePath. An empty
// basePath falls back to DefaultBasePath.
func NewFSStore(basePath string) (*FSStore, error) {
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob store directory: %w", err)
	}
	return &FSStore{basePath: basePath}, nil
}

func (s *FSStore) resolveDir(container string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(container))
}

func (s *FSStore) resolvePath(container, name string) string {
	return filepath.Join(s.resolveDir(container), name)
}

func (s *FSStore) ListByPrefix(_ context.Context, _ Purpose, container, prefix string) (map[string]int64, error) {
	s.lists.Add(1)
	dir := s.resolveDir(container)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	result := make(map[string]int64)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", entry.Name(), err)
		}
		result[entry.Name()] = info.Size()
	}
	return result, nil
}

func (s *FSStore) ListChildren(_ context.Context, _ Purpose, container string) ([]string, error) {
	s.lists.Add(1)
	dir := s.resolveDir(container)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", dir, err)
	}

	var children []string
	for _, entry := range entries {
		if entry.IsDir() {
			children = append(children, entry.Name())
		}
	}
	sort.Strings(children)
	return children, nil
}

func (s *FSStore) Read(_ context.Context, _ Purpose, container, name string) (io.ReadCloser, error) {
	s.reads.Add(1)
	path := s.resolvePath(container, name)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

func (s *FSStore) Write(_ context.Context, _ Purpose, container, name string, r io.Reader, length int64, failIfExists bool) error {
	return s.write(container, name, r, length, failIfExists)
}

// WriteAtomic writes via a temp file + rename so the blob is never visible
// half-written. The filesystem implementation uses this path for every
// write, not just index.latest, since rename-based atomicity is cheap here;
// backends without an atomic primitive would instead reserve it for the
// pointer blob as spec.md describes.
func (s *FSStore) WriteAtomic(_ context.Context, _ Purpose, container, name string, r io.Reader, length int64, failIfExists bool) error {
	return s.write(container, name, r, length, failIfExists)
}

func (s *FSStore) write(container, name string, r io.Reader, length int64, failIfExists bool) error {
	s.writes.Add(1)
	dir := s.resolveDir(container)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create container %s: %w", dir, err)
	}

	finalPath := filepath.Join(dir, name)
	if failIfExists {
		if _, err := os.Stat(finalPath); err == nil {
			return ErrBlobAlreadyExists
		}
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", finalPath, err)
	}
	if length >= 0 && written != length {
		_ = tmp.Close()
		return fmt.Errorf("short write for %s: wrote %d of %d bytes", finalPath, written, length)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", finalPath, err)
	}

	if failIfExists {
		if err := os.Link(tmpPath, finalPath); err != nil {
			if os.IsExist(err) {
				return ErrBlobAlreadyExists
			}
			return fmt.Errorf("failed to link %s: %w", finalPath, err)
		}
		return nil
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename into %s: %w", finalPath, err)
	}
	return nil
}

func (s *FSStore) Delete(_ context.Context, _ Purpose, container string) error {
	dir := s.resolveDir(container)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete container %s: %w", dir, err)
	}
	return nil
}

func (s *FSStore) DeleteBlobs(_ context.Context, _ Purpose, container string, names []string) error {
	dir := s.resolveDir(container)
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
	}
	return nil
}

func (s *FSStore) BlobExists(_ context.Context, _ Purpose, container, name string) (bool, error) {
	path := s.resolvePath(container, name)
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return true, nil
}

func (s *FSStore) Stats() map[string]int64 {
	return map[string]int64{
		"reads":  s.reads.Load(),
		"writes": s.writes.Load(),
		"lists":  s.lists.Load(),
	}
}
