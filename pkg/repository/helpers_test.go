package repository

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// fakeMetadataState is one repository's view inside fakeMetadataStore.
type fakeMetadataState struct {
	safe    int64
	pending int64
}

// fakeMetadataStore is an in-memory stand-in for the linearizable external
// metadata store the writer coordinates with, used by every test in this
// package in place of the Raft-backed production implementation.
type fakeMetadataStore struct {
	mu             sync.Mutex
	repos          map[string]*fakeMetadataState
	failNextCommit bool
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{repos: map[string]*fakeMetadataState{}}
}

func (f *fakeMetadataStore) stateFor(repoName string) *fakeMetadataState {
	s, ok := f.repos[repoName]
	if !ok {
		s = &fakeMetadataState{safe: GenEmpty, pending: GenUnknown}
		f.repos[repoName] = s
	}
	return s
}

// ReservePending mirrors the Raft FSM's advance_pending handling: the
// reserved generation is computed here, as max(pending+1, expectedSafe+1),
// never supplied by the caller. A genuine safe-generation mismatch is the
// only rejection; a reservation racing another in-flight writer instead
// comes back with a distinct, higher generation, same as production.
func (f *fakeMetadataStore) ReservePending(_ context.Context, repoName string, expectedSafe int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stateFor(repoName)
	if s.safe != expectedSafe {
		return 0, ErrConcurrentModification
	}
	next := s.pending + 1
	if expectedSafe+1 > next {
		next = expectedSafe + 1
	}
	s.pending = next
	return next, nil
}

func (f *fakeMetadataStore) CommitSafe(_ context.Context, repoName string, pending int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextCommit {
		f.failNextCommit = false
		return errors.New("fake metadata store: simulated commit failure")
	}
	s := f.stateFor(repoName)
	if pending <= s.safe || pending > s.pending {
		return ErrConcurrentModification
	}
	s.safe = pending
	return nil
}

func (f *fakeMetadataStore) ReleasePending(_ context.Context, repoName string, pending int64) error {
	return nil
}

// fakeSegmentFile is one in-memory physical file held by fakeSegmentDirectory.
type fakeSegmentFile struct {
	content []byte
}

// fakeSegmentDirectory is an in-memory stand-in for the host index engine's
// segment reader (SegmentDirectory), used to drive the shard-snapshot
// pipeline's diff/upload steps without a real index.
type fakeSegmentDirectory struct {
	mu    sync.Mutex
	files map[string]fakeSegmentFile
}

func newFakeSegmentDirectory() *fakeSegmentDirectory {
	return &fakeSegmentDirectory{files: map[string]fakeSegmentFile{}}
}

func (d *fakeSegmentDirectory) set(name string, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[name] = fakeSegmentFile{content: content}
}

func (d *fakeSegmentDirectory) ListFiles(_ context.Context) ([]SegmentFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SegmentFile, 0, len(d.files))
	for name, f := range d.files {
		out = append(out, SegmentFile{
			PhysicalName: name,
			Length:       int64(len(f.content)),
			Checksum:     ChecksumBytes(f.content),
		})
	}
	return out, nil
}

func (d *fakeSegmentDirectory) OpenRead(_ context.Context, physicalName string) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[physicalName]
	if !ok {
		return nil, errors.New("fake segment directory: no such file " + physicalName)
	}
	return io.NopCloser(bytes.NewReader(f.content)), nil
}

// fakeRestoreDestination is an in-memory stand-in for RestoreDestination,
// recording every restored file's bytes and whether the store was marked
// corrupted.
type fakeRestoreDestination struct {
	mu        sync.Mutex
	files     map[string][]byte
	corrupted bool
	deleted   map[string]bool
}

func newFakeRestoreDestination() *fakeRestoreDestination {
	return &fakeRestoreDestination{files: map[string][]byte{}, deleted: map[string]bool{}}
}

type fakeRestoreOutput struct {
	dest *fakeRestoreDestination
	name string
	buf  bytes.Buffer
}

func (o *fakeRestoreOutput) Write(p []byte) (int, error) { return o.buf.Write(p) }

func (o *fakeRestoreOutput) Close() error {
	o.dest.mu.Lock()
	defer o.dest.mu.Unlock()
	o.dest.files[o.name] = append([]byte(nil), o.buf.Bytes()...)
	return nil
}

func (d *fakeRestoreDestination) CreateOutput(_ context.Context, physicalName string) (io.WriteCloser, error) {
	return &fakeRestoreOutput{dest: d, name: physicalName}, nil
}

func (d *fakeRestoreDestination) MarkCorrupted(_ context.Context, _ error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corrupted = true
}

func (d *fakeRestoreDestination) DeletePartial(_ context.Context, physicalName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, physicalName)
	d.deleted[physicalName] = true
	return nil
}

func (d *fakeRestoreDestination) get(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.files[name]
	return b, ok
}

func (d *fakeRestoreDestination) isCorrupted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.corrupted
}
