package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/snapvault/pkg/blobstore"
	"github.com/cuemby/snapvault/pkg/repository"
	"github.com/cuemby/snapvault/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRepoNotRegistered = errors.New("repository not registered")

type fakeRegs struct {
	regs map[string]*storage.RepositoryRegistration
}

func (f *fakeRegs) GetRepository(name string) (*storage.RepositoryRegistration, error) {
	reg, ok := f.regs[name]
	if !ok {
		return nil, errRepoNotRegistered
	}
	return reg, nil
}

func (f *fakeRegs) ListRepositories() ([]*storage.RepositoryRegistration, error) {
	out := make([]*storage.RepositoryRegistration, 0, len(f.regs))
	for _, reg := range f.regs {
		out = append(out, reg)
	}
	return out, nil
}

type fakeRepos struct {
	repos map[string]*repository.Repository
}

func (f *fakeRepos) Get(name string) (*repository.Repository, bool) {
	r, ok := f.repos[name]
	return r, ok
}

type noopMetadataStore struct{}

func (noopMetadataStore) ReservePending(context.Context, string, int64) (int64, error) { return 0, nil }
func (noopMetadataStore) CommitSafe(context.Context, string, int64) error              { return nil }
func (noopMetadataStore) ReleasePending(context.Context, string, int64) error           { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	repo := repository.New(repository.Config{Name: "backups", BasePath: "backups"}, blobstore.NewMemStore(), noopMetadataStore{}, nil)
	require.NoError(t, repo.Start(context.Background()))

	regs := &fakeRegs{regs: map[string]*storage.RepositoryRegistration{
		"backups": {Name: "backups", SafeGeneration: 3, PendingGeneration: 3},
	}}
	repos := &fakeRepos{repos: map[string]*repository.Repository{"backups": repo}}

	return NewServer(repos, regs, nil, nil)
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.GetHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleGetRepository(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/repositories/backups", nil)
	rec := httptest.NewRecorder()

	srv.GetHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "backups", status["name"])
	assert.Equal(t, float64(3), status["safe_generation"])
}

func TestHandleListSnapshotsEmptyRepository(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/repositories/backups/snapshots", nil)
	rec := httptest.NewRecorder()

	srv.GetHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var snaps []interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	assert.Empty(t, snaps)
}

func TestHandleListSnapshotsUnknownRepositoryOnThisNode(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/repositories/unknown/snapshots", nil)
	rec := httptest.NewRecorder()

	srv.GetHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCleanup(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/repositories/backups/cleanup", nil)
	rec := httptest.NewRecorder()

	srv.GetHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
