package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/snapvault/pkg/metrics"
	"github.com/cuemby/snapvault/pkg/repository"
	"github.com/cuemby/snapvault/pkg/storage"
	"github.com/cuemby/snapvault/pkg/types"
)

// RepositoryLookup resolves a started *repository.Repository by the name it
// was registered under; cmd/reposvc's registry satisfies this.
type RepositoryLookup interface {
	Get(name string) (*repository.Repository, bool)
}

// RegistrationLookup reads generation state as seen by the cluster metadata
// store, independent of whether this node has constructed a live Repository
// handle for that name; pkg/manager.ClusterMetadataStore satisfies this.
type RegistrationLookup interface {
	GetRepository(name string) (*storage.RepositoryRegistration, error)
	ListRepositories() ([]*storage.RepositoryRegistration, error)
}

// ClusterStatus reports this node's view of Raft leadership, mirroring the
// teacher's readiness check against its own cluster consensus layer.
type ClusterStatus interface {
	IsLeader() bool
	LeaderAddr() string
}

// Registrar registers a new repository name with the cluster metadata store
// and constructs a locally-started Repository handle for it; cmd/reposvc's
// registry satisfies this.
type Registrar interface {
	Register(ctx context.Context, name string) error
}

// Server is the control-plane HTTP surface: health/readiness/metrics plus
// JSON endpoints over the registered repositories.
type Server struct {
	repos     RepositoryLookup
	regs      RegistrationLookup
	cluster   ClusterStatus
	registrar Registrar
	mux       *http.ServeMux
}

// NewServer builds a Server wired against repos/regs/cluster/registrar.
// cluster and registrar may be nil; a nil registrar returns 501 Not
// Implemented from the register endpoint.
func NewServer(repos RepositoryLookup, regs RegistrationLookup, cluster ClusterStatus, registrar Registrar) *Server {
	s := &Server{repos: repos, regs: regs, cluster: cluster, registrar: registrar, mux: http.NewServeMux()}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.Handle("/metrics", metrics.Handler())

	s.mux.HandleFunc("POST /v1/repositories", s.instrumented("register_repository", s.handleRegisterRepository))
	s.mux.HandleFunc("GET /v1/repositories", s.instrumented("list_repositories", s.handleListRepositories))
	s.mux.HandleFunc("GET /v1/repositories/{name}", s.instrumented("get_repository", s.handleGetRepository))
	s.mux.HandleFunc("GET /v1/repositories/{name}/snapshots", s.instrumented("list_snapshots", s.handleListSnapshots))
	s.mux.HandleFunc("DELETE /v1/repositories/{name}/snapshots", s.instrumented("delete_snapshots", s.handleDeleteSnapshots))
	s.mux.HandleFunc("POST /v1/repositories/{name}/cleanup", s.instrumented("cleanup", s.handleCleanup))
	s.mux.HandleFunc("POST /v1/repositories/{name}/verify/start", s.instrumented("verify_start", s.handleVerifyStart))
	s.mux.HandleFunc("POST /v1/repositories/{name}/verify/end", s.instrumented("verify_end", s.handleVerifyEnd))

	return s
}

// GetHandler returns the HTTP handler for embedding in another server, or
// for http.ListenAndServe directly.
func (s *Server) GetHandler() http.Handler {
	return s.mux
}

// Start runs the server on addr until the process exits or ListenAndServe
// returns an error.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

func (s *Server) instrumented(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, name)
		metrics.APIRequestsTotal.WithLabelValues(name, fmt.Sprintf("%d", rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now()})
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if s.cluster != nil {
		if s.cluster.IsLeader() {
			checks["raft"] = "leader"
		} else if addr := s.cluster.LeaderAddr(); addr != "" {
			checks["raft"] = fmt.Sprintf("follower (leader: %s)", addr)
		} else {
			checks["raft"] = "no leader elected"
			ready = false
			message = "waiting for leader election"
		}
	} else {
		checks["raft"] = "not configured"
	}

	if _, err := s.regs.ListRepositories(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
		if message == "" {
			message = "storage not accessible"
		}
	} else {
		checks["storage"] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, readyResponse{Status: state, Timestamp: time.Now(), Checks: checks, Message: message})
}

type registerRepositoryBody struct {
	Name string `json:"name"`
}

func (s *Server) handleRegisterRepository(w http.ResponseWriter, r *http.Request) {
	if s.registrar == nil {
		http.Error(w, "registration not supported on this node", http.StatusNotImplemented)
		return
	}

	var body registerRepositoryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.registrar.Register(r.Context(), body.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": body.Name})
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	regs, err := s.regs.ListRepositories()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]types.RepositoryStatus, 0, len(regs))
	for _, reg := range regs {
		out = append(out, toRepositoryStatus(reg))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reg, err := s.regs.GetRepository(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRepositoryStatus(reg))
}

func toRepositoryStatus(reg *storage.RepositoryRegistration) types.RepositoryStatus {
	return types.RepositoryStatus{
		Name:              reg.Name,
		SafeGeneration:    reg.SafeGeneration,
		PendingGeneration: reg.PendingGeneration,
		RepositoryUUID:    reg.RepositoryUUID,
		ClusterUUID:       reg.ClusterUUID,
		Corrupted:         reg.Corrupted,
		UncleanStart:      !reg.Corrupted && reg.PendingGeneration > reg.SafeGeneration,
	}
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repos.Get(r.PathValue("name"))
	if !ok {
		http.Error(w, "repository not found on this node", http.StatusNotFound)
		return
	}

	data, err := repo.GetRepositoryData(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]types.SnapshotSummary, 0, len(data.Snapshots))
	for _, snap := range data.Snapshots {
		out = append(out, types.SnapshotSummary{
			UUID:      snap.UUID,
			Name:      snap.Name,
			State:     string(snap.State),
			StartTime: snap.StartTime,
			EndTime:   snap.EndTime,
			Indices:   snap.Indices,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type deleteSnapshotsBody struct {
	SnapshotUUIDs []string `json:"snapshot_uuids"`
	ExpectedSafe  int64    `json:"expected_safe"`
	ModernLayout  bool     `json:"modern_layout"`
}

func (s *Server) handleDeleteSnapshots(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repos.Get(r.PathValue("name"))
	if !ok {
		http.Error(w, "repository not found on this node", http.StatusNotFound)
		return
	}

	var body deleteSnapshotsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	data, err := repo.DeleteSnapshots(r.Context(), repository.DeleteRequest{
		SnapshotUUIDs: body.SnapshotUUIDs,
		ExpectedSafe:  body.ExpectedSafe,
		ModernLayout:  body.ModernLayout,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"generation": data.Generation})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repos.Get(r.PathValue("name"))
	if !ok {
		http.Error(w, "repository not found on this node", http.StatusNotFound)
		return
	}
	if err := repo.Cleanup(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleanup completed"})
}

func (s *Server) handleVerifyStart(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repos.Get(r.PathValue("name"))
	if !ok {
		http.Error(w, "repository not found on this node", http.StatusNotFound)
		return
	}
	handle, err := repo.StartVerification(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"seed": handle.Seed})
}

type verifyEndBody struct {
	Seed string `json:"seed"`
}

func (s *Server) handleVerifyEnd(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repos.Get(r.PathValue("name"))
	if !ok {
		http.Error(w, "repository not found on this node", http.StatusNotFound)
		return
	}

	var body verifyEndBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := repo.EndVerification(r.Context(), repository.VerificationHandle{Seed: body.Seed}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates a repository-domain error into an HTTP status,
// following spec.md §7's sentinel error kinds.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrSnapshotMissing):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrConcurrentModification):
		status = http.StatusConflict
	case errors.Is(err, repository.ErrCorruptedState):
		status = http.StatusConflict
	case errors.Is(err, repository.ErrReadOnly):
		status = http.StatusForbidden
	case errors.Is(err, repository.ErrNotStarted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), status)
}
