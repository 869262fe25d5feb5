package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cuemby/snapvault/pkg/blobstore"
	"github.com/cuemby/snapvault/pkg/manager"
	"github.com/cuemby/snapvault/pkg/repository"
	"github.com/google/uuid"
)

// registry owns every *repository.Repository this node has constructed,
// keyed by name. It wires pkg/httpapi's RepositoryLookup/Registrar and
// pkg/scheduler's RepositorySet against the one node-local set of live
// handles, with pkg/manager.ClusterMetadataStore doing double duty as both
// the generational MetadataStore each Repository writes through and the
// RegistrationLookup httpapi reads from directly.
type registry struct {
	cluster  *manager.ClusterMetadataStore
	baseDir  string
	cfgSeed  repository.Config

	mu    sync.RWMutex
	repos map[string]*repository.Repository
}

func newRegistry(cluster *manager.ClusterMetadataStore, baseDir string, cfgSeed repository.Config) *registry {
	return &registry{
		cluster: cluster,
		baseDir: baseDir,
		cfgSeed: cfgSeed,
		repos:   make(map[string]*repository.Repository),
	}
}

// Get implements httpapi.RepositoryLookup and scheduler membership lookups.
func (reg *registry) Get(name string) (*repository.Repository, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.repos[name]
	return r, ok
}

// Repositories implements scheduler.RepositorySet.
func (reg *registry) Repositories() []*repository.Repository {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*repository.Repository, 0, len(reg.repos))
	for _, r := range reg.repos {
		out = append(out, r)
	}
	return out
}

// Register implements httpapi.Registrar: it registers name with the
// cluster metadata store, provisions a filesystem blob store under
// baseDir/repos/name, and constructs and starts a Repository handle for it.
func (reg *registry) Register(ctx context.Context, name string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.repos[name]; exists {
		return fmt.Errorf("repository %q already registered on this node", name)
	}

	clusterUUID, err := reg.cluster.ClusterUUID()
	if err != nil {
		return fmt.Errorf("failed to read cluster uuid: %w", err)
	}
	repositoryUUID := uuid.NewString()

	if err := reg.cluster.RegisterRepository(repositoryUUID, clusterUUID, name); err != nil {
		return fmt.Errorf("failed to register repository %q: %w", name, err)
	}

	store, err := blobstore.NewFSStore(filepath.Join(reg.baseDir, "repos", name))
	if err != nil {
		return fmt.Errorf("failed to provision blob store for %q: %w", name, err)
	}

	cfg := reg.cfgSeed
	cfg.Name = name
	cfg.BasePath = name

	repo := repository.New(cfg, store, reg.cluster, reg.cluster.GetEventBroker())
	if err := repo.Start(ctx); err != nil {
		return fmt.Errorf("failed to start repository %q: %w", name, err)
	}

	reg.repos[name] = repo
	return nil
}

// restoreFromRegistrations constructs a live handle for every repository
// already known to the metadata store, so a restarted node resumes serving
// all previously-registered repositories without re-issuing register calls.
func (reg *registry) restoreFromRegistrations(ctx context.Context) error {
	regs, err := reg.cluster.ListRepositories()
	if err != nil {
		return fmt.Errorf("failed to list existing registrations: %w", err)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, r := range regs {
		if _, exists := reg.repos[r.Name]; exists {
			continue
		}
		store, err := blobstore.NewFSStore(filepath.Join(reg.baseDir, "repos", r.Name))
		if err != nil {
			return fmt.Errorf("failed to provision blob store for %q: %w", r.Name, err)
		}
		cfg := reg.cfgSeed
		cfg.Name = r.Name
		cfg.BasePath = r.Name

		repo := repository.New(cfg, store, reg.cluster, reg.cluster.GetEventBroker())
		if err := repo.Start(ctx); err != nil {
			return fmt.Errorf("failed to start repository %q: %w", r.Name, err)
		}
		reg.repos[r.Name] = repo
	}
	return nil
}
