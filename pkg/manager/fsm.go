package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/snapvault/pkg/storage"
	"github.com/hashicorp/raft"
)

// SnapvaultFSM applies repository-generation commands to the local
// RepositoryRegistration store. It is the Raft state machine backing
// ClusterMetadataStore.
type SnapvaultFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewSnapvaultFSM builds an FSM persisting through store.
func NewSnapvaultFSM(store storage.Store) *SnapvaultFSM {
	return &SnapvaultFSM{store: store}
}

// Command is one Raft log entry: an operation name plus its JSON payload.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Command operations, matching the reserve/write/commit protocol of the
// three-step generational writer plus the register and corruption-latch
// operations.
const (
	OpRegisterRepository   = "register_repository"
	OpAdvancePending       = "advance_pending"
	OpAdvanceSafe          = "advance_safe"
	OpMarkCorrupted        = "mark_corrupted"
	OpDeregisterRepository = "deregister_repository"
)

type registerRepositoryCmd struct {
	Name           string `json:"name"`
	RepositoryUUID string `json:"repository_uuid"`
	ClusterUUID    string `json:"cluster_uuid"`
}

type advancePendingCmd struct {
	Name         string `json:"name"`
	ExpectedSafe int64  `json:"expected_safe"`
}

type advanceSafeCmd struct {
	Name    string `json:"name"`
	Pending int64  `json:"pending"`
}

type markCorruptedCmd struct {
	Name string `json:"name"`
}

type deregisterRepositoryCmd struct {
	Name string `json:"name"`
}

// ErrGenerationMismatch is returned by Apply when an advance_pending or
// advance_safe command's expected generation no longer matches the stored
// registration. ClusterMetadataStore translates it into
// repository.ErrConcurrentModification.
var ErrGenerationMismatch = errors.New("generation mismatch")

// Apply dispatches one committed Raft log entry to the local registration
// store.
func (f *SnapvaultFSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpRegisterRepository:
		var c registerRepositoryCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.CreateRepository(&storage.RepositoryRegistration{
			Name:              c.Name,
			SafeGeneration:    -1,
			PendingGeneration: -2,
			RepositoryUUID:    c.RepositoryUUID,
			ClusterUUID:       c.ClusterUUID,
		})

	case OpAdvancePending:
		var c advancePendingCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		reg, err := f.store.GetRepository(c.Name)
		if err != nil {
			return err
		}
		if reg.Corrupted {
			return fmt.Errorf("repository %s is corrupted", c.Name)
		}
		if reg.SafeGeneration != c.ExpectedSafe {
			return fmt.Errorf("%w: repository %s expected safe %d, has %d", ErrGenerationMismatch, c.Name, c.ExpectedSafe, reg.SafeGeneration)
		}
		// The FSM owns the reserved generation rather than trusting one
		// supplied by the caller: max(pending+1, expectedSafe+1) per
		// spec.md §4.4. Two writers both observing the same safe
		// generation each get a distinct, strictly increasing reservation
		// instead of colliding on the same target generation.
		next := reg.PendingGeneration + 1
		if c.ExpectedSafe+1 > next {
			next = c.ExpectedSafe + 1
		}
		reg.PendingGeneration = next
		if err := f.store.UpdateRepository(reg); err != nil {
			return err
		}
		return next

	case OpAdvanceSafe:
		var c advanceSafeCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		reg, err := f.store.GetRepository(c.Name)
		if err != nil {
			return err
		}
		// Several writers may hold distinct outstanding reservations at
		// once; gate only on commits that are stale (already superseded)
		// or were never reserved, not on whether c.Pending is the single
		// most-recent reservation.
		if c.Pending <= reg.SafeGeneration {
			return fmt.Errorf("%w: repository %s pending %d already committed (safe=%d)", ErrGenerationMismatch, c.Name, c.Pending, reg.SafeGeneration)
		}
		if c.Pending > reg.PendingGeneration {
			return fmt.Errorf("%w: repository %s pending %d was never reserved (high-water mark %d)", ErrGenerationMismatch, c.Name, c.Pending, reg.PendingGeneration)
		}
		reg.SafeGeneration = c.Pending
		return f.store.UpdateRepository(reg)

	case OpMarkCorrupted:
		var c markCorruptedCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		reg, err := f.store.GetRepository(c.Name)
		if err != nil {
			return err
		}
		reg.Corrupted = true
		return f.store.UpdateRepository(reg)

	case OpDeregisterRepository:
		var c deregisterRepositoryCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.DeleteRepository(c.Name)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures every registered repository for Raft log compaction.
func (f *SnapvaultFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	repos, err := f.store.ListRepositories()
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	clusterUUID, err := f.store.GetClusterUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster uuid: %w", err)
	}

	return &SnapvaultSnapshot{Repositories: repos, ClusterUUID: clusterUUID}, nil
}

// Restore rebuilds the registration store from a Raft snapshot.
func (f *SnapvaultFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot SnapvaultSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, reg := range snapshot.Repositories {
		if err := f.store.CreateRepository(reg); err != nil {
			return fmt.Errorf("failed to restore repository %s: %w", reg.Name, err)
		}
	}
	if snapshot.ClusterUUID != "" {
		if err := f.store.SaveClusterUUID(snapshot.ClusterUUID); err != nil {
			return fmt.Errorf("failed to restore cluster uuid: %w", err)
		}
	}
	return nil
}

// SnapvaultSnapshot is a point-in-time capture of every repository
// registration plus the cluster identity.
type SnapvaultSnapshot struct {
	Repositories []*storage.RepositoryRegistration
	ClusterUUID  string
}

// Persist writes the snapshot to sink.
func (s *SnapvaultSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases snapshot resources.
func (s *SnapvaultSnapshot) Release() {}
