package repository

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// SnapshotID is the (display name, opaque uuid) pair naming a snapshot. The
// UUID is the referent used in every blob path; Name is display-only.
type SnapshotID struct {
	Name string
	UUID string
}

func (s SnapshotID) String() string {
	return fmt.Sprintf("%s/%s", s.Name, s.UUID)
}

// NewSnapshotID allocates a fresh snapshot identifier for name.
func NewSnapshotID(name string) SnapshotID {
	return SnapshotID{Name: name, UUID: uuid.NewString()}
}

// IndexID is the (display name, opaque id) pair naming an index. The id is
// chosen by the cluster at first-snapshot time and stable thereafter.
type IndexID struct {
	Name string
	ID   string
}

// RepositoryShardID names one shard of one index within the repository.
type RepositoryShardID struct {
	Index IndexID
	Shard int
}

func (r RepositoryShardID) String() string {
	return fmt.Sprintf("%s[%d]", r.Index.Name, r.Shard)
}

// ShardGeneration names the current shard-index blob inside one shard
// directory: either a uuid (modern layout) or a monotonically increasing
// integer (legacy layout). Exactly one of the two fields is meaningful,
// selected by Legacy.
type ShardGeneration struct {
	Legacy bool
	UUID   string
	Number int64
}

// ShardGenNew is the sentinel meaning "no shard-index blob exists yet".
var ShardGenNew = ShardGeneration{}

// ShardGenDeleted is the sentinel marking a shard directory with no live
// snapshots.
var ShardGenDeleted = ShardGeneration{UUID: "deleted"}

// IsNew reports whether g is the "no blob exists yet" sentinel.
func (g ShardGeneration) IsNew() bool {
	return !g.Legacy && g.UUID == "" && g.Number == 0
}

// IsDeleted reports whether g is the "no live snapshots" sentinel.
func (g ShardGeneration) IsDeleted() bool {
	return !g.Legacy && g.UUID == ShardGenDeleted.UUID
}

// Blob renders the generation into the "index-{gen}" blob name used inside a
// shard directory.
func (g ShardGeneration) Blob() string {
	if g.Legacy {
		return "index-" + strconv.FormatInt(g.Number, 10)
	}
	return "index-" + g.UUID
}

// NewShardGenerationUUID allocates a fresh modern-layout shard generation.
func NewShardGenerationUUID() ShardGeneration {
	return ShardGeneration{UUID: uuid.NewString()}
}

// NextLegacyGeneration returns the successor of a legacy integer generation.
func NextLegacyGeneration(prev int64) ShardGeneration {
	return ShardGeneration{Legacy: true, Number: prev + 1}
}

// Repository generation sentinels (spec.md §3).
const (
	GenEmpty     int64 = -1
	GenUnknown   int64 = -2
	GenCorrupted int64 = -3
)
