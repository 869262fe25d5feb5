package repository

import "time"

// SnapshotState is the lifecycle state of a snapshot recorded in
// RepositoryData.
type SnapshotState string

const (
	SnapshotStateInProgress SnapshotState = "IN_PROGRESS"
	SnapshotStateSuccess    SnapshotState = "SUCCESS"
	SnapshotStatePartial    SnapshotState = "PARTIAL"
	SnapshotStateFailed     SnapshotState = "FAILED"
)

// SnapshotDetails is the per-snapshot record kept in RepositoryData.
type SnapshotDetails struct {
	UUID      string        `json:"uuid"`
	Name      string        `json:"name"`
	State     SnapshotState `json:"state"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time,omitempty"`
	Version   string        `json:"version"`
	Indices   []string      `json:"indices"`
}

// RepositoryData is the contents of the root "index-N" blob: the
// self-describing, immutable-per-generation document the whole protocol
// pivots on.
type RepositoryData struct {
	Generation int64 `json:"generation"`

	Snapshots []SnapshotDetails `json:"snapshots"`

	// IndexSnapshots maps an index id to the uuids of every snapshot that
	// contains it.
	IndexSnapshots map[string][]string `json:"index_snapshots"`

	// ShardGenerations maps (snapshot-uuid, index-id) to the shard
	// generation vector (one entry per shard) as it stood when that
	// snapshot was taken.
	ShardGenerations map[string]map[string][]ShardGeneration `json:"shard_generations"`

	// IndexMetaIdentifiers maps a metadata content-hash to the blob uuid
	// storing it, enabling cross-snapshot metadata dedup (modern layout).
	IndexMetaIdentifiers map[string]string `json:"index_meta_identifiers,omitempty"`

	RepositoryUUID string `json:"repository_uuid"`
	ClusterUUID    string `json:"cluster_uuid"`
}

// NewRepositoryData returns an empty RepositoryData at the EMPTY generation.
func NewRepositoryData(repositoryUUID, clusterUUID string) RepositoryData {
	return RepositoryData{
		Generation:           GenEmpty,
		IndexSnapshots:       map[string][]string{},
		ShardGenerations:     map[string]map[string][]ShardGeneration{},
		IndexMetaIdentifiers: map[string]string{},
		RepositoryUUID:       repositoryUUID,
		ClusterUUID:          clusterUUID,
	}
}

// Clone returns a deep copy so callers can build the next generation's value
// without mutating the one currently cached by the generation tracker.
func (d RepositoryData) Clone() RepositoryData {
	out := d
	out.Snapshots = append([]SnapshotDetails(nil), d.Snapshots...)

	out.IndexSnapshots = make(map[string][]string, len(d.IndexSnapshots))
	for k, v := range d.IndexSnapshots {
		out.IndexSnapshots[k] = append([]string(nil), v...)
	}

	out.ShardGenerations = make(map[string]map[string][]ShardGeneration, len(d.ShardGenerations))
	for snap, perIndex := range d.ShardGenerations {
		cp := make(map[string][]ShardGeneration, len(perIndex))
		for idx, gens := range perIndex {
			cp[idx] = append([]ShardGeneration(nil), gens...)
		}
		out.ShardGenerations[snap] = cp
	}

	out.IndexMetaIdentifiers = make(map[string]string, len(d.IndexMetaIdentifiers))
	for k, v := range d.IndexMetaIdentifiers {
		out.IndexMetaIdentifiers[k] = v
	}
	return out
}

// SnapshotByUUID finds the recorded details for snapshotUUID, if present.
func (d RepositoryData) SnapshotByUUID(snapshotUUID string) (SnapshotDetails, bool) {
	for _, s := range d.Snapshots {
		if s.UUID == snapshotUUID {
			return s, true
		}
	}
	return SnapshotDetails{}, false
}

// ShardGenerationsFor returns the shard-generation vector recorded for
// (snapshotUUID, indexID), if any.
func (d RepositoryData) ShardGenerationsFor(snapshotUUID, indexID string) ([]ShardGeneration, bool) {
	perIndex, ok := d.ShardGenerations[snapshotUUID]
	if !ok {
		return nil, false
	}
	gens, ok := perIndex[indexID]
	return gens, ok
}

// SurvivingSnapshotUUIDs returns the uuid set of every snapshot currently
// recorded, used by the reference-safety checks of spec.md invariant 4/5.
func (d RepositoryData) SurvivingSnapshotUUIDs() map[string]bool {
	out := make(map[string]bool, len(d.Snapshots))
	for _, s := range d.Snapshots {
		out[s.UUID] = true
	}
	return out
}

// FileInfo is one entry of a shard manifest: a physical file paired with its
// logical blob name, which may be an uploaded blob ("__uuid"), a virtualized
// inline file ("v__..."), or a chunked upload's first part name.
type FileInfo struct {
	PhysicalName string `json:"physical_name"`
	BlobName     string `json:"blob_name"`
	Length       int64  `json:"length"`
	Checksum     string `json:"checksum"`
	WriterUUID   string `json:"writer_uuid"`
	PartSize     int64  `json:"part_size,omitempty"`
	NumberOfParts int   `json:"number_of_parts,omitempty"`

	// InlineContent holds the file's bytes directly when BlobName carries
	// the VirtualBlobPrefix; it is empty for uploaded files.
	InlineContent []byte `json:"inline_content,omitempty"`
}

// IsVirtual reports whether the file's content is inlined rather than
// stored as a data blob.
func (f FileInfo) IsVirtual() bool {
	return IsVirtualBlobName(f.BlobName)
}

// Matches reports whether f refers to the same physical file content as
// (physicalName, length, checksum, writerUUID) — the reuse test of §4.5
// step 3.
func (f FileInfo) Matches(physicalName string, length int64, checksum, writerUUID string) bool {
	return f.PhysicalName == physicalName && f.Length == length && f.Checksum == checksum && f.WriterUUID == writerUUID
}

// SnapshotFiles is one manifest entry inside a ShardSnapshotSet: the files
// captured by one (snapshot, shard) pair.
type SnapshotFiles struct {
	SnapshotUUID          string     `json:"snapshot_uuid"`
	Files                 []FileInfo `json:"files"`
	StartTime             time.Time  `json:"start_time"`
	Duration              time.Duration `json:"duration"`
	IncrementalFileCount  int        `json:"incremental_file_count"`
	TotalFileCount        int        `json:"total_file_count"`
	IncrementalSize       int64      `json:"incremental_size"`
	TotalSize             int64      `json:"total_size"`
	ShardStateIdentifier  string     `json:"shard_state_identifier,omitempty"`
}

// ShardSnapshotSet is the contents of a shard "index-{gen}" blob: the
// ordered list of every live per-snapshot manifest for one shard.
type ShardSnapshotSet struct {
	Generation ShardGeneration `json:"generation"`
	Snapshots  []SnapshotFiles `json:"snapshots"`
}

// ByUUID finds the manifest for snapshotUUID within the set, if present.
func (s ShardSnapshotSet) ByUUID(snapshotUUID string) (SnapshotFiles, bool) {
	for _, sf := range s.Snapshots {
		if sf.SnapshotUUID == snapshotUUID {
			return sf, true
		}
	}
	return SnapshotFiles{}, false
}

// WithAdded returns a copy of s with manifest appended.
func (s ShardSnapshotSet) WithAdded(manifest SnapshotFiles) ShardSnapshotSet {
	out := ShardSnapshotSet{
		Generation: s.Generation,
		Snapshots:  append(append([]SnapshotFiles(nil), s.Snapshots...), manifest),
	}
	return out
}

// WithoutSnapshots returns a copy of s with every manifest whose uuid is in
// removed dropped.
func (s ShardSnapshotSet) WithoutSnapshots(removed map[string]bool) ShardSnapshotSet {
	out := ShardSnapshotSet{Generation: s.Generation}
	for _, sf := range s.Snapshots {
		if !removed[sf.SnapshotUUID] {
			out.Snapshots = append(out.Snapshots, sf)
		}
	}
	return out
}

// ReferencedBlobNames returns the set of uploaded/virtual blob names
// referenced by every manifest in the set, used by the unused-blob
// computation of §4.7.
func (s ShardSnapshotSet) ReferencedBlobNames() map[string]bool {
	out := make(map[string]bool)
	for _, sf := range s.Snapshots {
		for _, f := range sf.Files {
			if f.IsVirtual() {
				continue
			}
			if f.NumberOfParts > 1 {
				for part := 1; part <= f.NumberOfParts; part++ {
					out[DataBlobName(f.WriterUUID, part, f.NumberOfParts)] = true
				}
				continue
			}
			out[f.BlobName] = true
		}
	}
	return out
}
