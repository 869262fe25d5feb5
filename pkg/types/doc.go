// Package types defines the plain JSON/CLI-facing DTOs used to present
// repository state across the control-plane boundary: cluster membership
// (ClusterNode), per-repository generation state (RepositoryStatus), and
// snapshot summaries (SnapshotSummary).
//
// These are deliberately thin views, not the richer internal records
// pkg/repository and pkg/storage keep for their own bookkeeping:
// pkg/httpapi and cmd/reposvc translate into these shapes at the boundary
// rather than leaking internal package types into JSON responses or CLI
// output.
package types
