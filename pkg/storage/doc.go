/*
Package storage persists RepositoryRegistration records to a local bbolt
database, mirroring the generation state the Raft-backed cluster metadata
store (pkg/manager) also holds in memory. Every node keeps its own copy so
it can answer read-only queries (and resume best-effort reads) without
waiting on the Raft leader.
*/
package storage
