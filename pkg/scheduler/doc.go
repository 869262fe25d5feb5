// Package scheduler runs the background garbage-collection sweep (spec.md
// §4.8) across every repository a node has constructed.
//
// On a fixed interval it walks a RepositorySet, skipping any repository
// whose corruption latch has tripped, and calls Cleanup on the rest. Cleanup
// fences in-flight writers, loads the safe generation's index, and sweeps
// any shard-generation blob no longer referenced by a live snapshot — the
// same dedup-aware GC pkg/repository.CleanupPipeline implements directly.
// The scheduler only decides when to run it and records how long each
// repository's sweep took.
package scheduler
