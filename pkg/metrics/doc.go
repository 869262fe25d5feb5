/*
Package metrics provides Prometheus metrics collection and exposition, plus
a small liveness/readiness health-check registry.

Metrics are defined and registered with the default Prometheus registry at
package init and exposed via Handler() for scraping.

# Categories

Repository: repositories_total, safe/pending generation per repository,
corruption-latch state.

Operations: snapshot create/delete duration, shard snapshot duration,
restore duration, cleanup duration, blobs reclaimed, throttle nanoseconds
spent waiting on the rate limiter.

Raft: leader flag, peer count, log index, applied index, apply/commit
duration.

API: request count and duration by method.

# Collector

pkg/manager.Collector samples a ClusterMetadataStore every 15 seconds and
publishes the repository and Raft gauges defined here; it lives in
pkg/manager rather than this package since it depends on the cluster
store, and this package stays dependency-free so pkg/repository's
pipelines can observe their own operation metrics (durations, reclaimed
blobs, throttle nanoseconds) directly via Timer without an import cycle.

	collector := manager.NewCollector(store)
	collector.Start()
	defer collector.Stop()

# Health

HealthChecker tracks named components (raft, blobstore, api) independently
of the Prometheus registry; HealthHandler/ReadyHandler/LivenessHandler wire
the standard three Kubernetes-style probes. Readiness additionally requires
every component in a fixed critical list to be both registered and
healthy.

	metrics.RegisterComponent("raft", true, "")
	metrics.RegisterComponent("blobstore", true, "")
	http.Handle("/healthz", metrics.HealthHandler())
	http.Handle("/readyz", metrics.ReadyHandler())
*/
package metrics
