// Package httpapi exposes the repository core's control-plane surface over
// plain net/http: liveness/readiness checks and Prometheus metrics in the
// teacher's pkg/api/health.go idiom, plus JSON endpoints for repository
// status, snapshot listing, snapshot deletion, cleanup, and the
// start/end-verification probe of spec.md §6.
//
// It is deliberately not a query interface over snapshot contents — that is
// an explicit non-goal the core carries forward. Every handler here either
// reports generation/registration state or drives one of
// pkg/repository.Repository's existing operations; none of them touch shard
// file contents.
package httpapi
