// Package reconciler watches registered repositories for generation-protocol
// anomalies that the three-step writer cannot detect about itself: an
// unclean start, where a node restarts with a pending generation that was
// never committed or rolled back by its writer, and a tripped corruption
// latch.
//
// It runs on a fixed interval, reading every RepositoryRegistration a
// RegistrationLister knows about, publishing safe/pending generation and
// corruption gauges, and logging a warning for anything it finds. It never
// mutates repository state itself; that stays the writer's and operator's
// job, following the same stateless, level-triggered shape as pkg/scheduler.
package reconciler
