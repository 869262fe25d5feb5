/*
Package manager implements the Raft-backed cluster metadata store that
backs repository.MetadataStore: the linearizable collaborator the
generational writer coordinates with for the reserve/commit halves of its
three-step update.

# Architecture

Every node runs a ClusterMetadataStore wrapping a hashicorp/raft instance.
The Raft log is the single source of truth for which generation is safe
and which is merely pending; SnapvaultFSM applies committed log entries to
a local bbolt-backed storage.Store (pkg/storage) so reads never block on
an RPC to the leader.

	┌──────────────── CLUSTER METADATA STORE ───────────────────┐
	│                                                              │
	│  ClusterMetadataStore                                       │
	│    - Raft transport, log/stable store, snapshot store       │
	│    - TokenManager: time-limited join tokens for new voters  │
	│    - events.Broker: publishes lifecycle events              │
	│                                                              │
	│  apply(Command) ──▶ raft.Apply ──▶ SnapvaultFSM.Apply       │
	│                                       │                     │
	│                                       ▼                     │
	│                              storage.Store (bbolt)          │
	└──────────────────────────────────────────────────────────┘

# Commands

Five operations travel through the Raft log, one per RepositoryRegistration
transition: register_repository, advance_pending, advance_safe,
mark_corrupted, deregister_repository. advance_pending and advance_safe
carry the same optimistic-concurrency check the three-step writer expects:
advance_pending fails unless the registration's current safe generation
matches what the writer last observed, and advance_safe fails if the
generation it is committing is not above the current safe generation or
is above the highest generation reserved so far. A failed
check surfaces back through repository.MetadataStore as
ErrConcurrentModification territory, not a Raft-level error.

# Membership

Bootstrap creates a single-voter cluster. Join starts a Raft instance
without bootstrapping; the joining node is expected to already have been
added as a voter by the current leader via AddVoter, using a token minted
by GenerateJoinToken and checked with ValidateJoinToken. RemoveServer
reverses AddVoter. Both must be called against the leader; GetClusterServers,
IsLeader, LeaderAddr, and GetRaftStats answer without consulting the
leader.

Heartbeat, election, and lease timeouts are tuned for LAN deployments
(hundreds of milliseconds, not Raft's WAN-oriented one-second defaults),
trading a larger false-positive failure-detection risk on a congested
link for faster recovery on the local networks this runs on.

# Shutdown

Shutdown stops the event broker, shuts down the Raft instance, and closes
the local store, in that order, so no command observer is left writing to
a closed database.
*/
package manager
