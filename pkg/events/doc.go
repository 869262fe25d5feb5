/*
Package events provides an in-memory event broker for snapshot lifecycle
notifications.

It implements a lightweight, non-blocking pub/sub bus: publishers never
wait on subscribers, and slow or absent subscribers never back up a
snapshot or restore pipeline. This is fire-and-forget monitoring, not a
durable audit log.

# Event Types

Snapshot Events:
  - snapshot.started: FinalizeSnapshot accepted a new snapshot request
  - snapshot.completed: snapshot metadata committed to the safe generation
  - snapshot.failed: one or more shards failed; partial state retained
  - snapshot.deleted: DeleteSnapshots committed removal of a snapshot

Restore Events:
  - restore.started: RestoreShard began copying shard data
  - restore.completed: restore finished and passed checksum verification
  - restore.failed: restore aborted, partial output deleted

Repository Events:
  - cleanup.completed: a generation-sweep cycle reclaimed stale blobs
  - repository.corrupted: the corruption latch tripped; writes are blocked

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			log.Info().Str("type", string(event.Type)).Msg(event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventSnapshotCompleted,
		Message: "snapshot 'nightly-2026-07-31' completed",
		Metadata: map[string]string{"snapshot_uuid": snap.UUID},
	})

# Delivery Semantics

Publish does not wait on subscribers: events are sent to a 100-slot
buffered channel and a single broadcast goroutine fans them out to
subscriber channels. Publish waits only while that channel is full, until
the broadcast goroutine drains it or the broker is stopped. A subscriber
whose own buffer is full skips the event rather than stalling the
broadcast loop for every other subscriber. Integrations that need every
event (billing, audit) should not rely on this broker; it is built for
dashboards and reactive schedulers, where a missed event is corrected by
the next generation-sweep or status poll.
*/
package events
