package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerStopIsIdempotentSafeBeforeStart(t *testing.T) {
	sched := NewScheduler(&staticRepoSet{}, time.Second)

	// Stop before Start must not panic or deadlock.
	sched.Stop()
}

func TestSchedulerSweepOnEmptyRepositorySet(t *testing.T) {
	sched := NewScheduler(&staticRepoSet{}, time.Second)

	assert.NotPanics(t, func() { sched.sweep() })
}

func TestNewSchedulerKeepsExplicitInterval(t *testing.T) {
	sched := NewScheduler(&staticRepoSet{}, 30*time.Second)
	assert.Equal(t, 30*time.Second, sched.interval)
}
