package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCell_OpensAtFailureThreshold(t *testing.T) {
	c := newCell(3, time.Second)
	now := time.Now()

	for i := 0; i < 2; i++ {
		c.RecordFailure(now)
	}
	state, _, _ := c.Snapshot()
	assert.Equal(t, Closed, state)

	c.RecordFailure(now)
	state, failures, _ := c.Snapshot()
	assert.Equal(t, Open, state)
	assert.Equal(t, 3, failures)
}

func TestCell_OpenBlocksUntilCooldown(t *testing.T) {
	c := newCell(1, 50*time.Millisecond)
	now := time.Now()
	c.RecordFailure(now)

	allowed, _ := c.Allow(now)
	assert.False(t, allowed)

	allowed, isProbe := c.Allow(now.Add(100 * time.Millisecond))
	assert.True(t, allowed)
	assert.True(t, isProbe)
}

func TestCell_HalfOpenAllowsOneProbeAtATime(t *testing.T) {
	c := newCell(1, time.Millisecond)
	now := time.Now()
	c.RecordFailure(now)
	_, _ = c.Allow(now.Add(time.Second)) // transitions to HalfOpen, takes the slot

	allowed, _ := c.Allow(now.Add(time.Second))
	assert.False(t, allowed, "a second probe must not be admitted while one is in flight")
}

func TestCell_HalfOpenSuccessCloses(t *testing.T) {
	c := newCell(1, time.Millisecond)
	now := time.Now()
	c.RecordFailure(now)
	_, _ = c.Allow(now.Add(time.Second))

	c.RecordSuccess()
	state, failures, _ := c.Snapshot()
	assert.Equal(t, Closed, state)
	assert.Zero(t, failures)
}

func TestCell_HalfOpenFailureReopensAndResetsCooldown(t *testing.T) {
	c := newCell(1, 50*time.Millisecond)
	now := time.Now()
	c.RecordFailure(now)
	_, _ = c.Allow(now.Add(time.Second))

	c.RecordFailure(now.Add(time.Second))
	state, _, openedAt := c.Snapshot()
	assert.Equal(t, Open, state)
	assert.True(t, openedAt.Equal(now.Add(time.Second)))
}

func TestCell_CancelledCallDoesNotCountAsFailure(t *testing.T) {
	c := newCell(1, time.Millisecond)
	now := time.Now()
	c.RecordFailure(now)
	_, _ = c.Allow(now.Add(time.Second))

	c.ReleaseCancelled()
	state, failures, _ := c.Snapshot()
	assert.Equal(t, HalfOpen, state)
	assert.Equal(t, 1, failures)
}

func TestRegistry_EvictInstanceRemovesAllItsTools(t *testing.T) {
	r := NewRegistry(5, time.Second)
	r.Get("market.quote", "inst-1")
	r.Get("market.news", "inst-1")
	r.Get("market.quote", "inst-2")

	r.EvictInstance("inst-1")

	assert.Len(t, r.cells, 1)
	_, ok := r.cells[key("market.quote", "inst-2")]
	assert.True(t, ok)
}
