package router

import (
	"context"
	"sync"
)

// semaphore is a classic counting semaphore sized to one spoke
// instance's concurrency capacity.
type semaphore struct {
	slots chan struct{}
}

func newSemaphore(capacity int) *semaphore {
	return &semaphore{slots: make(chan struct{}, capacity)}
}

// acquire blocks until a slot is free, ctx is done, or acquireDeadline
// elapses, whichever comes first. ok is false on timeout or
// cancellation — the caller must not call release in that case.
func (s *semaphore) acquire(ctx context.Context) (ok bool) {
	select {
	case s.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *semaphore) release() {
	select {
	case <-s.slots:
	default:
	}
}

func (s *semaphore) inFlight() int { return len(s.slots) }

func (s *semaphore) capacity() int { return cap(s.slots) }

// instanceSemaphores owns one semaphore per instance id, created
// lazily and never removed; unlike the breaker registry, nothing
// evicts an entry when its instance deregisters.
type instanceSemaphores struct {
	mu       sync.Mutex
	byID     map[string]*semaphore
	capacity int
}

func newInstanceSemaphores(capacity int) *instanceSemaphores {
	return &instanceSemaphores{byID: make(map[string]*semaphore), capacity: capacity}
}

func (is *instanceSemaphores) get(instanceID string) *semaphore {
	is.mu.Lock()
	defer is.mu.Unlock()
	if s, ok := is.byID[instanceID]; ok {
		return s
	}
	s := newSemaphore(is.capacity)
	is.byID[instanceID] = s
	return s
}
