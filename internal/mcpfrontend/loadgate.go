package mcpfrontend

import (
	"context"
	"sync/atomic"

	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
)

// loadGate enforces the per-process inbound cap: up to maxInFlight
// requests execute concurrently, up to queueCapacity more wait for a
// slot, and anything beyond that is rejected with ResourceExhausted
// rather than queued unboundedly.
type loadGate struct {
	slots         chan struct{}
	queued        atomic.Int64
	queueCapacity int64
}

func newLoadGate(maxInFlight, queueCapacity int) *loadGate {
	return &loadGate{
		slots:         make(chan struct{}, maxInFlight),
		queueCapacity: int64(queueCapacity),
	}
}

func (g *loadGate) acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	default:
	}

	if g.queued.Add(1) > g.queueCapacity {
		g.queued.Add(-1)
		return rpcerr.New(rpcerr.KindResourceExhausted, "inbound request queue is full")
	}
	defer g.queued.Add(-1)

	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return rpcerr.Wrap(rpcerr.KindDeadlineExceeded, "deadline elapsed waiting for an execution slot", ctx.Err())
		}
		return rpcerr.Wrap(rpcerr.KindCancelled, "cancelled waiting for an execution slot", ctx.Err())
	}
}

func (g *loadGate) release() {
	select {
	case <-g.slots:
	default:
	}
}
