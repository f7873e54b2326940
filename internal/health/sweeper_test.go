package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
)

type scriptedProber struct {
	mu      sync.Mutex
	results map[string][]bool // instanceId -> queue of results, repeats last
}

func (p *scriptedProber) Probe(ctx context.Context, endpoint string, timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.results[endpoint]
	if len(q) == 0 {
		return false
	}
	next := q[0]
	if len(q) > 1 {
		p.results[endpoint] = q[1:]
	}
	return next
}

func TestSweeper_PassingToWarningToCritical(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	inst, err := reg.Register(context.Background(), registry.Registration{
		Name: "svc", Address: "a:1", HealthEndpoint: "http://svc/health",
	})
	require.NoError(t, err)

	prober := &scriptedProber{results: map[string][]bool{
		"http://svc/health": {false, false, false},
	}}
	sweeper := New(reg, prober, zap.NewNop(), time.Millisecond, time.Second, 3, time.Minute, time.Minute)

	sweeper.sweepOnce(context.Background())
	got, _ := reg.Get(inst.ID)
	assert.Equal(t, registry.StatusWarning, got.Status)

	sweeper.sweepOnce(context.Background())
	sweeper.sweepOnce(context.Background())
	got, _ = reg.Get(inst.ID)
	assert.Equal(t, registry.StatusCritical, got.Status)
}

func TestSweeper_AnySuccessRestoresPassing(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	inst, err := reg.Register(context.Background(), registry.Registration{
		Name: "svc", Address: "a:1", HealthEndpoint: "http://svc/health",
	})
	require.NoError(t, err)
	reg.SetStatus(inst.ID, registry.StatusCritical)

	prober := &scriptedProber{results: map[string][]bool{"http://svc/health": {true}}}
	sweeper := New(reg, prober, zap.NewNop(), time.Millisecond, time.Second, 3, time.Minute, time.Minute)

	sweeper.sweepOnce(context.Background())
	got, _ := reg.Get(inst.ID)
	assert.Equal(t, registry.StatusPassing, got.Status)
}

func TestSweeper_OneSlowProbeDoesNotBlockOthers(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	_, err := reg.Register(context.Background(), registry.Registration{Name: "slow", Address: "a:1", HealthEndpoint: "http://slow/health"})
	require.NoError(t, err)
	fast, err := reg.Register(context.Background(), registry.Registration{Name: "fast", Address: "b:1", HealthEndpoint: "http://fast/health"})
	require.NoError(t, err)
	reg.SetStatus(fast.ID, registry.StatusWarning)

	prober := &blockingThenProber{unblock: make(chan struct{}), slowEndpoint: "http://slow/health"}
	sweeper := New(reg, prober, zap.NewNop(), time.Millisecond, time.Second, 3, time.Minute, time.Minute)

	done := make(chan struct{})
	go func() {
		sweeper.sweepOnce(context.Background())
		close(done)
	}()

	// The fast instance's probe lands while the slow one is still
	// blocked.
	require.Eventually(t, func() bool {
		got, _ := reg.Get(fast.ID)
		return got.Status == registry.StatusPassing
	}, time.Second, time.Millisecond)
	close(prober.unblock)
	<-done
}

type blockingThenProber struct {
	unblock      chan struct{}
	slowEndpoint string
}

func (p *blockingThenProber) Probe(ctx context.Context, endpoint string, timeout time.Duration) bool {
	if endpoint == p.slowEndpoint {
		<-p.unblock
	}
	return true
}
