package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/breaker"
	"github.com/Songjaeheon0923/Fin-Hub/internal/config"
	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
)

type scriptedCall struct {
	result any
	err    error
	delay  time.Duration
}

type fakeCaller struct {
	mu      sync.Mutex
	scripts map[string][]scriptedCall // instanceId -> queue, repeats last
	calls   map[string]int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{scripts: make(map[string][]scriptedCall), calls: make(map[string]int)}
}

func (f *fakeCaller) script(instanceID string, calls ...scriptedCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[instanceID] = calls
}

func (f *fakeCaller) Call(ctx context.Context, instance *registry.ServiceInstance, toolName string, args map[string]any) (any, error) {
	f.mu.Lock()
	f.calls[instance.ID]++
	q := f.scripts[instance.ID]
	var next scriptedCall
	if len(q) > 0 {
		next = q[0]
		if len(q) > 1 {
			f.scripts[instance.ID] = q[1:]
		}
	}
	f.mu.Unlock()

	if next.delay > 0 {
		select {
		case <-time.After(next.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return next.result, next.err
}

func testConfig() config.RouterConfig {
	return config.RouterConfig{
		PerInstanceCapacity:   10,
		PerCallTimeoutSeconds: 5,
		MaxRetries:            2,
		AcquireDeadlineMillis: 50,
		BaseBackoffMillis:     1,
		MaxBackoffMillis:      5,
	}
}

func registerTool(t *testing.T, reg *registry.Registry, service, address, tool string) *registry.ServiceInstance {
	t.Helper()
	inst, err := reg.Register(context.Background(), registry.Registration{
		Name:    service,
		Address: address,
		Tools:   []registry.ToolDescriptor{{QualifiedName: tool}},
	})
	require.NoError(t, err)
	return inst
}

func TestDispatch_ToolNotFound(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	br := breaker.NewRegistry(5, time.Second)
	rt := New(reg, br, newFakeCaller(), testConfig(), zap.NewNop())

	_, err := rt.Dispatch(context.Background(), "nope.tool", nil)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.KindToolNotFound))
}

func TestDispatch_NoHealthyInstance(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	br := breaker.NewRegistry(5, time.Second)
	rt := New(reg, br, newFakeCaller(), testConfig(), zap.NewNop())

	inst := registerTool(t, reg, "market", "a:1", "market.quote")
	reg.SetStatus(inst.ID, registry.StatusCritical)

	_, err := rt.Dispatch(context.Background(), "market.quote", nil)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.KindNoHealthyInstance))
}

func TestDispatch_SuccessClosesBreakerAndReturnsResult(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	br := breaker.NewRegistry(5, time.Second)
	caller := newFakeCaller()
	rt := New(reg, br, caller, testConfig(), zap.NewNop())

	inst := registerTool(t, reg, "market", "a:1", "market.quote")
	caller.script(inst.ID, scriptedCall{result: "ok"})

	out, err := rt.Dispatch(context.Background(), "market.quote", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestDispatch_PrefersLeastLoadedInstance(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	br := breaker.NewRegistry(5, time.Second)
	caller := newFakeCaller()
	cfg := testConfig()
	rt := New(reg, br, caller, cfg, zap.NewNop())

	busy := registerTool(t, reg, "market", "a:1", "market.quote")
	idle, err := reg.Register(context.Background(), registry.Registration{
		Name: "market", Address: "b:1",
	})
	require.NoError(t, err)

	// Saturate the busy instance's semaphore by holding every permit.
	sem := rt.sems.get(busy.ID)
	for i := 0; i < cfg.PerInstanceCapacity; i++ {
		require.True(t, sem.acquire(context.Background()))
	}

	caller.script(idle.ID, scriptedCall{result: "from-idle"})
	out, err := rt.Dispatch(context.Background(), "market.quote", nil)
	require.NoError(t, err)
	assert.Equal(t, "from-idle", out)
}

func TestDispatch_RetriesTransientFailureOnAnotherInstance(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	br := breaker.NewRegistry(5, time.Second)
	caller := newFakeCaller()
	rt := New(reg, br, caller, testConfig(), zap.NewNop())

	bad, err := reg.Register(context.Background(), registry.Registration{
		ID: "inst-a-bad", Name: "market", Address: "a:1",
		Tools: []registry.ToolDescriptor{{QualifiedName: "market.quote"}},
	})
	require.NoError(t, err)
	good, err := reg.Register(context.Background(), registry.Registration{ID: "inst-b-good", Name: "market", Address: "b:1"})
	require.NoError(t, err)

	caller.script(bad.ID, scriptedCall{err: rpcerr.New(rpcerr.KindUnavailable, "connection refused")})
	caller.script(good.ID, scriptedCall{result: "recovered"})

	out, err := rt.Dispatch(context.Background(), "market.quote", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)

	state, failures, _ := br.Get("market.quote", bad.ID).Snapshot()
	assert.Equal(t, breaker.Closed, state)
	assert.Equal(t, 1, failures)
}

func TestDispatch_NonRetryableFailureSurfacesImmediatelyWithoutTouchingBreaker(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	br := breaker.NewRegistry(5, time.Second)
	caller := newFakeCaller()
	rt := New(reg, br, caller, testConfig(), zap.NewNop())

	inst := registerTool(t, reg, "market", "a:1", "market.quote")
	wantErr := rpcerr.New(rpcerr.KindInvalidParams, "symbol missing")
	caller.script(inst.ID, scriptedCall{err: wantErr})

	_, err := rt.Dispatch(context.Background(), "market.quote", nil)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.KindInvalidParams))
	assert.Equal(t, 1, caller.calls[inst.ID], "must not retry a non-retryable failure")

	state, failures, _ := br.Get("market.quote", inst.ID).Snapshot()
	assert.Equal(t, breaker.Closed, state)
	assert.Zero(t, failures)
}

func TestDispatch_AllInstancesOpenAfterBreakerTrips(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	br := breaker.NewRegistry(1, time.Hour)
	cfg := testConfig()
	cfg.MaxRetries = 0
	caller := newFakeCaller()
	rt := New(reg, br, caller, cfg, zap.NewNop())

	inst := registerTool(t, reg, "market", "a:1", "market.quote")
	// Trip the breaker directly so the only instance is Open before dispatch.
	br.Get("market.quote", inst.ID).RecordFailure(time.Now())

	_, err := rt.Dispatch(context.Background(), "market.quote", nil)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.KindAllInstancesOpen))
}

func TestDispatch_ContextCancelledDuringCallIsReportedAsCancelled(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	br := breaker.NewRegistry(5, time.Second)
	caller := newFakeCaller()
	rt := New(reg, br, caller, testConfig(), zap.NewNop())

	inst := registerTool(t, reg, "market", "a:1", "market.quote")
	caller.script(inst.ID, scriptedCall{delay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := rt.Dispatch(ctx, "market.quote", nil)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.KindCancelled))
}
