package mcpfrontend

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/breaker"
	"github.com/Songjaeheon0923/Fin-Hub/internal/config"
	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/internal/router"
	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
)

type echoCaller struct{}

func (echoCaller) Call(_ context.Context, _ *registry.ServiceInstance, toolName string, arguments map[string]any) (any, error) {
	return map[string]any{"tool": toolName, "args": arguments}, nil
}

func newTestFrontend(t *testing.T) (*Frontend, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, zap.NewNop())
	breakers := breaker.NewRegistry(5, 30*time.Second)
	rtr := router.New(reg, breakers, echoCaller{}, config.RouterConfig{
		PerInstanceCapacity:   10,
		PerCallTimeoutSeconds: 30,
		MaxRetries:            2,
		AcquireDeadlineMillis: 100,
		BaseBackoffMillis:     1,
		MaxBackoffMillis:      10,
	}, zap.NewNop())
	return New(reg, rtr, "fin-hub-test", "0.0.1", 16, 16, zap.NewNop()), reg
}

func registerMarketSpoke(t *testing.T, reg *registry.Registry) *registry.ServiceInstance {
	t.Helper()
	inst, err := reg.Register(context.Background(), registry.Registration{
		Name:    "market-spoke",
		Address: "127.0.0.1:9100",
		Tools: []registry.ToolDescriptor{{
			QualifiedName: "market.stock_quote",
			InputSchema: registry.Schema{Properties: map[string]registry.SchemaProperty{
				"symbol": {Type: "string", Required: true},
			}},
		}},
	})
	require.NoError(t, err)
	return inst
}

func publishedNames(f *Frontend) map[string]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{}, len(f.published))
	for name := range f.published {
		out[name] = struct{}{}
	}
	return out
}

func TestFrontend_ToolSetTracksRegistry(t *testing.T) {
	f, reg := newTestFrontend(t)
	assert.Empty(t, publishedNames(f))

	inst := registerMarketSpoke(t, reg)
	_, advertised := publishedNames(f)["market.stock_quote"]
	assert.True(t, advertised)

	// A tool whose only instance goes Critical must disappear.
	reg.SetStatus(inst.ID, registry.StatusCritical)
	_, advertised = publishedNames(f)["market.stock_quote"]
	assert.False(t, advertised)

	// ...and come back on recovery.
	reg.SetStatus(inst.ID, registry.StatusPassing)
	_, advertised = publishedNames(f)["market.stock_quote"]
	assert.True(t, advertised)

	require.NoError(t, reg.Deregister(context.Background(), inst.ID))
	assert.Empty(t, publishedNames(f))
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	req := mcplib.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func TestFrontend_CallDispatchesThroughRouter(t *testing.T) {
	f, reg := newTestFrontend(t)
	registerMarketSpoke(t, reg)

	handler := f.callHandler("market.stock_quote")
	result, err := handler(context.Background(), callRequest("market.stock_quote", map[string]any{"symbol": "AAPL"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	assert.Equal(t, "market.stock_quote", payload["tool"])
}

func TestFrontend_ErrorsCarryStableCodes(t *testing.T) {
	f, _ := newTestFrontend(t)

	// No instance registered: the router reports ToolNotFound, and the
	// numeric code must survive into the error payload.
	handler := f.callHandler("market.stock_quote")
	result, err := handler(context.Background(), callRequest("market.stock_quote", nil))
	require.NoError(t, err)
	require.True(t, result.IsError)

	text := result.Content[0].(mcplib.TextContent)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	assert.EqualValues(t, -32001, payload["code"])
}

func TestSchemaConversion(t *testing.T) {
	min := 0.0
	max := 1.0
	properties, required := schemaParts(registry.Schema{
		Properties: map[string]registry.SchemaProperty{
			"symbol":     {Type: "string", Required: true},
			"confidence": {Type: "number", Minimum: &min, Maximum: &max},
			"method":     {Type: "string", Enum: []string{"historical", "parametric"}},
		},
	})

	assert.Equal(t, []string{"symbol"}, required)
	sym := properties["symbol"].(map[string]any)
	assert.Equal(t, "string", sym["type"])
	conf := properties["confidence"].(map[string]any)
	assert.Equal(t, 0.0, conf["minimum"])
	assert.Equal(t, 1.0, conf["maximum"])
	method := properties["method"].(map[string]any)
	assert.Equal(t, []string{"historical", "parametric"}, method["enum"])
}

func TestLoadGate_RejectsOnQueueOverflow(t *testing.T) {
	g := newLoadGate(1, 1)
	require.NoError(t, g.acquire(context.Background()))

	// One waiter fits in the queue...
	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- g.acquire(context.Background())
	}()
	require.Eventually(t, func() bool {
		return g.queued.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// ...the next must be rejected, not queued.
	err := g.acquire(context.Background())
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.KindResourceExhausted))

	g.release()
	require.NoError(t, <-waiterDone)
	g.release()
}

func TestLoadGate_CancelledWaiterUnblocks(t *testing.T) {
	g := newLoadGate(1, 4)
	require.NoError(t, g.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.acquire(ctx) }()
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.KindCancelled))
	g.release()
}
