package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
)

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRegistryServer_RegisterDiscoverRoundTrip(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	s := NewRegistryServer(reg, zap.NewNop())

	rec := postJSON(t, s.Handler(), "/registry/register", registerRequest{
		Name:           "market-spoke",
		Address:        "127.0.0.1:9100",
		Tags:           []string{"market"},
		HealthEndpoint: "http://127.0.0.1:9100/health",
		Tools: []toolDescriptorDTO{{
			QualifiedName: "market.stock_quote",
			InputSchema: schemaDTO{Properties: map[string]schemaPropertyDTO{
				"symbol": {Type: "string", Required: true},
			}},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var regResp registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &regResp))
	assert.NotEmpty(t, regResp.InstanceID)

	req := httptest.NewRequest(http.MethodGet, "/registry/discover?name=market-spoke&minStatus=Passing", nil)
	disc := httptest.NewRecorder()
	s.Handler().ServeHTTP(disc, req)
	require.Equal(t, http.StatusOK, disc.Code)

	var discResp discoverResponse
	require.NoError(t, json.Unmarshal(disc.Body.Bytes(), &discResp))
	require.Equal(t, 1, discResp.Count)
	assert.Equal(t, regResp.InstanceID, discResp.Instances[0].ID)
	assert.Equal(t, "Passing", discResp.Instances[0].Status)

	req = httptest.NewRequest(http.MethodGet, "/registry/tools?minStatus=Passing", nil)
	toolsRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(toolsRec, req)

	var tools toolsResponse
	require.NoError(t, json.Unmarshal(toolsRec.Body.Bytes(), &tools))
	require.Equal(t, 1, tools.Count)
	assert.Equal(t, "market.stock_quote", tools.Tools[0].QualifiedName)
	assert.Equal(t, "market-spoke", tools.Tools[0].OwningServiceName)
	assert.True(t, tools.Tools[0].InputSchema.Properties["symbol"].Required)
}

func TestRegistryServer_RejectsCollidingTool(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	s := NewRegistryServer(reg, zap.NewNop())

	first := postJSON(t, s.Handler(), "/registry/register", registerRequest{
		Name: "market-a", Address: "a:1",
		Tools: []toolDescriptorDTO{{QualifiedName: "market.stock_quote"}},
	})
	require.Equal(t, http.StatusOK, first.Code)

	second := postJSON(t, s.Handler(), "/registry/register", registerRequest{
		Name: "market-b", Address: "b:1",
		Tools: []toolDescriptorDTO{{QualifiedName: "market.stock_quote"}},
	})
	assert.Equal(t, http.StatusBadRequest, second.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &errResp))
	assert.Equal(t, -32602, errResp.Code)
}

func TestRegistryServer_HeartbeatAndDeregister(t *testing.T) {
	reg := registry.New(nil, zap.NewNop())
	s := NewRegistryServer(reg, zap.NewNop())

	rec := postJSON(t, s.Handler(), "/registry/register", registerRequest{Name: "risk-spoke", Address: "r:1"})
	var regResp registerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &regResp))

	hb := httptest.NewRequest(http.MethodPost, "/registry/"+regResp.InstanceID+"/heartbeat", nil)
	hbRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(hbRec, hb)
	assert.Equal(t, http.StatusOK, hbRec.Code)

	del := httptest.NewRequest(http.MethodDelete, "/registry/"+regResp.InstanceID, nil)
	delRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(delRec, del)
	assert.Equal(t, http.StatusOK, delRec.Code)

	assert.Empty(t, reg.Discover(registry.Filter{Name: "risk-spoke"}))
}

// fakeBackend satisfies ToolBackend without pulling in the spoke
// runtime.
type fakeBackend struct {
	descriptors []registry.ToolDescriptor
	call        func(ctx context.Context, name string, args map[string]any) (any, error)
}

func (f *fakeBackend) Descriptors() []registry.ToolDescriptor { return f.descriptors }

func (f *fakeBackend) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	return f.call(ctx, name, args)
}

func rpcCall(t *testing.T, handler http.Handler, body string) rpcResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSpokeServer_PingAndToolsList(t *testing.T) {
	backend := &fakeBackend{
		descriptors: []registry.ToolDescriptor{{QualifiedName: "risk.var_calculation"}},
	}
	s := NewSpokeServer(backend, zap.NewNop())

	resp := rpcCall(t, s.Handler(), `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.Nil(t, resp.Error)

	resp = rpcCall(t, s.Handler(), `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	tools, ok := result["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, 1)
}

func TestSpokeServer_CallErrorsKeepTheirCodes(t *testing.T) {
	backend := &fakeBackend{
		call: func(ctx context.Context, name string, args map[string]any) (any, error) {
			return nil, rpcerr.New(rpcerr.KindInvalidParams, "missing required argument symbol")
		},
	}
	s := NewSpokeServer(backend, zap.NewNop())

	resp := rpcCall(t, s.Handler(), `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"market.stock_quote","arguments":{}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
}

func TestSpokeServer_MalformedJSONIsParseError(t *testing.T) {
	s := NewSpokeServer(&fakeBackend{}, zap.NewNop())
	resp := rpcCall(t, s.Handler(), `{"jsonrpc":`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
}

func TestSpokeServer_UnknownMethod(t *testing.T) {
	s := NewSpokeServer(&fakeBackend{}, zap.NewNop())
	resp := rpcCall(t, s.Handler(), `{"jsonrpc":"2.0","id":4,"method":"tools/describe"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestHTTPCaller_RoundTripAgainstSpokeServer(t *testing.T) {
	backend := &fakeBackend{
		call: func(ctx context.Context, name string, args map[string]any) (any, error) {
			return map[string]any{"echo": args["symbol"], "tool": name}, nil
		},
	}
	spokeSrv := httptest.NewServer(NewSpokeServer(backend, zap.NewNop()).Handler())
	defer spokeSrv.Close()

	caller := NewHTTPCaller()
	inst := &registry.ServiceInstance{ID: "i-1", Name: "market-spoke", Address: spokeSrv.URL}

	result, err := caller.Call(context.Background(), inst, "market.stock_quote", map[string]any{"symbol": "AAPL"})
	require.NoError(t, err)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "AAPL", m["echo"])
	assert.Equal(t, "market.stock_quote", m["tool"])
}

func TestHTTPCaller_ErrorKindSurvivesTheWire(t *testing.T) {
	backend := &fakeBackend{
		call: func(ctx context.Context, name string, args map[string]any) (any, error) {
			return nil, rpcerr.New(rpcerr.KindHandlerFailure, "handler blew up")
		},
	}
	spokeSrv := httptest.NewServer(NewSpokeServer(backend, zap.NewNop()).Handler())
	defer spokeSrv.Close()

	caller := NewHTTPCaller()
	inst := &registry.ServiceInstance{ID: "i-1", Name: "market-spoke", Address: spokeSrv.URL}

	_, err := caller.Call(context.Background(), inst, "market.stock_quote", nil)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.KindHandlerFailure))
	assert.False(t, rpcerr.Retryable(rpcerr.KindHandlerFailure))
}

func TestHTTPCaller_UnreachableSpokeIsRetryable(t *testing.T) {
	caller := NewHTTPCaller()
	inst := &registry.ServiceInstance{ID: "i-1", Name: "market-spoke", Address: "127.0.0.1:1"}

	_, err := caller.Call(context.Background(), inst, "market.stock_quote", nil)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.KindUnavailable))
	assert.True(t, rpcerr.Retryable(rpcerr.KindUnavailable))
}
