package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
)

// HTTPCaller implements router.Caller by invoking a spoke's /rpc
// endpoint with a JSON-RPC tools/call request. Transport failures
// surface as Unavailable (retryable); a JSON-RPC error object is
// decoded back into its typed kind so non-retryable spoke errors
// (InvalidParams, HandlerFailure) pass through the router unchanged.
type HTTPCaller struct {
	client *http.Client
	nextID atomic.Int64
}

// NewHTTPCaller returns a caller sharing one connection pool across
// all spoke instances. Per-call deadlines come from ctx, not a client
// timeout, so the router's remaining-deadline math stays in charge.
func NewHTTPCaller() *HTTPCaller {
	return &HTTPCaller{client: &http.Client{}}
}

// Call satisfies router.Caller.
func (h *HTTPCaller) Call(ctx context.Context, instance *registry.ServiceInstance, toolName string, arguments map[string]any) (any, error) {
	id := h.nextID.Add(1)
	params, err := json.Marshal(callParams{Name: toolName, Arguments: arguments})
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindInternal, "marshal tools/call params", err)
	}
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  "tools/call",
		Params:  params,
	})
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindInternal, "marshal tools/call request", err)
	}

	url := spokeRPCURL(instance.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindInternal, "build spoke request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, rpcerr.Wrap(rpcerr.KindDeadlineExceeded, "spoke call deadline exceeded", err)
		}
		if ctx.Err() == context.Canceled {
			return nil, rpcerr.Wrap(rpcerr.KindCancelled, "spoke call cancelled", err)
		}
		return nil, rpcerr.Wrap(rpcerr.KindUnavailable, "spoke unreachable at "+instance.Address, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindUnavailable, "reading spoke response", err)
	}
	if resp.StatusCode >= 500 {
		return nil, rpcerr.New(rpcerr.KindUnavailable, fmt.Sprintf("spoke returned status %d", resp.StatusCode))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindUnavailable, "malformed spoke response", err)
	}
	if rpcResp.Error != nil {
		kind := rpcerr.KindForCode(rpcResp.Error.Code)
		return nil, rpcerr.New(kind, rpcResp.Error.Message).WithData(rpcResp.Error.Data)
	}
	return rpcResp.Result, nil
}

func spokeRPCURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimRight(address, "/") + "/rpc"
	}
	return "http://" + address + "/rpc"
}
