package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
)

// ToolBackend is what a spoke server dispatches into — satisfied by
// *spoke.Dispatcher. An interface here keeps this package free of a
// dependency on the spoke runtime (which itself depends on this
// package to serve).
type ToolBackend interface {
	Descriptors() []registry.ToolDescriptor
	Call(ctx context.Context, qualifiedName string, arguments map[string]any) (any, error)
}

// SpokeServer is the HTTP surface one spoke process exposes: the
// health probe endpoint the hub's sweeper polls and the JSON-RPC
// endpoint the router dispatches tools/call to.
type SpokeServer struct {
	echo    *echo.Echo
	backend ToolBackend
	logger  *zap.Logger

	health   atomic.Value // string, one of the registry.Status values
	inFlight sync.WaitGroup
	draining atomic.Bool
}

// NewSpokeServer assembles the spoke's routes; call Start to serve.
func NewSpokeServer(backend ToolBackend, logger *zap.Logger) *SpokeServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &SpokeServer{echo: e, backend: backend, logger: logger}
	s.health.Store(string(registry.StatusPassing))

	e.GET("/health", s.handleHealth)
	e.POST("/rpc", s.handleRPC)

	return s
}

// Start serves on addr in a background goroutine.
func (s *SpokeServer) Start(addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Error("spoke server stopped", zap.Error(err))
		}
	}()
}

// Handler exposes the assembled routes for tests.
func (s *SpokeServer) Handler() http.Handler { return s.echo }

// SetHealth overrides the status reported to health probes. The
// runtime flips it to Critical at the start of a graceful shutdown so
// the hub stops routing here before the listener closes.
func (s *SpokeServer) SetHealth(status registry.Status) {
	s.health.Store(string(status))
}

// Drain stops admitting new tool calls and waits up to grace for the
// in-flight ones to finish, then shuts the listener down.
func (s *SpokeServer) Drain(ctx context.Context, grace time.Duration) error {
	s.draining.Store(true)
	s.SetHealth(registry.StatusCritical)

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("drain grace elapsed with calls still in flight")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *SpokeServer) handleHealth(c echo.Context) error {
	status, _ := s.health.Load().(string)
	body := map[string]string{"status": status}
	if status == string(registry.StatusPassing) {
		return c.JSON(http.StatusOK, body)
	}
	body["detail"] = "instance is not accepting traffic"
	return c.JSON(http.StatusServiceUnavailable, body)
}

func (s *SpokeServer) handleRPC(c echo.Context) error {
	var req rpcRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
	}
	if req.JSONRPC != "2.0" {
		return c.JSON(http.StatusOK, errResponse(req.ID, rpcerr.New(rpcerr.KindInvalidRequest, "jsonrpc must be \"2.0\"")))
	}

	// A request without an id is a notification: execute, respond with
	// nothing.
	isNotification := len(req.ID) == 0

	result, err := s.dispatch(c.Request().Context(), &req)
	if isNotification {
		return c.NoContent(http.StatusNoContent)
	}
	if err != nil {
		return c.JSON(http.StatusOK, errResponse(req.ID, err))
	}
	return c.JSON(http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *SpokeServer) dispatch(ctx context.Context, req *rpcRequest) (any, error) {
	switch req.Method {
	case "ping":
		return map[string]any{}, nil

	case "tools/list":
		descriptors := s.backend.Descriptors()
		tools := make([]toolDescriptorDTO, 0, len(descriptors))
		for _, d := range descriptors {
			tools = append(tools, fromDescriptor(d))
		}
		return map[string]any{"tools": tools}, nil

	case "tools/call":
		if s.draining.Load() {
			return nil, rpcerr.New(rpcerr.KindResourceExhausted, "instance is draining")
		}
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindInvalidParams, "malformed tools/call params", err)
		}
		if params.Name == "" {
			return nil, rpcerr.New(rpcerr.KindInvalidParams, "tools/call requires a tool name")
		}

		s.inFlight.Add(1)
		defer s.inFlight.Done()

		result, err := s.backend.Call(ctx, params.Name, params.Arguments)
		if err != nil {
			if _, typed := err.(*rpcerr.Error); typed {
				return nil, err
			}
			// An untyped handler error is a HandlerFailure: the handler
			// failed with something unclassified.
			return nil, rpcerr.Wrap(rpcerr.KindHandlerFailure, "tool handler failed", err)
		}
		return result, nil

	default:
		return nil, rpcerr.New(rpcerr.KindMethodNotFound, "unknown method "+req.Method)
	}
}

func errResponse(id json.RawMessage, err error) rpcResponse {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	if rerr, ok := err.(*rpcerr.Error); ok {
		return rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: rerr.Code(), Message: rerr.Message, Data: rerr.Data},
		}
	}
	return rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: -32603, Message: err.Error()},
	}
}
