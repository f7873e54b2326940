// Package httpapi exposes the registry's HTTP interface on the hub
// side, and the health + JSON-RPC surface a spoke serves on the spoke
// side. Both are echo servers assembled the same way: recover/CORS
// middleware, JSON payloads, and a typed error envelope.
package httpapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
)

// RegistryServer serves register/deregister/heartbeat/discover/tools
// over HTTP, backed by the in-process registry.
type RegistryServer struct {
	echo   *echo.Echo
	reg    *registry.Registry
	logger *zap.Logger
}

// NewRegistryServer assembles the echo instance and its routes without
// binding a listener; call Start to serve.
func NewRegistryServer(reg *registry.Registry, logger *zap.Logger) *RegistryServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	s := &RegistryServer{echo: e, reg: reg, logger: logger}

	e.POST("/registry/register", s.handleRegister)
	e.DELETE("/registry/:instanceId", s.handleDeregister)
	e.POST("/registry/:instanceId/heartbeat", s.handleHeartbeat)
	e.GET("/registry/discover", s.handleDiscover)
	e.GET("/registry/tools", s.handleTools)
	e.GET("/health", s.handleHealth)

	return s
}

// Start serves on addr in a background goroutine.
func (s *RegistryServer) Start(addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Error("registry api stopped", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *RegistryServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the assembled routes for tests.
func (s *RegistryServer) Handler() http.Handler { return s.echo }

// writeError maps a typed error onto an HTTP status plus the shared
// error envelope. Application codes ride in the body; the HTTP status
// only distinguishes client mistakes from server faults.
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	code := -32603
	msg := "internal error"

	if rerr, ok := err.(*rpcerr.Error); ok {
		code = rerr.Code()
		msg = rerr.Message
		switch rerr.Kind {
		case rpcerr.KindInvalidParams, rpcerr.KindInvalidRequest:
			status = http.StatusBadRequest
		case rpcerr.KindToolNotFound, rpcerr.KindMethodNotFound:
			status = http.StatusNotFound
		case rpcerr.KindResourceExhausted:
			status = http.StatusTooManyRequests
		}
	}
	return c.JSON(status, errorResponse{Code: code, Message: msg})
}

func (s *RegistryServer) handleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, rpcerr.Wrap(rpcerr.KindInvalidRequest, "malformed registration body", err))
	}

	tools := make([]registry.ToolDescriptor, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, toDescriptor(t))
	}

	inst, err := s.reg.Register(c.Request().Context(), registry.Registration{
		Name:           req.Name,
		Address:        req.Address,
		Tags:           req.Tags,
		Metadata:       req.Metadata,
		HealthEndpoint: req.HealthEndpoint,
		Tools:          tools,
	})
	if err != nil {
		s.logger.Warn("registration rejected", zap.String("service", req.Name), zap.Error(err))
		return writeError(c, err)
	}

	s.logger.Info("service registered",
		zap.String("service", inst.Name), zap.String("instance", inst.ID), zap.Int("tools", len(tools)))
	return c.JSON(http.StatusOK, registerResponse{InstanceID: inst.ID, RegisteredAt: inst.RegisteredAt})
}

func (s *RegistryServer) handleDeregister(c echo.Context) error {
	id := c.Param("instanceId")
	if err := s.reg.Deregister(c.Request().Context(), id); err != nil {
		return writeError(c, err)
	}
	s.logger.Info("service deregistered", zap.String("instance", id))
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *RegistryServer) handleHeartbeat(c echo.Context) error {
	if err := s.reg.Heartbeat(c.Param("instanceId")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *RegistryServer) handleDiscover(c echo.Context) error {
	instances := s.reg.Discover(registry.Filter{
		Name:      c.QueryParam("name"),
		Tag:       c.QueryParam("tag"),
		MinStatus: registry.Status(c.QueryParam("minStatus")),
	})

	out := make([]instanceDTO, 0, len(instances))
	for _, inst := range instances {
		out = append(out, fromInstance(inst))
	}
	return c.JSON(http.StatusOK, discoverResponse{Instances: out, Count: len(out)})
}

func (s *RegistryServer) handleTools(c echo.Context) error {
	tools := s.reg.ListTools(registry.Status(c.QueryParam("minStatus")))

	out := make([]toolDescriptorDTO, 0, len(tools))
	for _, t := range tools {
		out = append(out, fromDescriptor(t))
	}
	return c.JSON(http.StatusOK, toolsResponse{Tools: out, Count: len(out)})
}

func (s *RegistryServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "Passing"})
}
