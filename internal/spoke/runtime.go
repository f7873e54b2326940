package spoke

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/config"
	"github.com/Songjaeheon0923/Fin-Hub/internal/httpapi"
	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/pkg/hubclient"
)

// Runtime drives one spoke process through its lifecycle: serve,
// register with retry until the startup deadline, heartbeat, and on
// shutdown drain in-flight calls then deregister.
type Runtime struct {
	dispatcher *Dispatcher
	server     *httpapi.SpokeServer
	client     *hubclient.Client
	cfg        config.SpokeConfig
	logger     *zap.Logger
}

// NewRuntime wires a dispatcher to its HTTP surface and hub client.
// tags/metadata ride along on the registration unchanged.
func NewRuntime(dispatcher *Dispatcher, cfg config.SpokeConfig, tags []string, metadata map[string]string, logger *zap.Logger) (*Runtime, error) {
	server := httpapi.NewSpokeServer(dispatcher, logger)

	advertised, err := advertisedAddress(cfg.BindAddress)
	if err != nil {
		return nil, err
	}

	client, err := hubclient.New(hubclient.Config{
		HubAddress:        cfg.HubAddress,
		ServiceName:       cfg.Name,
		Address:           advertised,
		HealthEndpoint:    "http://" + advertised + "/health",
		Tags:              tags,
		Metadata:          metadata,
		Tools:             toManifest(dispatcher.Descriptors()),
		HeartbeatInterval: config.Duration(cfg.HeartbeatIntervalSeconds),
	})
	if err != nil {
		return nil, err
	}

	return &Runtime{
		dispatcher: dispatcher,
		server:     server,
		client:     client,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Run blocks until ctx is cancelled, then performs the graceful
// shutdown sequence: stop advertising health, drain, deregister.
func (r *Runtime) Run(ctx context.Context) error {
	r.server.Start(r.cfg.BindAddress)
	r.logger.Info("spoke serving",
		zap.String("service", r.cfg.Name), zap.String("address", r.cfg.BindAddress))

	deadline := config.Duration(r.cfg.StartupRegistrationDeadline)
	if err := r.client.RegisterWithRetry(ctx, deadline); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.server.Drain(shutdownCtx, 0)
		return fmt.Errorf("spoke startup: %w", err)
	}
	r.logger.Info("registered with hub",
		zap.String("service", r.cfg.Name), zap.String("instance", r.client.InstanceID()))

	r.client.StartHeartbeat(func(err error) {
		r.logger.Warn("heartbeat failed, retrying next tick", zap.Error(err))
	})

	<-ctx.Done()

	r.logger.Info("spoke shutting down", zap.String("service", r.cfg.Name))
	grace := config.Duration(r.cfg.ShutdownGraceSeconds)
	drainCtx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()

	if err := r.server.Drain(drainCtx, grace); err != nil {
		r.logger.Warn("drain failed", zap.Error(err))
	}
	if err := r.client.Close(drainCtx); err != nil {
		r.logger.Warn("deregistration failed", zap.Error(err))
	}
	return nil
}

// advertisedAddress turns a bind address like ":9100" into a callable
// host:port, defaulting the host to localhost when unbound. Real
// deployments set an explicit host in spoke.bind_address.
func advertisedAddress(bindAddress string) (string, error) {
	host, port, err := net.SplitHostPort(bindAddress)
	if err != nil {
		return "", fmt.Errorf("spoke bind address %q: %w", bindAddress, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port), nil
}

func toManifest(descriptors []registry.ToolDescriptor) []hubclient.ToolDescriptor {
	out := make([]hubclient.ToolDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, hubclient.ToolDescriptor{
			QualifiedName: d.QualifiedName,
			Description:   d.Description,
			InputSchema:   toClientSchema(d.InputSchema),
			OutputSchema:  toClientSchema(d.OutputSchema),
		})
	}
	return out
}

func toClientSchema(s registry.Schema) hubclient.Schema {
	props := make(map[string]hubclient.SchemaProperty, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = hubclient.SchemaProperty{
			Type:     p.Type,
			Required: p.Required,
			Enum:     p.Enum,
			Minimum:  p.Minimum,
			Maximum:  p.Maximum,
		}
	}
	return hubclient.Schema{Properties: props, AdditionalProperties: s.AdditionalProperties}
}
