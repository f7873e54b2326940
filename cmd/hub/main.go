// Command hub runs the Fin-Hub central process: service registry,
// health sweeper, tool execution router, MCP frontend, registry HTTP
// API, and the DNS discovery surface — one process, one config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/breaker"
	"github.com/Songjaeheon0923/Fin-Hub/internal/config"
	"github.com/Songjaeheon0923/Fin-Hub/internal/discovery"
	"github.com/Songjaeheon0923/Fin-Hub/internal/etcdstore"
	"github.com/Songjaeheon0923/Fin-Hub/internal/health"
	"github.com/Songjaeheon0923/Fin-Hub/internal/httpapi"
	"github.com/Songjaeheon0923/Fin-Hub/internal/logging"
	"github.com/Songjaeheon0923/Fin-Hub/internal/mcpfrontend"
	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/internal/router"
)

const version = "0.1.0"

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "path to the hub config file")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("fin-hub starting",
		zap.String("version", version),
		zap.String("bind_address", cfg.Hub.BindAddress),
		zap.String("registry_bind_address", cfg.Hub.RegistryBindAddress),
		zap.Bool("durable_mirror", cfg.Hub.Registry.DurableMirror),
		zap.Bool("dns_enabled", cfg.Hub.DNS.Enabled),
	)

	// Optional durable mirror: registry reads stay in-memory; etcd only
	// absorbs writes for crash recovery.
	var mirror registry.Mirror
	var store *etcdstore.Store
	if cfg.Hub.Registry.DurableMirror {
		dialTimeout, derr := time.ParseDuration(cfg.Hub.Etcd.DialTimeout)
		if derr != nil {
			dialTimeout = 5 * time.Second
		}
		store, err = etcdstore.New(etcdstore.Config{
			Endpoints:   cfg.Hub.Etcd.Endpoints,
			DialTimeout: dialTimeout,
		})
		if err != nil {
			logger.Error("etcd mirror unavailable", zap.Error(err))
			os.Exit(1)
		}
		defer store.Close()
		mirror = store
	}

	reg := registry.New(mirror, logger)

	if store != nil {
		recoverInstances(store, reg, logger)
	}

	breakers := breaker.NewRegistry(
		cfg.Hub.Router.Breaker.FailureThreshold,
		config.Duration(cfg.Hub.Router.Breaker.CooldownSeconds),
	)
	reg.OnChange(func(c registry.Change) {
		if c.Kind == registry.ChangeDeregistered {
			breakers.EvictInstance(c.Instance.ID)
		}
	})

	rtr := router.New(reg, breakers, httpapi.NewHTTPCaller(), cfg.Hub.Router, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := health.New(reg, health.NewHTTPProber(), logger,
		config.Duration(cfg.Hub.Registry.ProbeIntervalSeconds),
		config.Duration(cfg.Hub.Registry.ProbeTimeoutSeconds),
		cfg.Hub.Registry.CriticalAfterProbes,
		config.Duration(cfg.Hub.Registry.DeregisterAfterSeconds),
		config.Duration(cfg.Hub.Registry.HeartbeatTTLSeconds),
	)
	go sweeper.Run(ctx)

	registryAPI := httpapi.NewRegistryServer(reg, logger)
	registryAPI.Start(cfg.Hub.RegistryBindAddress)

	var dnsServer *discovery.Server
	if cfg.Hub.DNS.Enabled {
		dnsServer = discovery.NewServer(reg, cfg.Hub.DNS.Domain, cfg.Hub.DNS.Port,
			config.Duration(cfg.Hub.DNS.RecordTTLSeconds),
			config.Duration(cfg.Hub.DNS.CacheTTLSeconds),
			logger)
		dnsServer.Start()
	}

	frontend := mcpfrontend.New(reg, rtr, "fin-hub", version,
		cfg.Hub.Router.MaxInFlight, cfg.Hub.Router.QueueCapacity, logger)

	mux := http.NewServeMux()
	mux.Handle("/mcp", frontend.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"Passing"}`))
	})
	frontendServer := &http.Server{Addr: cfg.Hub.BindAddress, Handler: mux}
	go func() {
		if err := frontendServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("mcp frontend stopped", zap.Error(err))
		}
	}()

	logger.Info("fin-hub ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, draining")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := frontendServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("frontend shutdown", zap.Error(err))
	}
	if err := registryAPI.Shutdown(shutdownCtx); err != nil {
		logger.Warn("registry api shutdown", zap.Error(err))
	}
	if dnsServer != nil {
		if err := dnsServer.Stop(); err != nil {
			logger.Warn("dns shutdown", zap.Error(err))
		}
	}
	logger.Info("fin-hub stopped")
}

// recoverInstances repopulates the in-memory registry from the etcd
// mirror after a restart, replaying each instance's registration
// including its tool descriptors. Each recovered instance is set to
// Unknown right after it is replayed; the sweeper's next probe moves
// it to Passing or Warning, and one whose spoke sends no heartbeat is
// reaped once the heartbeat TTL has passed.
func recoverInstances(store *etcdstore.Store, reg *registry.Registry, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := store.LoadAll(ctx)
	if err != nil {
		logger.Warn("mirror recovery failed, starting empty", zap.Error(err))
		return
	}
	for _, rec := range records {
		inst := rec.Instance
		if _, err := reg.Register(ctx, registry.Registration{
			ID:             inst.ID,
			Name:           inst.Name,
			Address:        inst.Address,
			Tags:           inst.Tags,
			Metadata:       inst.Metadata,
			HealthEndpoint: inst.HealthEndpoint,
			Tools:          rec.Tools,
		}); err != nil {
			logger.Warn("mirror recovery skipped instance",
				zap.String("instance", inst.ID), zap.Error(err))
			continue
		}
		reg.SetStatus(inst.ID, registry.StatusUnknown)
	}
	if len(records) > 0 {
		logger.Info("recovered instances from mirror", zap.Int("count", len(records)))
	}
}
