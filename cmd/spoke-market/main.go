// Command spoke-market runs the Market spoke: quote, news, and
// reference-data tools backed by the multi-source aggregator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/aggregator"
	"github.com/Songjaeheon0923/Fin-Hub/internal/aggregator/providers"
	"github.com/Songjaeheon0923/Fin-Hub/internal/config"
	"github.com/Songjaeheon0923/Fin-Hub/internal/logging"
	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/internal/spoke"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "path to the spoke config file")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Spoke.Name == "" {
		cfg.Spoke.Name = "market-spoke"
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if len(cfg.Aggregator.ProviderOrder) == 0 {
		cfg.Aggregator.ProviderOrder = map[string][]string{
			"stock_quote":      {"alpha", "beta"},
			"market_news":      {"alpha"},
			"reference_lookup": {"beta"},
		}
	}
	agg := aggregator.New(cfg.Aggregator, []aggregator.Provider{&providers.Alpha{}, &providers.Beta{}}, logger)

	dispatcher := spoke.NewDispatcher()
	registerMarketTools(dispatcher, agg)

	runtime, err := spoke.NewRuntime(dispatcher, cfg.Spoke,
		[]string{"market", "data"},
		map[string]string{"version": "0.1.0"},
		logger)
	if err != nil {
		logger.Error("spoke setup failed", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runtime.Run(ctx); err != nil {
		logger.Error("spoke exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// registerMarketTools wires each aggregator operation into a tool
// handler returning the data/metadata response envelope.
func registerMarketTools(dispatcher *spoke.Dispatcher, agg *aggregator.Aggregator) {
	aggHandler := func(operation string) spoke.Handler {
		return func(ctx context.Context, arguments map[string]any) (any, error) {
			result, meta, err := agg.Fetch(ctx, operation, arguments)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"data": result.Data,
				"metadata": map[string]any{
					"source":        meta.Source,
					"fetchedAt":     meta.FetchedAt.Format(time.RFC3339Nano),
					"cacheHit":      meta.CacheHit,
					"fallbackChain": meta.FallbackChain,
				},
			}, nil
		}
	}

	dispatcher.Register(registry.ToolDescriptor{
		QualifiedName: "market.stock_quote",
		Description:   "Latest quote for one symbol, served from the provider chain or cache",
		InputSchema: registry.Schema{
			Properties: map[string]registry.SchemaProperty{
				"symbol": {Type: "string", Required: true},
			},
			AdditionalProperties: true,
		},
		OutputSchema: envelopeSchema(),
	}, aggHandler("stock_quote"))

	dispatcher.Register(registry.ToolDescriptor{
		QualifiedName: "market.market_news",
		Description:   "Recent market headlines, optionally filtered by symbol",
		InputSchema: registry.Schema{
			Properties: map[string]registry.SchemaProperty{
				"symbol": {Type: "string"},
			},
			AdditionalProperties: true,
		},
		OutputSchema: envelopeSchema(),
	}, aggHandler("market_news"))

	dispatcher.Register(registry.ToolDescriptor{
		QualifiedName: "market.reference_lookup",
		Description:   "Reference-data lookup by key (exchange calendars, identifiers)",
		InputSchema: registry.Schema{
			Properties: map[string]registry.SchemaProperty{
				"key": {Type: "string", Required: true},
			},
			AdditionalProperties: true,
		},
		OutputSchema: envelopeSchema(),
	}, aggHandler("reference_lookup"))
}

func envelopeSchema() registry.Schema {
	return registry.Schema{
		Properties: map[string]registry.SchemaProperty{
			"data":     {Type: "object"},
			"metadata": {Type: "object"},
		},
		AdditionalProperties: true,
	}
}
