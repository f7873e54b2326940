// Command spoke-portfolio runs the Portfolio spoke. The handlers
// implement simple but real allocation logic — equal-weight targets
// and delta-based rebalance trades, including selling out of
// untargeted holdings — with input validation worth testing; a
// mean-variance optimizer replaces the handler bodies behind the same
// contracts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/config"
	"github.com/Songjaeheon0923/Fin-Hub/internal/logging"
	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
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
		cfg.Spoke.Name = "portfolio-spoke"
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	dispatcher := spoke.NewDispatcher()
	registerPortfolioTools(dispatcher)

	runtime, err := spoke.NewRuntime(dispatcher, cfg.Spoke,
		[]string{"portfolio"},
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

func registerPortfolioTools(dispatcher *spoke.Dispatcher) {
	zero := 0.0

	dispatcher.Register(registry.ToolDescriptor{
		QualifiedName: "portfolio.optimize",
		Description:   "Equal target weights for a set of tickers; risk_aversion is validated but does not change the weights",
		InputSchema: registry.Schema{
			Properties: map[string]registry.SchemaProperty{
				"tickers":       {Type: "array", Required: true},
				"risk_aversion": {Type: "number", Minimum: &zero},
			},
		},
		OutputSchema: registry.Schema{
			Properties: map[string]registry.SchemaProperty{
				"weights": {Type: "object"},
			},
			AdditionalProperties: true,
		},
	}, handleOptimize)

	dispatcher.Register(registry.ToolDescriptor{
		QualifiedName: "portfolio.rebalance",
		Description:   "Trades needed to move current holdings to target weights",
		InputSchema: registry.Schema{
			Properties: map[string]registry.SchemaProperty{
				"holdings":       {Type: "object", Required: true},
				"target_weights": {Type: "object", Required: true},
			},
		},
		OutputSchema: registry.Schema{
			Properties: map[string]registry.SchemaProperty{
				"trades": {Type: "array"},
			},
			AdditionalProperties: true,
		},
	}, handleRebalance)
}

func handleOptimize(ctx context.Context, arguments map[string]any) (any, error) {
	raw, _ := arguments["tickers"].([]any)
	if len(raw) == 0 {
		return nil, rpcerr.New(rpcerr.KindInvalidParams, "tickers must be a non-empty array")
	}

	tickers := make([]string, 0, len(raw))
	for _, t := range raw {
		s, ok := t.(string)
		if !ok || s == "" {
			return nil, rpcerr.New(rpcerr.KindInvalidParams, "tickers must be strings")
		}
		tickers = append(tickers, s)
	}

	// Equal-weight allocation stands in for the optimizer.
	weight := 1.0 / float64(len(tickers))
	weights := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		weights[t] = weight
	}

	return map[string]any{
		"weights":   weights,
		"objective": "equal_weight",
	}, nil
}

func handleRebalance(ctx context.Context, arguments map[string]any) (any, error) {
	holdings, _ := arguments["holdings"].(map[string]any)
	targets, _ := arguments["target_weights"].(map[string]any)
	if len(targets) == 0 {
		return nil, rpcerr.New(rpcerr.KindInvalidParams, "target_weights must be a non-empty object")
	}

	var total float64
	current := make(map[string]float64, len(holdings))
	for ticker, v := range holdings {
		amount, ok := v.(float64)
		if !ok {
			return nil, rpcerr.New(rpcerr.KindInvalidParams, "holdings values must be numbers")
		}
		current[ticker] = amount
		total += amount
	}

	type trade struct {
		Ticker string  `json:"ticker"`
		Amount float64 `json:"amount"` // positive buys, negative sells
	}
	var trades []trade
	for ticker, v := range targets {
		weight, ok := v.(float64)
		if !ok {
			return nil, rpcerr.New(rpcerr.KindInvalidParams, "target_weights values must be numbers")
		}
		delta := total*weight - current[ticker]
		if delta != 0 {
			trades = append(trades, trade{Ticker: ticker, Amount: delta})
		}
	}
	for ticker, amount := range current {
		if _, targeted := targets[ticker]; !targeted && amount != 0 {
			trades = append(trades, trade{Ticker: ticker, Amount: -amount})
		}
	}

	return map[string]any{
		"total_value": total,
		"trades":      trades,
	}, nil
}
