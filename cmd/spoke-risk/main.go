// Command spoke-risk runs the Risk spoke. The handlers carry real but
// deliberately simplified models — a fixed-volatility parametric VaR
// and a static scenario shock table — so their branching is
// exercisable end-to-end; production-grade models replace the handler
// bodies behind the same schemas without touching the runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

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
		cfg.Spoke.Name = "risk-spoke"
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	dispatcher := spoke.NewDispatcher()
	registerRiskTools(dispatcher)

	runtime, err := spoke.NewRuntime(dispatcher, cfg.Spoke,
		[]string{"risk"},
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

func registerRiskTools(dispatcher *spoke.Dispatcher) {
	zero := 0.0
	one := 1.0

	dispatcher.Register(registry.ToolDescriptor{
		QualifiedName: "risk.var_calculation",
		Description:   "Value-at-risk for a portfolio value at a given confidence level",
		InputSchema: registry.Schema{
			Properties: map[string]registry.SchemaProperty{
				"portfolio_value":  {Type: "number", Required: true, Minimum: &zero},
				"confidence_level": {Type: "number", Required: true, Minimum: &zero, Maximum: &one},
				"method":           {Type: "string", Enum: []string{"historical", "parametric", "monte_carlo"}},
				"horizon_days":     {Type: "integer", Minimum: &one},
			},
		},
		OutputSchema: registry.Schema{
			Properties: map[string]registry.SchemaProperty{
				"var":              {Type: "number"},
				"confidence_level": {Type: "number"},
				"method":           {Type: "string"},
			},
			AdditionalProperties: true,
		},
	}, handleVar)

	dispatcher.Register(registry.ToolDescriptor{
		QualifiedName: "risk.stress_test",
		Description:   "Portfolio loss under a named stress scenario",
		InputSchema: registry.Schema{
			Properties: map[string]registry.SchemaProperty{
				"portfolio_value": {Type: "number", Required: true, Minimum: &zero},
				"scenario":        {Type: "string", Required: true, Enum: []string{"2008_crisis", "rate_shock", "flash_crash"}},
			},
		},
		OutputSchema: registry.Schema{
			Properties: map[string]registry.SchemaProperty{
				"scenario":       {Type: "string"},
				"projected_loss": {Type: "number"},
			},
			AdditionalProperties: true,
		},
	}, handleStress)
}

// z-scores for the supported confidence levels; intermediate levels
// round up to the next bucket.
var zTable = []struct {
	level float64
	z     float64
}{
	{0.90, 1.2816},
	{0.95, 1.6449},
	{0.99, 2.3263},
}

func handleVar(ctx context.Context, arguments map[string]any) (any, error) {
	value := asNumber(arguments["portfolio_value"])
	level := asNumber(arguments["confidence_level"])
	method, _ := arguments["method"].(string)
	if method == "" {
		method = "parametric"
	}
	horizon := asNumber(arguments["horizon_days"])
	if horizon < 1 {
		horizon = 1
	}

	const dailyVol = 0.02
	z := zTable[len(zTable)-1].z
	for i := range zTable {
		if level <= zTable[i].level {
			z = zTable[i].z
			break
		}
	}

	varAmount := value * dailyVol * z * math.Sqrt(horizon)
	return map[string]any{
		"var":              varAmount,
		"confidence_level": level,
		"method":           method,
		"horizon_days":     horizon,
	}, nil
}

var scenarioShocks = map[string]float64{
	"2008_crisis": 0.38,
	"rate_shock":  0.12,
	"flash_crash": 0.09,
}

func handleStress(ctx context.Context, arguments map[string]any) (any, error) {
	value := asNumber(arguments["portfolio_value"])
	scenario, _ := arguments["scenario"].(string)
	shock := scenarioShocks[scenario]

	return map[string]any{
		"scenario":       scenario,
		"shock_pct":      shock,
		"projected_loss": value * shock,
	}, nil
}

func asNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
