// Package logging constructs the zap logger shared by the hub and
// spoke processes. There is no package-level logger; every component
// takes one by reference at construction time.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-profile zap logger at the given level
// ("debug", "info", "warn", "error"), JSON-encoded, suitable for
// piping into any log aggregator the host operates.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Fields for correlation, used consistently across the router,
// registry, and aggregator so a single correlation id can be grepped
// across every component a request touched.
func CorrelationID(id string) zap.Field { return zap.String("correlation_id", id) }
func InstanceID(id string) zap.Field    { return zap.String("instance_id", id) }
func ToolName(name string) zap.Field    { return zap.String("tool", name) }
func ProviderID(id string) zap.Field    { return zap.String("provider", id) }
