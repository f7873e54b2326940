package providers

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/Songjaeheon0923/Fin-Hub/internal/aggregator"
)

// Beta is the fallback provider for quotes and the only built-in
// provider for reference lookups — the secondary leg of the
// two-provider chain.
type Beta struct {
	RateLimited bool // forces RateLimited on every Fetch, for tests
}

func (b *Beta) ID() string { return "beta" }

func (b *Beta) Supports(operation string, parameters map[string]any) bool {
	switch operation {
	case "stock_quote", "reference_lookup":
		return true
	default:
		return false
	}
}

func (b *Beta) Fetch(ctx context.Context, operation string, parameters map[string]any) (aggregator.RawResponse, error) {
	if b.RateLimited {
		return aggregator.RawResponse{}, aggregator.NewProviderError(aggregator.ErrRateLimited, "beta: quota exhausted")
	}

	symbol, _ := parameters["symbol"].(string)
	switch operation {
	case "stock_quote":
		if symbol == "" {
			return aggregator.RawResponse{}, aggregator.NewProviderError(aggregator.ErrMalformed, "beta: missing symbol")
		}
		return aggregator.RawResponse{
			Payload: map[string]any{
				"symbol": symbol,
				"price":  100 + rand.Float64()*10,
			},
			FetchedAt: time.Now(),
		}, nil
	case "reference_lookup":
		key, _ := parameters["key"].(string)
		if key == "" {
			return aggregator.RawResponse{}, aggregator.NewProviderError(aggregator.ErrNotFound, "beta: no reference entry")
		}
		return aggregator.RawResponse{
			Payload:   map[string]any{"key": key, "value": fmt.Sprintf("beta-reference-%s", key)},
			FetchedAt: time.Now(),
		}, nil
	default:
		return aggregator.RawResponse{}, aggregator.NewProviderError(aggregator.ErrMalformed, "beta: unsupported operation "+operation)
	}
}

func (b *Beta) Normalize(operation string, raw aggregator.RawResponse) (aggregator.NormalizedResult, error) {
	return aggregator.NormalizedResult{Data: raw.Payload}, nil
}
