// Package providers holds the built-in demo data sources wired into
// the Market spoke's aggregator. Neither reaches a real upstream API
// — each returns synthetic but internally consistent data so the
// fallback chain, rate limiting, and cache behavior are exercised
// end-to-end. Real provider clients (Alpha Vantage, Finnhub, and the
// like) implement the same Provider interface and slot into the same
// chain.
package providers

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/Songjaeheon0923/Fin-Hub/internal/aggregator"
)

// Alpha is the primary provider for quotes and news — first in the
// default fallback order.
type Alpha struct {
	// Unavailable, when set, makes Fetch behave as PermanentUnavailable
	// for every call — used by tests to exercise the cooldown path
	// without a real upstream to break.
	Unavailable bool
}

func (a *Alpha) ID() string { return "alpha" }

func (a *Alpha) Supports(operation string, parameters map[string]any) bool {
	switch operation {
	case "stock_quote", "market_news":
		return true
	default:
		return false
	}
}

func (a *Alpha) Fetch(ctx context.Context, operation string, parameters map[string]any) (aggregator.RawResponse, error) {
	if a.Unavailable {
		return aggregator.RawResponse{}, aggregator.NewProviderError(aggregator.ErrPermanentUnavailable, "alpha: upstream unreachable")
	}

	symbol, _ := parameters["symbol"].(string)
	switch operation {
	case "stock_quote":
		if symbol == "" {
			return aggregator.RawResponse{}, aggregator.NewProviderError(aggregator.ErrMalformed, "alpha: missing symbol")
		}
		return aggregator.RawResponse{
			Payload: map[string]any{
				"symbol": symbol,
				"price":  100 + rand.Float64()*10,
			},
			FetchedAt: time.Now(),
		}, nil
	case "market_news":
		return aggregator.RawResponse{
			Payload:   []string{fmt.Sprintf("alpha: headline for %s", symbol)},
			FetchedAt: time.Now(),
		}, nil
	default:
		return aggregator.RawResponse{}, aggregator.NewProviderError(aggregator.ErrMalformed, "alpha: unsupported operation "+operation)
	}
}

func (a *Alpha) Normalize(operation string, raw aggregator.RawResponse) (aggregator.NormalizedResult, error) {
	return aggregator.NormalizedResult{Data: raw.Payload}, nil
}
