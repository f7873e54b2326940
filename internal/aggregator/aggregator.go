package aggregator

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Songjaeheon0923/Fin-Hub/internal/config"
	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
)

// FetchMetadata is the "metadata" half of the normalized response
// envelope: where the data came from and which providers were tried.
type FetchMetadata struct {
	Source        string
	FetchedAt     time.Time
	CacheHit      bool
	FallbackChain []string
}

// FetchResult pairs a NormalizedResult with the metadata describing
// how it was produced; this is what gets cached and what coalesced
// callers all receive.
type FetchResult struct {
	Result   NormalizedResult
	Metadata FetchMetadata
}

// Aggregator runs the fallback-chain query across a fixed,
// per-operation provider order. Order is configuration, not dynamic:
// when two providers are equally capable, the earlier one wins.
type Aggregator struct {
	providerOrder  map[string][]Provider
	ttlByOperation map[string]time.Duration
	defaultTTL     time.Duration

	cache *cache

	limiters map[string]*rate.Limiter

	cooldownMu       sync.Mutex
	cooldownUntil    map[string]time.Time
	providerCooldown time.Duration

	group  singleflight.Group
	logger *zap.Logger
}

// New builds an Aggregator from cfg's provider order and rate-limit
// settings, resolving provider ids against the concrete Provider
// implementations passed in (e.g. providers.Alpha, providers.Beta).
func New(cfg config.AggregatorConfig, available []Provider, logger *zap.Logger) *Aggregator {
	byID := make(map[string]Provider, len(available))
	for _, p := range available {
		byID[p.ID()] = p
	}

	order := make(map[string][]Provider, len(cfg.ProviderOrder))
	for operation, ids := range cfg.ProviderOrder {
		var chain []Provider
		for _, id := range ids {
			if p, ok := byID[id]; ok {
				chain = append(chain, p)
			}
		}
		order[operation] = chain
	}

	ttls := make(map[string]time.Duration, len(cfg.CacheTTLSeconds))
	for operation, seconds := range cfg.CacheTTLSeconds {
		ttls[operation] = config.Duration(seconds)
	}

	limiters := make(map[string]*rate.Limiter, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		if pc.RateLimit.Capacity > 0 {
			limiters[id] = rate.NewLimiter(rate.Limit(pc.RateLimit.RefillPerSecond), pc.RateLimit.Capacity)
		}
	}

	return &Aggregator{
		providerOrder:    order,
		ttlByOperation:   ttls,
		defaultTTL:       5 * time.Minute,
		cache:            newCache(cfg.CacheMaxEntries),
		limiters:         limiters,
		cooldownUntil:    make(map[string]time.Time),
		providerCooldown: config.Duration(cfg.ProviderCooldownSeconds),
		logger:           logger,
	}
}

// Fetch serves the request from cache when fresh, otherwise runs a
// coalesced fallback-chain query — one upstream fetch per in-flight
// fingerprint, shared by every concurrent caller.
func (a *Aggregator) Fetch(ctx context.Context, operation string, parameters map[string]any) (NormalizedResult, FetchMetadata, error) {
	fp := fingerprint(operation, parameters)

	if cached, ok := a.cache.get(fp); ok {
		meta := cached.Metadata
		meta.CacheHit = true
		meta.Source = "cache"
		return cached.Result, meta, nil
	}

	v, err, _ := a.group.Do(fp, func() (any, error) {
		return a.fetchThroughProviders(ctx, operation, parameters, fp)
	})
	if err != nil {
		return NormalizedResult{}, FetchMetadata{}, err
	}
	fr := v.(FetchResult)
	return fr.Result, fr.Metadata, nil
}

func (a *Aggregator) fetchThroughProviders(ctx context.Context, operation string, parameters map[string]any, fp string) (FetchResult, error) {
	chain := a.providerOrder[operation]
	var attempted []string

	for _, p := range chain {
		if !p.Supports(operation, parameters) {
			continue
		}
		if a.isCoolingDown(p.ID()) {
			attempted = append(attempted, p.ID()+":cooling")
			continue
		}

		attempted = append(attempted, p.ID())

		if limiter, ok := a.limiters[p.ID()]; ok && !limiter.Allow() {
			continue
		}

		raw, err := p.Fetch(ctx, operation, parameters)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return FetchResult{}, rpcerr.Wrap(rpcerr.KindDeadlineExceeded, "aggregator fetch deadline exceeded", ctx.Err()).
					WithData(map[string]any{"triedProviders": attempted})
			}
			if ctx.Err() != nil {
				return FetchResult{}, rpcerr.Wrap(rpcerr.KindCancelled, "aggregator fetch cancelled", ctx.Err())
			}
			kind := providerErrorKind(err)
			switch kind {
			case ErrPermanentUnavailable:
				a.markCooldown(p.ID())
				continue
			case ErrNotFound:
				return FetchResult{}, rpcerr.New(rpcerr.KindDataNotFound, operation+" not found upstream").
					WithData(map[string]any{"triedProviders": attempted})
			case ErrRateLimited, ErrTransient, ErrMalformed:
				continue
			default:
				continue
			}
		}

		normalized, nerr := p.Normalize(operation, raw)
		if nerr != nil {
			continue
		}

		meta := FetchMetadata{Source: p.ID(), FetchedAt: raw.FetchedAt, CacheHit: false, FallbackChain: attempted}
		if meta.FetchedAt.IsZero() {
			meta.FetchedAt = time.Now()
		}
		a.cache.set(fp, FetchResult{Result: normalized, Metadata: meta}, a.ttlFor(operation))
		return FetchResult{Result: normalized, Metadata: meta}, nil
	}

	return FetchResult{}, rpcerr.New(rpcerr.KindAllProvidersFail, "every provider for "+operation+" failed").
		WithData(map[string]any{"triedProviders": attempted})
}

func (a *Aggregator) ttlFor(operation string) time.Duration {
	if ttl, ok := a.ttlByOperation[operation]; ok {
		return ttl
	}
	return a.defaultTTL
}

func (a *Aggregator) isCoolingDown(providerID string) bool {
	a.cooldownMu.Lock()
	defer a.cooldownMu.Unlock()
	until, ok := a.cooldownUntil[providerID]
	return ok && time.Now().Before(until)
}

func (a *Aggregator) markCooldown(providerID string) {
	a.cooldownMu.Lock()
	defer a.cooldownMu.Unlock()
	a.cooldownUntil[providerID] = time.Now().Add(a.providerCooldown)
}

func providerErrorKind(err error) ErrorKind {
	if perr, ok := err.(*ProviderError); ok {
		return perr.Kind
	}
	return ErrTransient
}

// fingerprint hashes operation + the parameter set in a
// key-order-independent way, so equivalent requests share one cache
// slot.
func fingerprint(operation string, parameters map[string]any) string {
	keys := make([]string, 0, len(parameters))
	for k := range parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New128a()
	h.Write([]byte(operation))
	for _, k := range keys {
		h.Write([]byte(k))
		fmt.Fprintf(h, "=%v;", parameters[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
