// Package router implements the tool execution router: resolve a tool
// name to a healthy spoke instance, apply weighted load balancing, a
// per-instance concurrency semaphore, the circuit breaker, and retry
// with backoff.
package router

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/breaker"
	"github.com/Songjaeheon0923/Fin-Hub/internal/config"
	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
)

// Caller invokes tools/call against one spoke instance. cmd/hub wires
// internal/httpapi's HTTP implementation for real dispatch; tests
// supply in-memory fakes.
type Caller interface {
	Call(ctx context.Context, instance *registry.ServiceInstance, toolName string, arguments map[string]any) (any, error)
}

// Router owns the breaker registry and per-instance semaphores for
// every tool it dispatches. One Router per hub process.
type Router struct {
	reg      *registry.Registry
	breakers *breaker.Registry
	sems     *instanceSemaphores
	caller   Caller
	logger   *zap.Logger

	perCallTimeout  time.Duration
	acquireDeadline time.Duration
	maxRetries      int
	baseBackoff     time.Duration
	maxBackoff      time.Duration
}

// New builds a Router. cfg supplies per-instance capacity, timeouts,
// and the retry budget; breakers is shared with the registry-change
// listener that evicts cells for deregistered instances (wired in
// cmd/hub).
func New(reg *registry.Registry, breakers *breaker.Registry, caller Caller, cfg config.RouterConfig, logger *zap.Logger) *Router {
	return &Router{
		reg:             reg,
		breakers:        breakers,
		sems:            newInstanceSemaphores(cfg.PerInstanceCapacity),
		caller:          caller,
		logger:          logger,
		perCallTimeout:  config.Duration(cfg.PerCallTimeoutSeconds),
		acquireDeadline: time.Duration(cfg.AcquireDeadlineMillis) * time.Millisecond,
		maxRetries:      cfg.MaxRetries,
		baseBackoff:     time.Duration(cfg.BaseBackoffMillis) * time.Millisecond,
		maxBackoff:      time.Duration(cfg.MaxBackoffMillis) * time.Millisecond,
	}
}

// Dispatch delivers one tools/call invocation to a healthy instance
// of the owning service, retrying across instances on transient
// failures until the retry budget or deadline runs out.
func (r *Router) Dispatch(ctx context.Context, toolName string, arguments map[string]any) (any, error) {
	descriptor, ok := r.reg.ResolveTool(toolName)
	if !ok {
		return nil, rpcerr.New(rpcerr.KindToolNotFound, "no service owns tool "+toolName)
	}

	excluded := make(map[string]struct{})

	for attempt := 1; ; attempt++ {
		result, retryable, err := r.attemptOnce(ctx, descriptor.OwningServiceName, toolName, arguments, excluded)
		if err == nil {
			return result, nil
		}
		if !retryable || attempt > r.maxRetries {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, rpcerr.Wrap(classifyCtxErr(ctx.Err()), "request cancelled during retry wait", ctx.Err())
		}

		wait := backoff(attempt, r.baseBackoff, r.maxBackoff, 0.25)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, rpcerr.Wrap(classifyCtxErr(ctx.Err()), "request cancelled during retry wait", ctx.Err())
		}
	}
}

// attemptOnce performs a single instance selection and call. excluded
// accumulates instance ids that have already failed within this
// Dispatch call so a retry never re-targets them. Whether a failure
// is worth a backoff retry is decided by rpcerr.Retryable over the
// error's kind — one policy table for the whole dispatch path.
func (r *Router) attemptOnce(ctx context.Context, serviceName, toolName string, arguments map[string]any, excluded map[string]struct{}) (result any, retryable bool, err error) {
	candidates := r.reg.Discover(registry.Filter{Name: serviceName, MinStatus: registry.StatusPassing})
	var eligible []*registry.ServiceInstance
	for _, inst := range candidates {
		if _, skip := excluded[inst.ID]; skip {
			continue
		}
		eligible = append(eligible, inst)
	}
	if len(eligible) == 0 {
		if len(candidates) == 0 {
			// An instance may register or recover before the retry
			// budget runs out.
			return nil, rpcerr.Retryable(rpcerr.KindNoHealthyInstance),
				rpcerr.New(rpcerr.KindNoHealthyInstance, "no passing instance of "+serviceName)
		}
		// Every candidate has already been excluded, either by a
		// failed attempt earlier in this Dispatch call or by
		// permit contention in the recursive branch below. Busy
		// permits free up quickly, so this is worth a backoff retry.
		return nil, rpcerr.Retryable(rpcerr.KindResourceExhausted),
			rpcerr.New(rpcerr.KindResourceExhausted, "every instance of "+serviceName+" is already busy or has already failed this call")
	}

	inst, cell, _, ok := r.selectInstance(toolName, eligible)
	if !ok {
		// A breaker cooldown may elapse before the retry budget runs
		// out, permitting a HalfOpen probe.
		return nil, rpcerr.Retryable(rpcerr.KindAllInstancesOpen),
			rpcerr.New(rpcerr.KindAllInstancesOpen, "all instances of "+serviceName+" have an open breaker")
	}

	sem := r.sems.get(inst.ID)
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, r.acquireDeadline)
	acquired := sem.acquire(acquireCtx)
	cancelAcquire()
	if !acquired {
		if ctx.Err() != nil {
			cell.ReleaseCancelled()
			kind := classifyCtxErr(ctx.Err())
			return nil, rpcerr.Retryable(kind), rpcerr.Wrap(kind, "request cancelled waiting for a permit", ctx.Err())
		}
		// Permit unavailable before acquireDeadline: reselect with
		// this instance excluded, without burning a backoff retry.
		cell.ReleaseCancelled()
		nextExcluded := excludeInto(excluded, inst.ID)
		result, retryable, err = r.attemptOnce(ctx, serviceName, toolName, arguments, nextExcluded)
		// Carry any failure recorded by the nested attempt back to the
		// caller's set; the busy instance stays excluded only for this
		// reselection.
		for id := range nextExcluded {
			if id != inst.ID {
				excluded[id] = struct{}{}
			}
		}
		return result, retryable, err
	}
	defer sem.release()

	callCtx, cancelCall := context.WithTimeout(ctx, r.perCallTimeout)
	defer cancelCall()

	out, callErr := r.caller.Call(callCtx, inst, toolName, arguments)
	if callErr == nil {
		cell.RecordSuccess()
		return out, false, nil
	}

	kind := classifyErr(callCtx, callErr)
	if ctx.Err() == context.Canceled {
		cell.ReleaseCancelled()
		return nil, rpcerr.Retryable(rpcerr.KindCancelled), rpcerr.Wrap(rpcerr.KindCancelled, "request cancelled in flight", callErr)
	}
	if rpcerr.Retryable(kind) {
		cell.RecordFailure(time.Now())
		excluded[inst.ID] = struct{}{}
		if r.logger != nil {
			r.logger.Warn("tool dispatch failed, will retry",
				zap.String("tool", toolName), zap.String("instance", inst.ID), zap.String("kind", string(kind)))
		}
		return nil, true, rpcerr.Wrap(kind, "spoke call failed", callErr)
	}

	// Non-retryable: request-local failure only, breaker untouched
	// beyond releasing any HalfOpen probe slot this call was holding.
	cell.ReleaseCancelled()
	return nil, false, callErr
}

// selectInstance snapshot-filters breaker-open instances, then picks
// the least-loaded remaining one, tie-broken by lowest inFlight then
// lowest instanceId. If every candidate is breaker-blocked, it asks
// the instance that has been Open the longest for a probe, which its
// breaker grants only once the cooldown has elapsed.
func (r *Router) selectInstance(toolName string, candidates []*registry.ServiceInstance) (*registry.ServiceInstance, *breaker.Cell, bool, bool) {
	type scored struct {
		inst     *registry.ServiceInstance
		cell     *breaker.Cell
		weight   int
		inFlight int
	}

	now := time.Now()
	var open []*registry.ServiceInstance
	var eligible []scored
	for _, inst := range candidates {
		cell := r.breakers.Get(toolName, inst.ID)
		if state, _, _ := cell.Snapshot(); state == breaker.Open {
			open = append(open, inst)
			continue
		}
		sem := r.sems.get(inst.ID)
		inFlight := sem.inFlight()
		weight := sem.capacity() - inFlight
		if weight < 1 {
			weight = 1
		}
		eligible = append(eligible, scored{inst: inst, cell: cell, weight: weight, inFlight: inFlight})
	}

	if len(eligible) == 0 {
		if len(open) == 0 {
			return nil, nil, false, false
		}
		inst := oldestOpen(r.breakers, toolName, open)
		cell := r.breakers.Get(toolName, inst.ID)
		allowed, isProbe := cell.Allow(now)
		if !allowed {
			return nil, nil, false, false
		}
		return inst, cell, isProbe, true
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].weight != eligible[j].weight {
			return eligible[i].weight > eligible[j].weight
		}
		if eligible[i].inFlight != eligible[j].inFlight {
			return eligible[i].inFlight < eligible[j].inFlight
		}
		return eligible[i].inst.ID < eligible[j].inst.ID
	})

	chosen := eligible[0]
	allowed, isProbe := chosen.cell.Allow(now)
	if !allowed {
		// Lost a race against a concurrent dispatch for the same
		// HalfOpen slot; try the next-best instance instead of failing
		// the whole attempt.
		for _, candidate := range eligible[1:] {
			if ok, probe := candidate.cell.Allow(now); ok {
				return candidate.inst, candidate.cell, probe, true
			}
		}
		return nil, nil, false, false
	}
	return chosen.inst, chosen.cell, isProbe, true
}

func oldestOpen(breakers *breaker.Registry, toolName string, instances []*registry.ServiceInstance) *registry.ServiceInstance {
	var best *registry.ServiceInstance
	var bestOpenedAt time.Time
	for _, inst := range instances {
		_, _, openedAt := breakers.Get(toolName, inst.ID).Snapshot()
		if best == nil || openedAt.Before(bestOpenedAt) {
			best = inst
			bestOpenedAt = openedAt
		}
	}
	return best
}

func excludeInto(existing map[string]struct{}, id string) map[string]struct{} {
	out := make(map[string]struct{}, len(existing)+1)
	for k := range existing {
		out[k] = struct{}{}
	}
	out[id] = struct{}{}
	return out
}

func classifyErr(ctx context.Context, err error) rpcerr.Kind {
	if rerr, ok := err.(*rpcerr.Error); ok {
		return rerr.Kind
	}
	if ctx.Err() == context.DeadlineExceeded {
		return rpcerr.KindDeadlineExceeded
	}
	return rpcerr.KindUnavailable
}

func classifyCtxErr(err error) rpcerr.Kind {
	if err == context.DeadlineExceeded {
		return rpcerr.KindDeadlineExceeded
	}
	return rpcerr.KindCancelled
}
