// Package health implements the registry's background probe sweeper:
// a cancellable loop that polls every instance's health endpoint on a
// fixed interval and drives the Passing/Warning/Critical status
// machine.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
)

// Prober checks one instance's health endpoint and reports whether it
// passed. Swappable for tests; the production implementation is
// httpProber below.
type Prober interface {
	Probe(ctx context.Context, healthEndpoint string, timeout time.Duration) bool
}

// httpProber treats HTTP 200 with body {"status":"Passing"} as
// healthy; anything else — non-200, malformed body, network error, or
// a different status string — degrades the instance.
type httpProber struct {
	client *http.Client
}

func NewHTTPProber() Prober {
	return &httpProber{client: &http.Client{}}
}

func (p *httpProber) Probe(ctx context.Context, healthEndpoint string, timeout time.Duration) bool {
	if healthEndpoint == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthEndpoint, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(resp.Body, &body); err != nil {
		return false
	}
	return body.Status == "Passing"
}

// Sweeper owns the per-instance consecutive-failure counters that
// drive the Passing -> Warning -> Critical transitions. It does not
// own ServiceInstance state itself — that lives in the registry — only
// the probe bookkeeping needed to decide the next transition.
type Sweeper struct {
	reg    *registry.Registry
	prober Prober
	logger *zap.Logger

	interval         time.Duration
	probeTimeout     time.Duration
	criticalAfter    int
	deregisterAfter  time.Duration
	heartbeatTTL     time.Duration

	mu       sync.Mutex
	failures map[string]int // instanceId -> consecutive failed probes
}

func New(reg *registry.Registry, prober Prober, logger *zap.Logger, interval, probeTimeout time.Duration, criticalAfter int, deregisterAfter, heartbeatTTL time.Duration) *Sweeper {
	return &Sweeper{
		reg:             reg,
		prober:          prober,
		logger:          logger,
		interval:        interval,
		probeTimeout:    probeTimeout,
		criticalAfter:   criticalAfter,
		deregisterAfter: deregisterAfter,
		heartbeatTTL:    heartbeatTTL,
		failures:        make(map[string]int),
	}
}

// Run blocks, probing every registered instance once per interval,
// until ctx is cancelled. Each instance is probed concurrently via a
// panic-safe WaitGroup so one slow or crashing upstream never delays
// the sweep of the others.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
			s.reg.ReapStale(time.Now(), s.deregisterAfter, s.heartbeatTTL)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	ids := s.reg.AllInstanceIDs()

	var wg conc.WaitGroup
	for _, id := range ids {
		id := id
		wg.Go(func() {
			s.probeOne(ctx, id)
		})
	}
	wg.Wait()
}

func (s *Sweeper) probeOne(ctx context.Context, instanceID string) {
	inst, ok := s.reg.Get(instanceID)
	if !ok {
		return
	}

	ok = s.prober.Probe(ctx, inst.HealthEndpoint, s.probeTimeout)

	s.mu.Lock()
	if ok {
		delete(s.failures, instanceID)
	} else {
		s.failures[instanceID]++
	}
	consecutive := s.failures[instanceID]
	s.mu.Unlock()

	next := s.nextStatus(inst.Status, ok, consecutive)
	if next != inst.Status {
		s.reg.SetStatus(instanceID, next)
	}
}

// nextStatus implements the status transition table:
//   Passing -> Warning after one failed probe.
//   Warning -> Critical after K consecutive failed probes.
//   any -> Passing on any successful probe.
func (s *Sweeper) nextStatus(current registry.Status, probeOK bool, consecutiveFailures int) registry.Status {
	if probeOK {
		return registry.StatusPassing
	}
	switch current {
	case registry.StatusPassing:
		return registry.StatusWarning
	case registry.StatusWarning, registry.StatusCritical:
		if consecutiveFailures >= s.criticalAfter {
			return registry.StatusCritical
		}
		return registry.StatusWarning
	default:
		return registry.StatusWarning
	}
}
