// Package discovery serves the registry's current instance set over
// DNS: a UDP+TCP dns.Server pair sharing one handler, a short-TTL
// answer cache, and the authoritative records rebuilt on demand from
// the registry rather than a separate refresh cycle — the registry is
// already the source of truth in this process, so there is nothing to
// resync against.
package discovery

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
)

// Server wraps the UDP and TCP DNS listeners answering for one zone.
type Server struct {
	udp    *dns.Server
	tcp    *dns.Server
	cache  *recordCache
	logger *zap.Logger

	cleanupStop chan struct{}
}

// NewServer builds a Server bound to port, answering for domain out of
// reg's current contents. It also subscribes to reg's change feed so a
// register/deregister/status transition invalidates cached answers
// immediately instead of waiting out the cache TTL.
func NewServer(reg *registry.Registry, domain string, port int, recordTTL, cacheTTL time.Duration, logger *zap.Logger) *Server {
	cache := newRecordCache(cacheTTL)
	h := newHandler(reg, cache, domain, uint32(recordTTL.Seconds()), logger)

	addr := fmt.Sprintf(":%d", port)
	s := &Server{
		udp:         &dns.Server{Addr: addr, Net: "udp", Handler: h},
		tcp:         &dns.Server{Addr: addr, Net: "tcp", Handler: h},
		cache:       cache,
		logger:      logger,
		cleanupStop: make(chan struct{}),
	}

	reg.OnChange(func(registry.Change) {
		cache.invalidateAll()
	})

	return s
}

// Start launches the UDP and TCP listeners and the cache-expiry sweep
// in background goroutines, and returns once they've been started.
// Listener failures are logged; ListenAndServe only returns on Shutdown
// or a bind error, neither of which this process can recover from.
func (s *Server) Start() {
	go func() {
		if err := s.udp.ListenAndServe(); err != nil {
			s.logger.Error("dns udp listener stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := s.tcp.ListenAndServe(); err != nil {
			s.logger.Error("dns tcp listener stopped", zap.Error(err))
		}
	}()
	go s.cleanupLoop()
}

func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cache.cleanupExpired()
		case <-s.cleanupStop:
			return
		}
	}
}

// Stop shuts down both listeners and the cleanup loop.
func (s *Server) Stop() error {
	close(s.cleanupStop)
	if err := s.udp.Shutdown(); err != nil {
		return err
	}
	return s.tcp.Shutdown()
}
