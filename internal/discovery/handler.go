package discovery

import (
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
)

// handler implements dns.Handler: cache-first, then answer from the
// registry-backed record builder. It is scoped to a single
// authoritative zone — this mesh's DNS surface only ever answers for
// its own domain, so there is no upstream-forwarding branch.
type handler struct {
	builder *recordBuilder
	cache   *recordCache
	domain  string
	logger  *zap.Logger
}

func newHandler(reg *registry.Registry, cache *recordCache, domain string, ttl uint32, logger *zap.Logger) *handler {
	return &handler{
		builder: newRecordBuilder(reg, domain, ttl),
		cache:   cache,
		domain:  strings.TrimSuffix(strings.ToLower(domain), "."),
		logger:  logger,
	}
}

func (h *handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	if r.Opcode != dns.OpcodeQuery || len(r.Question) == 0 {
		m.Rcode = dns.RcodeFormatError
		_ = w.WriteMsg(m)
		return
	}

	q := r.Question[0]
	name := strings.ToLower(q.Name)

	if !strings.HasSuffix(strings.TrimSuffix(name, "."), h.domain) {
		m.Rcode = dns.RcodeRefused
		_ = w.WriteMsg(m)
		return
	}

	key := cacheKey(q)
	if cached := h.cache.get(key); cached != nil {
		cached.Id = r.Id
		_ = w.WriteMsg(cached)
		return
	}

	answers := h.builder.answer(name, q.Qtype)
	if len(answers) == 0 {
		m.Rcode = dns.RcodeNameError
		_ = w.WriteMsg(m)
		return
	}

	m.Answer = answers
	h.cache.set(key, m)
	_ = w.WriteMsg(m)
}
