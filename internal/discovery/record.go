package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
)

// recordBuilder turns registry lookups into dns.RR answers, reading
// live from the in-process registry — a Consul-style discovery
// protocol expressed over the same store rather than a second one.
//
// Supported name shapes under domain (default "finhub.local"):
//
//	<name>.<domain>.              -> A records, every Passing instance
//	<tag>.<name>.<domain>.        -> A records, tag-filtered
//	_<name>._tcp.<domain>.        -> SRV records, every Passing instance
//	_<name>._tcp.<tag>.<domain>.  -> SRV records, tag-filtered
type recordBuilder struct {
	reg    *registry.Registry
	domain string
	ttl    uint32
}

func newRecordBuilder(reg *registry.Registry, domain string, ttl uint32) *recordBuilder {
	return &recordBuilder{reg: reg, domain: strings.TrimSuffix(strings.ToLower(domain), "."), ttl: ttl}
}

func (rb *recordBuilder) answer(name string, qtype uint16) []dns.RR {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if !strings.HasSuffix(name, rb.domain) {
		return nil
	}

	switch qtype {
	case dns.TypeA:
		return rb.aRecords(name)
	case dns.TypeSRV:
		return rb.srvRecords(name)
	default:
		return nil
	}
}

func (rb *recordBuilder) aRecords(name string) []dns.RR {
	service, tag := rb.parseServiceName(name)
	if service == "" {
		return nil
	}
	instances := rb.reg.Discover(registry.Filter{Name: service, Tag: tag, MinStatus: registry.StatusPassing})

	var out []dns.RR
	for _, inst := range instances {
		host, _, err := net.SplitHostPort(inst.Address)
		if err != nil {
			host = inst.Address
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s. %d IN A %s", name, rb.ttl, host))
		if err != nil {
			continue
		}
		out = append(out, rr)
	}
	return out
}

func (rb *recordBuilder) srvRecords(name string) []dns.RR {
	service, tag := rb.parseSRVName(name)
	if service == "" {
		return nil
	}
	instances := rb.reg.Discover(registry.Filter{Name: service, Tag: tag, MinStatus: registry.StatusPassing})

	var out []dns.RR
	for _, inst := range instances {
		host, portStr, err := net.SplitHostPort(inst.Address)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		target := fmt.Sprintf("%s.%s.", service, rb.domain)
		rr, err := dns.NewRR(fmt.Sprintf("%s. %d IN SRV 10 10 %d %s", name, rb.ttl, port, target))
		if err != nil {
			continue
		}
		_ = host // the A record for target carries the address; SRV only needs the port+target
		out = append(out, rr)
	}
	return out
}

// parseServiceName splits "<tag>.<name>.<domain>" or "<name>.<domain>"
// into its service name and optional tag.
func (rb *recordBuilder) parseServiceName(name string) (service, tag string) {
	prefix := strings.TrimSuffix(name, "."+rb.domain)
	if prefix == name {
		return "", ""
	}
	parts := strings.Split(prefix, ".")
	switch len(parts) {
	case 1:
		return parts[0], ""
	case 2:
		return parts[1], parts[0]
	default:
		return "", ""
	}
}

// parseSRVName splits "_<name>._tcp.<domain>" or
// "_<name>._tcp.<tag>.<domain>" into its service name and optional tag.
func (rb *recordBuilder) parseSRVName(name string) (service, tag string) {
	prefix := strings.TrimSuffix(name, "."+rb.domain)
	if prefix == name {
		return "", ""
	}
	parts := strings.Split(prefix, ".")
	if len(parts) < 2 || parts[1] != "_tcp" || !strings.HasPrefix(parts[0], "_") {
		return "", ""
	}
	service = strings.TrimPrefix(parts[0], "_")
	if len(parts) >= 3 {
		tag = parts[2]
	}
	return service, tag
}
