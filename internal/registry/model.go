// Package registry implements the service registry and health monitor:
// dynamic registration, health-gated visibility, and tag/capability-
// indexed lookup for spoke instances.
package registry

import "time"

// Status is a ServiceInstance's health state.
type Status string

const (
	StatusPassing  Status = "Passing"
	StatusWarning  Status = "Warning"
	StatusCritical Status = "Critical"
	StatusUnknown  Status = "Unknown"
)

// rank places s on the Passing > Warning > Critical > Unknown ordering
// that atLeast compares for Discover's minStatus filter.
func (s Status) rank() int {
	switch s {
	case StatusPassing:
		return 3
	case StatusWarning:
		return 2
	case StatusCritical:
		return 1
	default:
		return 0
	}
}

func (s Status) atLeast(min Status) bool {
	return s.rank() >= min.rank()
}

// ServiceInstance is one registered spoke process. Instances sharing
// a Name are peers for load balancing; ID is unique per process
// lifetime.
type ServiceInstance struct {
	ID              string
	Name            string
	Address         string
	Tags            []string
	Metadata        map[string]string
	HealthEndpoint  string
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
	Status          Status
	// CriticalSince is when the instance last entered Critical; zero
	// whenever Status is anything else. The reaper's deregistration
	// TTL runs against this clock, not the heartbeat one, so an
	// instance that keeps heartbeating with a broken health endpoint
	// is still purged.
	CriticalSince time.Time
	Version       uint64
}

func (s *ServiceInstance) hasTag(tag string) bool {
	if tag == "" {
		return true
	}
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// clone returns a defensive copy so callers of Discover/Get can't
// mutate registry-owned state through the returned slice.
func (s *ServiceInstance) clone() *ServiceInstance {
	cp := *s
	if s.Tags != nil {
		cp.Tags = append([]string(nil), s.Tags...)
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SchemaProperty describes one property of a ToolDescriptor's JSON
// Schema-shaped input/output contract: type kind, required flag,
// enumeration, numeric bounds.
type SchemaProperty struct {
	Type       string   // "string", "number", "integer", "boolean", "object", "array"
	Required   bool
	Enum       []string
	Minimum    *float64
	Maximum    *float64
}

// Schema is a flat, single-level object schema. Nested schemas are out
// of scope: every tool handler in this mesh takes a flat argument bag,
// validated for required/type/enum/range and nothing deeper.
type Schema struct {
	Properties           map[string]SchemaProperty
	AdditionalProperties bool
}

// ToolDescriptor is a declared capability of a spoke. QualifiedName
// is globally unique across the mesh at any instant.
type ToolDescriptor struct {
	QualifiedName     string
	Description       string
	InputSchema       Schema
	OutputSchema      Schema
	OwningServiceName string
}

// Registration is the input to Register: a ServiceInstance sans the
// timestamps/status/version the registry itself assigns, plus the
// tools it advertises.
type Registration struct {
	ID             string
	Name           string
	Address        string
	Tags           []string
	Metadata       map[string]string
	HealthEndpoint string
	Tools          []ToolDescriptor
}

// Filter narrows Discover/ListTools to a subset of instances.
type Filter struct {
	Name      string
	Tag       string
	MinStatus Status
}
