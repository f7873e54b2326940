package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
)

// Mirror is the optional durable write-through backing store used for
// crash recovery. A nil Mirror means in-memory-only.
// internal/etcdstore implements this against etcd. Tool descriptors
// ride along with the instance so a recovered registry advertises the
// same tools it did before the crash.
type Mirror interface {
	Put(ctx context.Context, inst *ServiceInstance, tools []ToolDescriptor) error
	Delete(ctx context.Context, id string) error
}

// ChangeKind identifies what happened to an instance for listeners
// such as internal/mcpfrontend (dynamic tool add/remove) and
// internal/breaker (cell eviction).
type ChangeKind string

const (
	ChangeRegistered   ChangeKind = "registered"
	ChangeDeregistered ChangeKind = "deregistered"
	ChangeStatus       ChangeKind = "status"
)

// Change is delivered to listeners registered via OnChange.
type Change struct {
	Kind     ChangeKind
	Instance *ServiceInstance
	Tools    []ToolDescriptor // populated on ChangeRegistered
}

// Registry is the in-memory authoritative store of ServiceInstances
// and ToolDescriptors. Reads take the read lock; writes are fully
// serialized, so a register/deregister is observable in full or not
// at all.
type Registry struct {
	mu sync.RWMutex

	instances map[string]*ServiceInstance          // instanceId -> instance
	byName    map[string]map[string]struct{}       // name -> set of instanceId
	tools     map[string]ToolDescriptor            // qualifiedName -> descriptor
	toolsByOwner map[string]map[string]struct{}    // owning service name -> set of qualifiedName

	mirror Mirror
	logger *zap.Logger

	listenersMu sync.Mutex
	listeners   []func(Change)
}

// New constructs an empty Registry. mirror may be nil.
func New(mirror Mirror, logger *zap.Logger) *Registry {
	return &Registry{
		instances:    make(map[string]*ServiceInstance),
		byName:       make(map[string]map[string]struct{}),
		tools:        make(map[string]ToolDescriptor),
		toolsByOwner: make(map[string]map[string]struct{}),
		mirror:       mirror,
		logger:       logger,
	}
}

// OnChange registers a listener invoked (synchronously, after the
// registry's write lock is released) on every register/deregister/
// status transition. Intended for low-cardinality listener sets
// (the MCP frontend's dynamic tool table, the breaker's eviction
// sweep) — it is not a general pub/sub bus.
func (r *Registry) OnChange(fn func(Change)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify(c Change) {
	r.listenersMu.Lock()
	fns := append([]func(Change){}, r.listeners...)
	r.listenersMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Register assigns registeredAt/status/version and stores the
// instance and its tool descriptors. A tool name collision with
// another service name is rejected outright — the caller (and the
// colliding instance) never become visible.
func (r *Registry) Register(ctx context.Context, reg Registration) (*ServiceInstance, error) {
	if reg.Name == "" || reg.Address == "" {
		return nil, rpcerr.New(rpcerr.KindInvalidParams, "registration requires name and address")
	}
	id := reg.ID
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()

	for _, t := range reg.Tools {
		if existing, ok := r.tools[t.QualifiedName]; ok && existing.OwningServiceName != reg.Name {
			r.mu.Unlock()
			return nil, rpcerr.New(rpcerr.KindInvalidParams,
				"tool "+t.QualifiedName+" already owned by service "+existing.OwningServiceName)
		}
	}

	now := time.Now()
	inst := &ServiceInstance{
		ID:              id,
		Name:            reg.Name,
		Address:         reg.Address,
		Tags:            append([]string(nil), reg.Tags...),
		Metadata:        copyMeta(reg.Metadata),
		HealthEndpoint:  reg.HealthEndpoint,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		Status:          StatusPassing,
		Version:         1,
	}
	r.instances[id] = inst
	if r.byName[reg.Name] == nil {
		r.byName[reg.Name] = make(map[string]struct{})
	}
	r.byName[reg.Name][id] = struct{}{}

	for _, t := range reg.Tools {
		t.OwningServiceName = reg.Name
		r.tools[t.QualifiedName] = t
		if r.toolsByOwner[reg.Name] == nil {
			r.toolsByOwner[reg.Name] = make(map[string]struct{})
		}
		r.toolsByOwner[reg.Name][t.QualifiedName] = struct{}{}
	}

	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.Put(ctx, inst, reg.Tools); err != nil {
			r.deregisterLocked(id)
			return nil, rpcerr.Wrap(rpcerr.KindInternal, "durable mirror write failed", err)
		}
	}

	r.notify(Change{Kind: ChangeRegistered, Instance: inst.clone(), Tools: reg.Tools})
	return inst.clone(), nil
}

// Deregister removes the instance and its breaker-relevant identity.
// If no instances of that name remain, its tool descriptors are
// removed too.
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	inst, removedTools, ok := r.deregisterLocked(instanceID)
	if !ok {
		return rpcerr.New(rpcerr.KindInvalidParams, "unknown instance "+instanceID)
	}
	if r.mirror != nil {
		if err := r.mirror.Delete(ctx, instanceID); err != nil {
			r.logger.Warn("durable mirror delete failed", zap.String("instance", instanceID), zap.Error(err))
		}
	}
	r.notify(Change{Kind: ChangeDeregistered, Instance: inst, Tools: removedTools})
	return nil
}

func (r *Registry) deregisterLocked(instanceID string) (*ServiceInstance, []ToolDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, nil, false
	}
	delete(r.instances, instanceID)
	if set := r.byName[inst.Name]; set != nil {
		delete(set, instanceID)
		if len(set) == 0 {
			delete(r.byName, inst.Name)
		}
	}

	var removed []ToolDescriptor
	if _, remaining := r.byName[inst.Name]; !remaining {
		for name := range r.toolsByOwner[inst.Name] {
			removed = append(removed, r.tools[name])
			delete(r.tools, name)
		}
		delete(r.toolsByOwner, inst.Name)
	}
	return inst.clone(), removed, true
}

// Heartbeat refreshes lastHeartbeatAt, the staleness clock the TTL
// reaper watches. Status recovery from Critical is the health
// sweeper's job — its next successful probe flips the instance back
// to Passing; Heartbeat never touches status itself.
func (r *Registry) Heartbeat(instanceID string) error {
	r.mu.Lock()
	inst, ok := r.instances[instanceID]
	if !ok {
		r.mu.Unlock()
		return rpcerr.New(rpcerr.KindInvalidParams, "unknown instance "+instanceID)
	}
	inst.LastHeartbeatAt = time.Now()
	inst.Version++
	r.mu.Unlock()
	return nil
}

// SetStatus transitions an instance's health status, bumping its
// version so readers can detect stale views. Called by the health
// sweeper, never by clients directly.
func (r *Registry) SetStatus(instanceID string, status Status) {
	r.mu.Lock()
	inst, ok := r.instances[instanceID]
	if !ok || inst.Status == status {
		r.mu.Unlock()
		return
	}
	inst.Status = status
	if status == StatusCritical {
		inst.CriticalSince = time.Now()
	} else {
		inst.CriticalSince = time.Time{}
	}
	inst.Version++
	snapshot := inst.clone()
	r.mu.Unlock()
	r.notify(Change{Kind: ChangeStatus, Instance: snapshot})
}

// Discover returns instances matching the filter.
func (r *Registry) Discover(f Filter) []*ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ServiceInstance
	candidates := r.instances
	if f.Name != "" {
		candidates = make(map[string]*ServiceInstance, len(r.byName[f.Name]))
		for id := range r.byName[f.Name] {
			candidates[id] = r.instances[id]
		}
	}
	minStatus := f.MinStatus
	if minStatus == "" {
		minStatus = StatusUnknown
	}
	for _, inst := range candidates {
		if !inst.Status.atLeast(minStatus) {
			continue
		}
		if !inst.hasTag(f.Tag) {
			continue
		}
		out = append(out, inst.clone())
	}
	return out
}

// Get returns a single instance by id, or false if unknown.
func (r *Registry) Get(instanceID string) (*ServiceInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, false
	}
	return inst.clone(), true
}

// AllInstanceIDs returns every registered instance id, used by the
// health sweeper to schedule probes each tick.
func (r *Registry) AllInstanceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	return ids
}

// ListTools returns descriptors whose owning service has at least one
// instance meeting minStatus, so a tool whose only instances are
// Critical is never advertised.
func (r *Registry) ListTools(minStatus Status) []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if minStatus == "" {
		minStatus = StatusPassing
	}
	var out []ToolDescriptor
	for name, desc := range r.tools {
		if r.ownerHasStatusLocked(desc.OwningServiceName, minStatus) {
			_ = name
			out = append(out, desc)
		}
	}
	return out
}

// ResolveTool returns the descriptor (and owning service name) for a
// tool, or false if the tool is unknown.
func (r *Registry) ResolveTool(qualifiedName string) (ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[qualifiedName]
	return d, ok
}

func (r *Registry) ownerHasStatusLocked(serviceName string, minStatus Status) bool {
	for id := range r.byName[serviceName] {
		if r.instances[id].Status.atLeast(minStatus) {
			return true
		}
	}
	return false
}

// ReapStale removes instances that have sat in Critical for longer
// than deregisterAfter (measured from CriticalSince, so a process
// that keeps heartbeating with a failing health endpoint is still
// purged), and instances whose heartbeat alone is older than
// heartbeatTTL regardless of probe results — whichever trips first
// wins. Returns the deregistered instance ids.
func (r *Registry) ReapStale(now time.Time, deregisterAfter, heartbeatTTL time.Duration) []string {
	var toRemove []string
	r.mu.RLock()
	for id, inst := range r.instances {
		stale := now.Sub(inst.LastHeartbeatAt) > heartbeatTTL
		criticalTooLong := inst.Status == StatusCritical &&
			!inst.CriticalSince.IsZero() && now.Sub(inst.CriticalSince) > deregisterAfter
		if stale || criticalTooLong {
			toRemove = append(toRemove, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range toRemove {
		if err := r.Deregister(context.Background(), id); err != nil {
			continue
		}
		if r.logger != nil {
			r.logger.Info("reaped stale instance", zap.String("instance", id))
		}
	}
	return toRemove
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
