package spoke

import (
	"context"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
)

// Handler is one tool's implementation inside a spoke process. It
// receives validated arguments and the caller's context for
// cancellation/deadline propagation.
type Handler func(ctx context.Context, arguments map[string]any) (any, error)

type registeredTool struct {
	descriptor registry.ToolDescriptor
	handler    Handler
}

// Dispatcher is the per-spoke tool table: qualifiedName ->
// (descriptor, handler). Tools are values registered into the table,
// not types — adding one is a Register call.
type Dispatcher struct {
	tools map[string]registeredTool
}

// NewDispatcher returns an empty Dispatcher ready for Register calls.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{tools: make(map[string]registeredTool)}
}

// Register adds a tool to the dispatch table.
func (d *Dispatcher) Register(descriptor registry.ToolDescriptor, handler Handler) {
	d.tools[descriptor.QualifiedName] = registeredTool{descriptor: descriptor, handler: handler}
}

// Descriptors returns every registered tool's descriptor, for
// tools/list responses and for the hub Register call at startup.
func (d *Dispatcher) Descriptors() []registry.ToolDescriptor {
	out := make([]registry.ToolDescriptor, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t.descriptor)
	}
	return out
}

// Call validates arguments against the tool's input schema and
// invokes its handler. An unknown tool maps to method-not-found at
// the wire layer; schema mismatches map to invalid-params.
func (d *Dispatcher) Call(ctx context.Context, qualifiedName string, arguments map[string]any) (any, error) {
	t, ok := d.tools[qualifiedName]
	if !ok {
		return nil, rpcerr.New(rpcerr.KindMethodNotFound, "unknown tool "+qualifiedName)
	}
	if err := ValidateArguments(t.descriptor.InputSchema, arguments); err != nil {
		return nil, err
	}
	return t.handler(ctx, arguments)
}
