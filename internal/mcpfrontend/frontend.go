// Package mcpfrontend is the hub's RPC frontend: the MCP surface
// exposing initialize, tools/list, tools/call, and ping over
// mark3labs/mcp-go, with the hub's advertised tool set kept in
// lockstep with the registry — a tool appears the moment its first
// Passing instance registers and disappears when its last one goes.
package mcpfrontend

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/Songjaeheon0923/Fin-Hub/internal/logging"
	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
	"github.com/Songjaeheon0923/Fin-Hub/internal/router"
	"github.com/Songjaeheon0923/Fin-Hub/internal/rpcerr"
)

// Frontend owns the MCP server and the dynamic tool table derived
// from the registry.
type Frontend struct {
	mcp    *mcpserver.MCPServer
	reg    *registry.Registry
	rtr    *router.Router
	gate   *loadGate
	logger *zap.Logger

	mu        sync.Mutex
	published map[string]struct{} // tool names currently advertised
}

// New builds the frontend, publishes the registry's current tool set,
// and subscribes to registry changes so the advertised set tracks
// Passing-backed tools from then on.
func New(reg *registry.Registry, rtr *router.Router, serverName, version string, maxInFlight, queueCapacity int, logger *zap.Logger) *Frontend {
	f := &Frontend{
		mcp: mcpserver.NewMCPServer(serverName, version,
			mcpserver.WithToolCapabilities(true),
		),
		reg:       reg,
		rtr:       rtr,
		gate:      newLoadGate(maxInFlight, queueCapacity),
		logger:    logger,
		published: make(map[string]struct{}),
	}

	f.registerDescribeTool()
	f.resync()
	reg.OnChange(func(registry.Change) { f.resync() })

	return f
}

// Handler returns the StreamableHTTP transport for mounting on the
// hub's mux.
func (f *Frontend) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(f.mcp)
}

// MCPServer exposes the underlying server for tests and alternative
// transports.
func (f *Frontend) MCPServer() *mcpserver.MCPServer { return f.mcp }

// resync diffs the registry's Passing-backed tool set against what is
// currently advertised and applies the add/remove delta. Running the
// full diff on every change keeps the logic identical for register,
// deregister, and status transitions.
func (f *Frontend) resync() {
	desired := f.reg.ListTools(registry.StatusPassing)

	f.mu.Lock()
	defer f.mu.Unlock()

	desiredNames := make(map[string]struct{}, len(desired))
	for _, d := range desired {
		desiredNames[d.QualifiedName] = struct{}{}
		if _, ok := f.published[d.QualifiedName]; !ok {
			f.mcp.AddTool(toMCPTool(d), f.callHandler(d.QualifiedName))
			f.published[d.QualifiedName] = struct{}{}
			f.logger.Info("tool advertised", logging.ToolName(d.QualifiedName))
		}
	}

	var removed []string
	for name := range f.published {
		if _, ok := desiredNames[name]; !ok {
			removed = append(removed, name)
			delete(f.published, name)
		}
	}
	if len(removed) > 0 {
		f.mcp.DeleteTools(removed...)
		for _, name := range removed {
			f.logger.Info("tool withdrawn", logging.ToolName(name))
		}
	}
}

// callHandler produces the MCP handler for one advertised tool: admit
// through the load gate, stamp a correlation id, and hand off to the
// router.
func (f *Frontend) callHandler(toolName string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		if err := f.gate.acquire(ctx); err != nil {
			return errorResult(err), nil
		}
		defer f.gate.release()

		correlationID := uuid.NewString()
		ctx = rpcerr.WithCorrelationID(ctx, correlationID)

		result, err := f.rtr.Dispatch(ctx, toolName, request.GetArguments())
		if err != nil {
			f.logger.Warn("tools/call failed",
				logging.ToolName(toolName), logging.CorrelationID(correlationID), zap.Error(err))
			return errorResult(err), nil
		}

		data, merr := json.Marshal(result)
		if merr != nil {
			return errorResult(rpcerr.Wrap(rpcerr.KindInternal, "marshal tool result", merr)), nil
		}
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
		}, nil
	}
}

// registerDescribeTool adds the hub-owned descriptor-lookup
// extension: a single-descriptor lookup exposed as a tool so any MCP
// client can reach it without protocol additions.
func (f *Frontend) registerDescribeTool() {
	f.mcp.AddTool(
		mcplib.NewTool("hub.describe_tool",
			mcplib.WithDescription("Return the full descriptor (input/output schemas, owning service) of one advertised tool"),
			mcplib.WithString("name",
				mcplib.Description("Qualified tool name, e.g. market.stock_quote"),
				mcplib.Required(),
			),
		),
		func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			name := request.GetString("name", "")
			if name == "" {
				return errorResult(rpcerr.New(rpcerr.KindInvalidParams, "name is required")), nil
			}
			descriptor, ok := f.reg.ResolveTool(name)
			if !ok {
				return errorResult(rpcerr.New(rpcerr.KindToolNotFound, "no service owns tool "+name)), nil
			}
			data, err := json.Marshal(describeResponse(descriptor))
			if err != nil {
				return errorResult(rpcerr.Wrap(rpcerr.KindInternal, "marshal descriptor", err)), nil
			}
			return &mcplib.CallToolResult{
				Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
			}, nil
		},
	)
}

func describeResponse(d registry.ToolDescriptor) map[string]any {
	return map[string]any{
		"name":                d.QualifiedName,
		"description":         d.Description,
		"inputSchema":         schemaToJSON(d.InputSchema),
		"outputSchema":        schemaToJSON(d.OutputSchema),
		"owning_service_name": d.OwningServiceName,
	}
}

// toMCPTool converts a registry descriptor into mcp-go's tool shape.
func toMCPTool(d registry.ToolDescriptor) mcplib.Tool {
	properties, required := schemaParts(d.InputSchema)
	return mcplib.Tool{
		Name:        d.QualifiedName,
		Description: d.Description,
		InputSchema: mcplib.ToolInputSchema{
			Type:       "object",
			Properties: properties,
			Required:   required,
		},
	}
}

func schemaParts(s registry.Schema) (map[string]any, []string) {
	properties := make(map[string]any, len(s.Properties))
	var required []string
	for name, prop := range s.Properties {
		p := map[string]any{"type": prop.Type}
		if len(prop.Enum) > 0 {
			p["enum"] = prop.Enum
		}
		if prop.Minimum != nil {
			p["minimum"] = *prop.Minimum
		}
		if prop.Maximum != nil {
			p["maximum"] = *prop.Maximum
		}
		properties[name] = p
		if prop.Required {
			required = append(required, name)
		}
	}
	return properties, required
}

func schemaToJSON(s registry.Schema) map[string]any {
	properties, required := schemaParts(s)
	out := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		out["required"] = required
	}
	if !s.AdditionalProperties {
		out["additionalProperties"] = false
	}
	return out
}

// errorResult packs a typed error into an IsError tool result whose
// body carries the stable numeric code. The code rides inside the
// result rather than the transport's own error object, which mcp-go
// reserves for protocol-level failures.
func errorResult(err error) *mcplib.CallToolResult {
	code := -32603
	message := err.Error()
	var data any
	if rerr, ok := err.(*rpcerr.Error); ok {
		code = rerr.Code()
		message = rerr.Message
		data = rerr.Data
	}
	body, _ := json.Marshal(map[string]any{
		"code":    code,
		"message": message,
		"data":    data,
	})
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(body)}},
		IsError: true,
	}
}
