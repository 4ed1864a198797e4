package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/nous/kit"
)

// RegisterMCP registers the admin tools on srv.
func (g *Gateway) RegisterMCP(srv *mcp.Server) {
	g.registerStatusTool(srv)
	g.registerQueueTool(srv)
	g.registerActivateTool(srv)
	g.registerClearTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// logged records each tool call.
func (g *Gateway) logged(tool string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			g.log.InfoContext(ctx, "gateway: mcp tool", "tool", tool,
				"duration", time.Since(start), "error", err)
			return resp, err
		}
	}
}

func decodeArgs[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

// --- status ---

func (g *Gateway) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "offline_status",
		Description: "Report the active cache generation, every known generation with its state, remote reachability and the number of queued writes.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return g.Status(ctx)
	}
	kit.RegisterMCPTool(srv, tool, kit.Chain(g.logged(tool.Name))(endpoint), kit.DecodeNone)
}

// --- queue ---

type queueRequest struct {
	Limit int `json:"limit,omitempty"`
}

func (g *Gateway) registerQueueTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "offline_queue",
		Description: "List writes waiting to be replayed to the document store, oldest first.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max entries (default 100)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*queueRequest)
		if r.Limit <= 0 {
			r.Limit = 100
		}
		return g.Pending(ctx, r.Limit)
	}
	kit.RegisterMCPTool(srv, tool, kit.Chain(g.logged(tool.Name))(endpoint), decodeArgs[queueRequest])
}

// --- activate ---

type activateRequest struct {
	Generation string `json:"generation,omitempty"`
}

func (g *Gateway) registerActivateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "offline_activate",
		Description: "Activate a waiting generation now. Without a generation, the newest waiting one is activated. Older generations are evicted and clients are notified.",
		InputSchema: inputSchema(map[string]any{
			"generation": map[string]any{"type": "string", "description": "Generation to activate (default: newest waiting)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*activateRequest)
		gen, err := g.Activate(ctx, r.Generation)
		if err != nil {
			return nil, err
		}
		return map[string]string{"active": gen}, nil
	}
	kit.RegisterMCPTool(srv, tool, kit.Chain(g.logged(tool.Name))(endpoint), decodeArgs[activateRequest])
}

// --- clear ---

func (g *Gateway) registerClearTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "offline_clear",
		Description: "Delete every cached generation, then reinstall and reactivate the generation that was active.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return g.Clear(ctx)
	}
	kit.RegisterMCPTool(srv, tool, kit.Chain(g.logged(tool.Name))(endpoint), kit.DecodeNone)
}
