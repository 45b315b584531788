package recolte

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/recolte/kit"
)

// RegisterMCP registers the recolte tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerStatus(srv)
	svc.registerRunTool(srv)
	svc.registerRuns(srv)
	svc.registerFailures(srv)
}

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

// wrap applies the shared tool middleware: panic containment outermost,
// then per-call logging.
func (svc *Service) wrap(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(svc.recoverCalls(), svc.logCalls(name))(ep)
}

// recoverCalls converts endpoint panics into tool errors so one bad call
// cannot take down a stdio session.
func (svc *Service) recoverCalls() kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, request any) (resp any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("recolte: tool panic: %v", r)
				}
			}()
			return next(ctx, request)
		}
	}
}

// logCalls emits one structured line per tool call.
func (svc *Service) logCalls(name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, request any) (any, error) {
			resp, err := next(ctx, request)
			if err != nil {
				svc.logger.Warn("recolte: tool failed", "tool", name,
					"transport", kit.GetTransport(ctx), "error", err)
				return nil, err
			}
			svc.logger.Info("recolte: tool call", "tool", name,
				"transport", kit.GetTransport(ctx))
			return resp, nil
		}
	}
}

func markMCP(ctx context.Context) context.Context {
	return kit.WithTransport(ctx, "mcp")
}

func (svc *Service) registerStatus(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "recolte_status",
		Description: "Current harvest state and the last pass summary",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return svc.statusSnapshot(), nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: markMCP}, nil
	}

	kit.RegisterMCPTool(srv, tool, svc.wrap(tool.Name, endpoint), decode)
}

func (svc *Service) registerRunTool(srv *mcp.Server) {
	type req struct {
		Max int `json:"max"`
	}

	tool := &mcp.Tool{
		Name:        "recolte_run",
		Description: "Run one harvest pass and return its summary",
		InputSchema: inputSchema(map[string]any{
			"max": map[string]any{"type": "integer", "description": "Cap on identifiers taken from the inputs for this pass"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.RunCapped(ctx, p.Max)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: markMCP}, nil
	}

	kit.RegisterMCPTool(srv, tool, svc.wrap(tool.Name, endpoint), decode)
}

func (svc *Service) registerRuns(srv *mcp.Server) {
	type req struct {
		Limit int `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "recolte_runs",
		Description: "List recent harvest passes from the journal",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max passes to return"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		runs, err := svc.RecentRuns(ctx, p.Limit)
		if err != nil {
			return nil, err
		}
		if runs == nil {
			runs = []*RunRecord{}
		}
		return runs, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: markMCP}, nil
	}

	kit.RegisterMCPTool(srv, tool, svc.wrap(tool.Name, endpoint), decode)
}

func (svc *Service) registerFailures(srv *mcp.Server) {
	type req struct {
		RunID string `json:"run_id"`
		Limit int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "recolte_failures",
		Description: "List recent failed fetches, optionally scoped to one pass",
		InputSchema: inputSchema(map[string]any{
			"run_id": map[string]any{"type": "string", "description": "Scope to one pass"},
			"limit":  map[string]any{"type": "integer", "description": "Max failures to return"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		fails, err := svc.RecentFailures(ctx, p.RunID, p.Limit)
		if err != nil {
			return nil, err
		}
		if fails == nil {
			fails = []*FetchRecord{}
		}
		return fails, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: markMCP}, nil
	}

	kit.RegisterMCPTool(srv, tool, svc.wrap(tool.Name, endpoint), decode)
}
