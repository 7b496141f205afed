package mediaserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/mediaserver/catalog"
	"github.com/hazyhaar/mediaserver/idgen"
	"github.com/hazyhaar/pkg/kit"
)

// RegisterMCP registers the action and cache tools on an MCP server.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerRequestTool(srv)
	s.registerPerformImmediatelyTool(srv)
	s.registerPerformRequestedTool(srv)
	s.registerListUnperformedTool(srv)
	s.registerLastPerformedTool(srv)
	s.registerCacheClearTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

var (
	workIDProp = map[string]any{"type": "string", "description": "Work id"}
	actionProp = map[string]any{"type": "string", "description": "Registered action name, e.g. cacheDeleteAction"}
	paramsProp = map[string]any{
		"type":                 "object",
		"additionalProperties": map[string]any{"type": "string"},
		"description":          "Action parameters",
	}
)

type actionRequest struct {
	WorkID string            `json:"work_id"`
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

func (s *Server) register(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	mw := kit.Chain(mcpContext, logging(s.logger, tool.Name))
	kit.RegisterMCPTool(srv, tool, mw(endpoint), decode)
}

// decodeJSON unmarshals the tool arguments into a fresh *T.
func decodeJSON[T any]() func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r T
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}
}

// logging logs each tool call with its duration and outcome.
func logging(logger *slog.Logger, name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"tool", name,
				"transport", kit.GetTransport(ctx),
				"request_id", kit.GetRequestID(ctx),
				"duration", time.Since(start),
			}
			if err != nil {
				logger.Warn("mcp: tool failed", append(attrs, "error", err)...)
			} else {
				logger.Debug("mcp: tool done", attrs...)
			}
			return resp, err
		}
	}
}

// mcpContext tags each tool call with the mcp transport and a request id.
func mcpContext(next kit.Endpoint) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		ctx = kit.WithTransport(ctx, "mcp")
		if kit.GetRequestID(ctx) == "" {
			ctx = kit.WithRequestID(ctx, idgen.Request())
		}
		return next(ctx, req)
	}
}

func (s *Server) work(ctx context.Context, id string) (*catalog.Work, error) {
	if id == "" {
		return nil, fmt.Errorf("work_id is required")
	}
	return s.works.Get(ctx, id)
}

// --- action_request ---

func (s *Server) registerRequestTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "action_request",
		Description: "Record an action on a work for later execution by the sweeper. Fails if the same request is still pending.",
		InputSchema: inputSchema(map[string]any{
			"work_id": workIDProp,
			"action":  actionProp,
			"params":  paramsProp,
		}, []string{"work_id", "action"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*actionRequest)
		w, err := s.work(ctx, r.WorkID)
		if err != nil {
			return nil, err
		}
		return s.coord.Request(ctx, w, r.Action, r.Params)
	}
	s.register(srv, tool, endpoint, decodeJSON[actionRequest]())
}

// --- action_perform_immediately ---

func (s *Server) registerPerformImmediatelyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "action_perform_immediately",
		Description: "Run an action on a work now, without recording it.",
		InputSchema: inputSchema(map[string]any{
			"work_id": workIDProp,
			"action":  actionProp,
			"params":  paramsProp,
		}, []string{"work_id", "action"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*actionRequest)
		w, err := s.work(ctx, r.WorkID)
		if err != nil {
			return nil, err
		}
		res, err := s.coord.PerformImmediately(ctx, w, r.Action, r.Params)
		if err != nil {
			return nil, err
		}
		return Outcome{WorkID: w.ID, Action: r.Action, Result: describe(res)}, nil
	}
	s.register(srv, tool, endpoint, decodeJSON[actionRequest]())
}

// --- action_perform_requested ---

func (s *Server) registerPerformRequestedTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name: "action_perform_requested",
		Description: "Run the pending request of an action on a work and mark it completed. " +
			"Without work_id, runs every pending request.",
		InputSchema: inputSchema(map[string]any{
			"work_id": workIDProp,
			"action":  actionProp,
			"params":  paramsProp,
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*actionRequest)
		if r.WorkID == "" {
			return s.PerformAllRequested(ctx, true)
		}
		w, err := s.work(ctx, r.WorkID)
		if err != nil {
			return nil, err
		}
		res, err := s.coord.PerformRequestedFor(ctx, w, r.Action, r.Params)
		if err != nil {
			return nil, err
		}
		return Outcome{WorkID: w.ID, Action: r.Action, Result: describe(res)}, nil
	}
	s.register(srv, tool, endpoint, decodeJSON[actionRequest]())
}

// --- action_list_unperformed ---

func (s *Server) registerListUnperformedTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "action_list_unperformed",
		Description: "List requested actions that have not started yet, oldest first.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	type listReq struct{}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.coord.GetUnperformed(ctx)
	}
	s.register(srv, tool, endpoint, decodeJSON[listReq]())
}

// --- action_last_performed ---

func (s *Server) registerLastPerformedTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "action_last_performed",
		Description: "Show the most recently completed run of an action on a work.",
		InputSchema: inputSchema(map[string]any{
			"work_id": workIDProp,
			"action":  actionProp,
		}, []string{"work_id", "action"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*actionRequest)
		w, err := s.work(ctx, r.WorkID)
		if err != nil {
			return nil, err
		}
		return s.coord.LastPerformed(ctx, w, r.Action)
	}
	s.register(srv, tool, endpoint, decodeJSON[actionRequest]())
}

// --- cache_clear ---

type cacheClearRequest struct {
	WorkID          string `json:"work_id,omitempty"`
	NotTouchedSince string `json:"not_touched_since,omitempty"`
}

func (s *Server) registerCacheClearTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "cache_clear",
		Description: "Delete cached derivatives, of one work or of all, optionally only those not used for a while.",
		InputSchema: inputSchema(map[string]any{
			"work_id":           map[string]any{"type": "string", "description": "Limit to one work"},
			"not_touched_since": map[string]any{"type": "string", "description": "Age like 3d, 12h or 600 (seconds); empty deletes everything"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*cacheClearRequest)
		var age time.Duration
		if r.NotTouchedSince != "" {
			var err error
			if age, err = ParseAge(r.NotTouchedSince); err != nil {
				return nil, err
			}
		}
		if r.WorkID != "" {
			if _, err := s.works.Get(ctx, r.WorkID); err != nil {
				return nil, err
			}
		}
		return s.ClearCache(ctx, r.WorkID, age)
	}
	s.register(srv, tool, endpoint, decodeJSON[cacheClearRequest]())
}
