package mediaserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/hazyhaar/pkg/kit"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/mediaserver/structure/structuretest"
	"github.com/hazyhaar/mediaserver/workactions"
)

var testImpl = &mcp.Implementation{Name: "mediaserver-test", Version: "0.1.0"}

// mcpSession returns a server with its tools registered and a connected
// client session.
func mcpSession(t *testing.T) (*Server, *mcp.ClientSession) {
	t.Helper()
	s := testServer(t)

	srv := mcp.NewServer(testImpl, nil)
	s.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return s, session
}

func call(t *testing.T, session *mcp.ClientSession, name string, args any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return result
}

func text(res *mcp.CallToolResult) string {
	if len(res.Content) == 0 {
		return ""
	}
	if tc, ok := res.Content[0].(*mcp.TextContent); ok {
		return tc.Text
	}
	return ""
}

// callTool invokes a tool and decodes the JSON text of the first content.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args any, out any) {
	t.Helper()
	result := call(t, session, name, args)
	if result.IsError {
		t.Fatalf("CallTool(%s) tool error: %s", name, text(result))
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	if out != nil {
		if err := json.Unmarshal([]byte(tc.Text), out); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.Text, err)
		}
	}
}

type recordOut struct {
	ID     string            `json:"id"`
	WorkID string            `json:"work_id"`
	Action string            `json:"action"`
	Params map[string]string `json:"params"`
	State  string            `json:"state"`
}

func TestMCP_ListTools(t *testing.T) {
	_, session := mcpSession(t)
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, tool := range res.Tools {
		got[tool.Name] = true
	}
	for _, name := range []string{
		"action_request", "action_perform_immediately", "action_perform_requested",
		"action_list_unperformed", "action_last_performed", "cache_clear",
	} {
		if !got[name] {
			t.Errorf("missing tool %s", name)
		}
	}
}

func TestMCP_RequestLifecycle(t *testing.T) {
	_, session := mcpSession(t)
	args := map[string]any{
		"work_id": "ppn1",
		"action":  workactions.WorkLock,
		"params":  map[string]string{"enabled": "false", "reduceMets": "false"},
	}

	var rec recordOut
	callTool(t, session, "action_request", args, &rec)
	if rec.ID == "" || rec.State != "requested" || rec.Params["enabled"] != "false" {
		t.Fatalf("request: %+v", rec)
	}

	res := call(t, session, "action_request", args)
	if !res.IsError || !strings.Contains(text(res), "already requested") {
		t.Fatalf("duplicate request: %+v", res)
	}

	var pending []recordOut
	callTool(t, session, "action_list_unperformed", map[string]any{}, &pending)
	if len(pending) != 1 || pending[0].ID != rec.ID {
		t.Fatalf("unperformed: %+v", pending)
	}

	callTool(t, session, "action_perform_requested", args, nil)

	callTool(t, session, "action_list_unperformed", map[string]any{}, &pending)
	if len(pending) != 0 {
		t.Fatalf("still pending: %+v", pending)
	}

	var last recordOut
	callTool(t, session, "action_last_performed", map[string]any{"work_id": "ppn1", "action": workactions.WorkLock}, &last)
	if last.ID != rec.ID || last.State != "completed" {
		t.Fatalf("last performed: %+v", last)
	}

	if res := call(t, session, "action_perform_requested", args); !res.IsError {
		t.Fatal("nothing left to perform")
	}
}

func TestMCP_PerformImmediately(t *testing.T) {
	s, session := mcpSession(t)
	key := "ppn2/" + structuretest.JPEG(1)

	var out struct {
		WorkID string         `json:"work_id"`
		Result DerivativeInfo `json:"result"`
	}
	callTool(t, session, "action_perform_immediately", map[string]any{
		"work_id": "ppn2",
		"action":  workactions.SingleFileConvert,
		"params": map[string]string{
			"derivativePath": key,
			"requestUrl":     structuretest.URL("ppn2", structuretest.JPEG(1)),
		},
	}, &out)
	if out.WorkID != "ppn2" || out.Result.MIME != "image/jpeg" || !out.Result.Produced {
		t.Fatalf("outcome: %+v", out)
	}
	if _, ok := s.Guard().Lookup(key); !ok {
		t.Fatal("derivative not cached")
	}

	res := call(t, session, "action_perform_immediately", map[string]any{
		"work_id": "ppn2",
		"action":  workactions.SingleFileConverter,
	})
	if !res.IsError || !strings.Contains(text(res), "not an action") {
		t.Fatalf("converter binding: %+v", res)
	}

	if res := call(t, session, "action_perform_immediately", map[string]any{"action": workactions.CacheDelete}); !res.IsError {
		t.Fatal("missing work_id should fail")
	}
}

func TestMCP_CacheClear(t *testing.T) {
	s, session := mcpSession(t)
	key := "ppn1/" + structuretest.JPEG(1)
	if _, err := s.Perform(context.Background(), []string{"ppn1"}, workactions.SingleFileConvert, map[string]string{
		"derivativePath": key,
		"requestUrl":     structuretest.URL("ppn1", structuretest.JPEG(1)),
	}, false); err != nil {
		t.Fatal(err)
	}

	var stats struct {
		Files int `json:"files"`
	}
	callTool(t, session, "cache_clear", map[string]any{"work_id": "ppn1", "not_touched_since": "3d"}, &stats)
	if stats.Files != 0 {
		t.Fatalf("fresh derivative removed: %+v", stats)
	}
	callTool(t, session, "cache_clear", map[string]any{"work_id": "ppn1"}, &stats)
	if stats.Files != 1 {
		t.Fatalf("clear: %+v", stats)
	}
	if _, ok := s.Guard().Lookup(key); ok {
		t.Fatal("derivative still cached")
	}

	if res := call(t, session, "cache_clear", map[string]any{"not_touched_since": "soon"}); !res.IsError {
		t.Fatal("bad age should fail")
	}
	if res := call(t, session, "cache_clear", map[string]any{"work_id": "ghost"}); !res.IsError {
		t.Fatal("unknown work should fail")
	}
}

func TestLogging_ReportsFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	errFail := errors.New("fail")

	var seen context.Context
	ep := kit.Chain(mcpContext, logging(logger, "action_request"))(func(ctx context.Context, _ any) (any, error) {
		seen = ctx
		return nil, errFail
	})
	if _, err := ep(context.Background(), nil); !errors.Is(err, errFail) {
		t.Fatalf("error: got %v", err)
	}
	if kit.GetTransport(seen) != "mcp" || !strings.HasPrefix(kit.GetRequestID(seen), "req_") {
		t.Fatalf("context: %q %q", kit.GetTransport(seen), kit.GetRequestID(seen))
	}
	out := buf.String()
	if !strings.Contains(out, "tool=action_request") || !strings.Contains(out, "transport=mcp") {
		t.Fatalf("log output missing attributes: %s", out)
	}
}

func TestDecodeJSON(t *testing.T) {
	decode := decodeJSON[actionRequest]()
	res, err := decode(&mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{
		Arguments: json.RawMessage(`{"work_id":"ppn1","action":"workLockAction","params":{"enabled":"true"}}`),
	}})
	if err != nil {
		t.Fatal(err)
	}
	r := res.Request.(*actionRequest)
	if r.WorkID != "ppn1" || r.Action != "workLockAction" || r.Params["enabled"] != "true" {
		t.Fatalf("decoded %+v", r)
	}
	if _, err := decode(&mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Arguments: json.RawMessage(`{`)}}); err == nil {
		t.Fatal("expected error for malformed arguments")
	}
}
