package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/localmem/memproxy/internal/errortypes"
	"github.com/localmem/memproxy/internal/identity"
	"github.com/localmem/memproxy/internal/rpc"
	"github.com/localmem/memproxy/internal/session"
	"github.com/localmem/memproxy/internal/telemetry"
	"github.com/localmem/memproxy/internal/tools"
	"github.com/localmem/memproxy/internal/upstream"
)

type fakeInvoker struct {
	lastReq   *rpc.Request
	lastIdent identity.Identity
	lastToken string
	resp      *rpc.Response
	err       error
	panics    bool
}

func (f *fakeInvoker) Invoke(ctx context.Context, ident identity.Identity, token string, req *rpc.Request) (*rpc.Response, error) {
	if f.panics {
		panic("invoker exploded")
	}
	f.lastReq = req
	f.lastIdent = ident
	f.lastToken = token
	if f.resp == nil && f.err == nil {
		return rpc.NewResult(req.ID, map[string]any{"ok": true}), nil
	}
	return f.resp, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func newDirectCore(inv Invoker) *Core {
	return NewCore(nil, inv, testLogger(), telemetry.NewCollector())
}

func toolCallReq(t *testing.T, id any, name string, args map[string]any) *rpc.Request {
	t.Helper()
	params, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		t.Fatal(err)
	}
	return &rpc.Request{JSONRPC: rpc.Version, ID: id, Method: rpc.MethodCallTool, Params: params}
}

func TestHandleInitialize(t *testing.T) {
	core := newDirectCore(&fakeInvoker{})
	resp := core.Handle(context.Background(), &rpc.Request{
		JSONRPC: rpc.Version, ID: "init-1", Method: rpc.MethodInitialize,
	}, identity.Default)

	if resp.IsError() {
		t.Fatalf("initialize errored: %+v", resp.Error)
	}
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != ServerName {
		t.Errorf("server name = %q", result.ServerInfo.Name)
	}
	if resp.ID != "init-1" {
		t.Errorf("id = %v, want init-1", resp.ID)
	}
}

func TestHandleListTools(t *testing.T) {
	core := newDirectCore(&fakeInvoker{})
	resp := core.Handle(context.Background(), &rpc.Request{
		JSONRPC: rpc.Version, ID: 2, Method: rpc.MethodListTools,
	}, identity.Default)

	var result struct {
		Tools []struct {
			Name        string `json:"name"`
			InputSchema any    `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) != 3 {
		t.Fatalf("listed %d tools, want 3", len(result.Tools))
	}
	for _, tool := range result.Tools {
		if tool.InputSchema == nil {
			t.Errorf("tool %s listed without schema", tool.Name)
		}
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	core := newDirectCore(&fakeInvoker{})
	resp := core.Handle(context.Background(), &rpc.Request{
		JSONRPC: rpc.Version, ID: 3, Method: "resources/list",
	}, identity.Default)
	if !resp.IsError() || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("want -32601, got %+v", resp)
	}
	if !strings.Contains(resp.Error.Message, "resources/list") {
		t.Errorf("error message should name the method: %q", resp.Error.Message)
	}
}

func TestToolCallInjectsIdentityOverForged(t *testing.T) {
	inv := &fakeInvoker{}
	core := newDirectCore(inv)

	req := toolCallReq(t, 4, tools.ToolAddPreference,
		map[string]any{"text": "hi", "user_id": "bob"})
	resp := core.Handle(context.Background(), req, identity.Identity("alice"))

	if resp.IsError() {
		t.Fatalf("call errored: %+v", resp.Error)
	}
	call, err := rpc.ParseToolCall(inv.lastReq.Params)
	if err != nil {
		t.Fatal(err)
	}
	if call.Arguments["user_id"] != "alice" {
		t.Errorf("forwarded user_id = %v, forged value must be overridden", call.Arguments["user_id"])
	}
}

func TestToolCallFreshOutboundIDAndEchoedInboundID(t *testing.T) {
	inv := &fakeInvoker{}
	core := newDirectCore(inv)

	req := toolCallReq(t, "client-7", tools.ToolGetAllPreferences, map[string]any{})
	resp := core.Handle(context.Background(), req, identity.Default)

	if inv.lastReq.ID == "client-7" {
		t.Error("outbound envelope must carry a fresh id")
	}
	if resp.ID != "client-7" {
		t.Errorf("response id = %v, want inbound id echoed", resp.ID)
	}
}

func TestToolCallUnknownTool(t *testing.T) {
	core := newDirectCore(&fakeInvoker{})
	req := toolCallReq(t, 5, "drop_tables", map[string]any{})
	resp := core.Handle(context.Background(), req, identity.Default)
	if !resp.IsError() || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("want -32601 for unknown tool, got %+v", resp)
	}
}

func TestToolCallBadParams(t *testing.T) {
	core := newDirectCore(&fakeInvoker{})
	req := &rpc.Request{
		JSONRPC: rpc.Version, ID: 6, Method: rpc.MethodCallTool,
		Params: json.RawMessage(`{"arguments":{}}`),
	}
	resp := core.Handle(context.Background(), req, identity.Default)
	if !resp.IsError() || resp.Error.Code != rpc.CodeInvalidParams {
		t.Fatalf("want -32602 for missing tool name, got %+v", resp)
	}
}

func TestToolCallMissingRequiredArg(t *testing.T) {
	core := newDirectCore(&fakeInvoker{})
	req := toolCallReq(t, 7, tools.ToolSearchPreferences, map[string]any{})
	resp := core.Handle(context.Background(), req, identity.Default)
	if !resp.IsError() || resp.Error.Code != rpc.CodeTransport {
		t.Fatalf("want -32000 for missing query, got %+v", resp)
	}
}

func TestToolCallPanicRecovered(t *testing.T) {
	core := newDirectCore(&fakeInvoker{panics: true})
	req := toolCallReq(t, 8, tools.ToolGetAllPreferences, map[string]any{})
	resp := core.Handle(context.Background(), req, identity.Default)
	if !resp.IsError() || resp.Error.Code != rpc.CodeTransport {
		t.Fatalf("want -32000 after panic, got %+v", resp)
	}
	if resp.ID != 8 {
		t.Errorf("panic envelope id = %v, want 8", resp.ID)
	}
}

func TestToolCallTransportFailureDegradesSession(t *testing.T) {
	inv := &fakeInvoker{
		resp: rpc.NewError("x", rpc.CodeTransport, "host unreachable"),
		err:  errortypes.TransportError(context.DeadlineExceeded, "forwarding failed"),
	}
	sessions := session.NewManager(handshakerFunc(func(ctx context.Context, ident identity.Identity) (string, error) {
		return "tok", nil
	}), time.Hour, testLogger(), telemetry.NewCollector())
	core := NewCore(sessions, inv, testLogger(), telemetry.NewCollector())

	req := toolCallReq(t, 9, tools.ToolGetAllPreferences, map[string]any{})
	resp := core.Handle(context.Background(), req, identity.Identity("alice"))

	if !resp.IsError() || resp.Error.Code != rpc.CodeTransport {
		t.Fatalf("want -32000, got %+v", resp)
	}
	if resp.ID != 9 {
		t.Errorf("error envelope id = %v, want 9", resp.ID)
	}
	if s := sessions.Ensure(context.Background(), "alice"); s.Healthy {
		t.Error("session should be degraded after transport failure")
	}
}

func TestToolCallUpstreamErrorPassedThrough(t *testing.T) {
	inv := &fakeInvoker{resp: rpc.NewError("y", rpc.CodeInvalidParams, "bad args upstream")}
	core := newDirectCore(inv)

	req := toolCallReq(t, 10, tools.ToolGetAllPreferences, map[string]any{})
	resp := core.Handle(context.Background(), req, identity.Default)
	if !resp.IsError() || resp.Error.Code != rpc.CodeInvalidParams {
		t.Fatalf("want upstream -32602 passed through, got %+v", resp)
	}
	if resp.ID != 10 {
		t.Errorf("id = %v, want inbound id", resp.ID)
	}
}

type handshakerFunc func(ctx context.Context, ident identity.Identity) (string, error)

func (f handshakerFunc) OpenStream(ctx context.Context, ident identity.Identity) (string, error) {
	return f(ctx, ident)
}

func TestToolCallUsesSessionToken(t *testing.T) {
	inv := &fakeInvoker{}
	sessions := session.NewManager(handshakerFunc(func(ctx context.Context, ident identity.Identity) (string, error) {
		return "tok-" + string(ident), nil
	}), time.Hour, testLogger(), telemetry.NewCollector())
	core := NewCore(sessions, inv, testLogger(), telemetry.NewCollector())

	req := toolCallReq(t, 11, tools.ToolGetAllPreferences, map[string]any{})
	core.Handle(context.Background(), req, identity.Identity("alice"))
	if inv.lastToken != "tok-alice" {
		t.Errorf("token = %q, want tok-alice", inv.lastToken)
	}

	core.Handle(context.Background(), toolCallReq(t, 12, tools.ToolGetAllPreferences, nil), identity.Identity("bob"))
	if inv.lastToken != "tok-bob" {
		t.Errorf("token = %q, distinct identities need distinct sessions", inv.lastToken)
	}
}

func TestDegradedSessionStillForwards(t *testing.T) {
	// Handshake endpoint answers 500, so negotiation falls back to a
	// synthetic token, and the call must still reach the invoker.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	hs := upstream.NewClient(upstream.Options{BaseURL: srv.URL, Logger: testLogger()})
	sessions := session.NewManager(hs, time.Hour, testLogger(), telemetry.NewCollector())
	inv := &fakeInvoker{}
	core := NewCore(sessions, inv, testLogger(), telemetry.NewCollector())

	req := toolCallReq(t, 13, tools.ToolGetAllPreferences, map[string]any{})
	resp := core.Handle(context.Background(), req, identity.Identity("alice"))

	if resp.IsError() {
		t.Fatalf("degraded session must not block calls: %+v", resp.Error)
	}
	if inv.lastToken == "" {
		t.Error("forwarded without a token; synthetic token expected")
	}
}

func TestMetricsCounted(t *testing.T) {
	metrics := telemetry.NewCollector()
	core := NewCore(nil, &fakeInvoker{}, testLogger(), metrics)

	core.Handle(context.Background(), toolCallReq(t, 14, tools.ToolGetAllPreferences, nil), identity.Default)
	core.Handle(context.Background(), toolCallReq(t, 15, "bogus", nil), identity.Default)

	if got := metrics.Counter(telemetry.MetricCallsReceived); got != 2 {
		t.Errorf("received = %d, want 2", got)
	}
	if got := metrics.Counter(telemetry.MetricCallsForwarded); got != 1 {
		t.Errorf("forwarded = %d, want 1", got)
	}
	if got := metrics.Counter(telemetry.MetricCallsFailed); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
}
