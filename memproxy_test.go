package memproxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/localmem/memproxy/internal/identity"
	"github.com/localmem/memproxy/internal/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func TestNewServerDirectMode(t *testing.T) {
	cfg := DefaultConfig()
	srv, err := NewServer(ServerOptions{Config: cfg, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if srv.sessions != nil {
		t.Error("direct mode must not carry a session manager")
	}

	resp := srv.Core().Handle(context.Background(), &rpc.Request{
		JSONRPC: rpc.Version, ID: 1, Method: rpc.MethodListTools,
	}, identity.Default)
	if resp.IsError() {
		t.Fatalf("tools/list errored: %+v", resp.Error)
	}
}

func TestNewServerForwardingMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.BaseURL = "http://toolhost:8080"
	srv, err := NewServer(ServerOptions{Config: cfg, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if srv.sessions == nil {
		t.Error("forwarding mode needs a session manager")
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.Transport = "smoke-signals"
	if _, err := NewServer(ServerOptions{Config: cfg, Logger: testLogger()}); err == nil {
		t.Fatal("invalid transport accepted")
	}
}

func TestHandlerServesEmbedded(t *testing.T) {
	srv, err := NewServer(ServerOptions{Config: DefaultConfig(), Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp rpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.IsError() {
		t.Fatalf("initialize errored: %+v", resp.Error)
	}
}
