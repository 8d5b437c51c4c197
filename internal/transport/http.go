package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/localmem/memproxy/internal/identity"
	"github.com/localmem/memproxy/internal/proxy"
	"github.com/localmem/memproxy/internal/rpc"
)

// maxBodySize bounds an HTTP request body, single envelope or batch.
const maxBodySize = 4 << 20

// Network serves the dispatch core over HTTP. Identity is resolved per
// request from header, query string, or path segment.
type Network struct {
	core   *proxy.Core
	addr   string
	logger *slog.Logger
	server *http.Server
}

// NewNetwork creates an HTTP transport listening on addr.
func NewNetwork(core *proxy.Core, addr string, logger *slog.Logger) *Network {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Network{core: core, addr: addr, logger: logger}
	n.server = &http.Server{
		Addr:              addr,
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return n
}

// Handler builds the route table. Exposed so embedders can mount the proxy
// under their own server.
func (n *Network) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", n.handleRPC)
	mux.HandleFunc("POST /mcp/{user_id}", n.handleRPC)
	mux.HandleFunc("GET /healthz", n.handleHealth)
	return n.withRecovery(n.withLogging(mux))
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// swallowed so a clean Shutdown reads as a nil return.
func (n *Network) ListenAndServe() error {
	n.logger.Info("http transport listening", "addr", n.addr)
	if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (n *Network) Shutdown(ctx context.Context) error {
	return n.server.Shutdown(ctx)
}

func (n *Network) handleRPC(w http.ResponseWriter, r *http.Request) {
	ident := identity.Resolve(r.Header, r.URL.Query(), r.PathValue("user_id"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusOK, rpc.NewError(nil, rpc.CodeTransport, "reading request body failed"))
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		writeJSON(w, http.StatusOK, rpc.NewError(nil, rpc.CodeTransport, "empty request body"))
		return
	}

	// A leading bracket means a batch; anything else is treated as a
	// single envelope and fails closed inside DecodeRequest.
	if body[0] == '[' {
		n.handleBatch(w, r, body, ident)
		return
	}

	resp, answered := n.dispatch(r.Context(), body, ident)
	if !answered {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (n *Network) handleBatch(w http.ResponseWriter, r *http.Request, body []byte, ident identity.Identity) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		writeJSON(w, http.StatusOK, rpc.NewError(nil, rpc.CodeTransport, "malformed batch"))
		return
	}
	if len(raw) == 0 {
		writeJSON(w, http.StatusOK, rpc.NewError(nil, rpc.CodeTransport, "empty batch"))
		return
	}

	responses := make([]*rpc.Response, 0, len(raw))
	for _, item := range raw {
		if resp, answered := n.dispatch(r.Context(), item, ident); answered {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

// dispatch decodes and handles one envelope. answered is false for
// well-formed notifications, which get no response member in a batch.
// The remote host has no cancellation signal in this protocol, so a peer
// disconnect does not tear down the in-flight upstream call; its result is
// simply discarded when the response cannot be written.
func (n *Network) dispatch(ctx context.Context, raw []byte, ident identity.Identity) (*rpc.Response, bool) {
	req, errResp := rpc.DecodeRequest(raw)
	if errResp != nil {
		return errResp, true
	}
	resp := n.core.Handle(context.WithoutCancel(ctx), req, ident)
	if req.IsNotification() {
		return nil, false
	}
	return resp, true
}

func (n *Network) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"metrics": n.core.Metrics().Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("writing http response", "error", err.Error())
	}
}

// withRecovery turns a handler panic into a JSON-RPC error instead of a
// dropped connection.
func (n *Network) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				n.logger.Error("panic serving request",
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec))
				writeJSON(w, http.StatusOK,
					rpc.NewError(nil, rpc.CodeTransport, fmt.Sprintf("internal error: %v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (n *Network) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		n.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).String())
	})
}
