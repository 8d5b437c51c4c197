// Package proxy implements the dispatch core shared by all transports:
// protocol methods answered locally, tool calls stamped with the caller's
// identity and handed to the configured invoker.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/localmem/memproxy/internal/identity"
	"github.com/localmem/memproxy/internal/rpc"
	"github.com/localmem/memproxy/internal/session"
	"github.com/localmem/memproxy/internal/telemetry"
	"github.com/localmem/memproxy/internal/tools"
)

// Protocol constants reported from initialize.
const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "memproxy"
	ServerVersion   = "1.0.0"
)

// Invoker executes an encoded tool call for an identity. A non-nil error
// means the transport to the executing side failed; the response is then a
// ready-to-send error envelope and the identity's session gets degraded.
// Application-level failures arrive as error envelopes with a nil error.
type Invoker interface {
	Invoke(ctx context.Context, ident identity.Identity, token string, req *rpc.Request) (*rpc.Response, error)
}

// Core routes decoded envelopes. Transports own framing and identity
// resolution; Core owns everything after that.
type Core struct {
	sessions *session.Manager // nil in direct mode
	invoker  Invoker
	logger   *slog.Logger
	metrics  *telemetry.Collector
}

// NewCore creates a dispatch core. sessions may be nil when the invoker
// executes locally and needs no negotiated session.
func NewCore(sessions *session.Manager, invoker Invoker, logger *slog.Logger, metrics *telemetry.Collector) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewCollector()
	}
	return &Core{
		sessions: sessions,
		invoker:  invoker,
		logger:   logger,
		metrics:  metrics,
	}
}

// Metrics exposes the core's collector for health reporting.
func (c *Core) Metrics() *telemetry.Collector {
	return c.metrics
}

// Handle answers one decoded request on behalf of ident. It always returns
// a response; a panic anywhere below becomes a -32000 envelope so one bad
// call cannot take the transport down.
func (c *Core) Handle(ctx context.Context, req *rpc.Request, ident identity.Identity) (resp *rpc.Response) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic during dispatch",
				"method", req.Method,
				"panic", fmt.Sprint(r))
			resp = rpc.NewError(req.ID, rpc.CodeTransport,
				fmt.Sprintf("internal error: %v", r))
		}
	}()

	switch req.Method {
	case rpc.MethodInitialize:
		return rpc.NewResult(req.ID, initializeResult())
	case rpc.MethodListTools:
		return rpc.NewResult(req.ID, map[string]any{"tools": tools.Catalog()})
	case rpc.MethodCallTool:
		return c.handleToolCall(ctx, req, ident)
	default:
		return rpc.NewError(req.ID, rpc.CodeMethodNotFound,
			fmt.Sprintf("Method not found: %s", req.Method))
	}
}

func (c *Core) handleToolCall(ctx context.Context, req *rpc.Request, ident identity.Identity) *rpc.Response {
	c.metrics.Inc(telemetry.MetricCallsReceived)

	call, err := rpc.ParseToolCall(req.Params)
	if err != nil {
		c.metrics.Inc(telemetry.MetricCallsFailed)
		return rpc.NewError(req.ID, rpc.CodeInvalidParams, err.Error())
	}

	tool, ok := tools.Find(call.Name)
	if !ok {
		c.metrics.Inc(telemetry.MetricCallsFailed)
		return rpc.NewError(req.ID, rpc.CodeMethodNotFound,
			fmt.Sprintf("Unknown tool: %s", call.Name))
	}

	// The resolved identity always wins over whatever user_id the caller
	// put in the arguments.
	call.InjectIdentity(string(ident))

	if err := tools.ValidateArgs(tool, call.Arguments); err != nil {
		c.metrics.Inc(telemetry.MetricCallsFailed)
		return rpc.NewError(req.ID, rpc.CodeTransport, err.Error())
	}

	outbound, err := rpc.NewToolCall(call.Name, call.Arguments)
	if err != nil {
		c.metrics.Inc(telemetry.MetricCallsFailed)
		return rpc.NewError(req.ID, rpc.CodeTransport, err.Error())
	}

	var token string
	if c.sessions != nil {
		token = c.sessions.Ensure(ctx, ident).Token
	}

	c.metrics.Inc(telemetry.MetricCallsForwarded)
	start := time.Now()
	resp, err := c.invoker.Invoke(ctx, ident, token, outbound)
	c.metrics.Observe(telemetry.MetricForwardTime, time.Since(start))

	if err != nil {
		c.metrics.Inc(telemetry.MetricCallsFailed)
		if c.sessions != nil {
			c.sessions.Degrade(ident)
		}
		c.logger.Warn("tool call forwarding failed",
			"tool", call.Name,
			"identity", string(ident),
			"error", err.Error())
		if resp == nil {
			resp = rpc.NewError(req.ID, rpc.CodeTransport, err.Error())
		}
	} else if resp.IsError() {
		c.metrics.Inc(telemetry.MetricCallsFailed)
	}

	// The caller correlates by the inbound id; the outbound one was ours.
	resp.ID = req.ID
	return resp
}

func initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools":        map[string]any{"listChanged": false},
			"experimental": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": ServerVersion,
		},
	}
}
