// Package memproxy wires the proxy's components together: configuration,
// the upstream client or direct-mode executor, the session manager, and the
// stream and HTTP transports. Import this package to embed the proxy in a
// larger process; cmd/memproxy is the standalone binary.
package memproxy

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/localmem/memproxy/internal/config"
	"github.com/localmem/memproxy/internal/errortypes"
	"github.com/localmem/memproxy/internal/identity"
	"github.com/localmem/memproxy/internal/mem0"
	"github.com/localmem/memproxy/internal/proxy"
	"github.com/localmem/memproxy/internal/session"
	"github.com/localmem/memproxy/internal/telemetry"
	"github.com/localmem/memproxy/internal/tools"
	"github.com/localmem/memproxy/internal/transport"
	"github.com/localmem/memproxy/internal/upstream"
)

// Config is the proxy configuration.
type Config = config.Config

// janitorInterval is how often idle sessions are swept.
const janitorInterval = 5 * time.Minute

// Server is the assembled proxy.
type Server struct {
	config   *config.Config
	core     *proxy.Core
	sessions *session.Manager // nil in direct mode
	network  *transport.Network
	logger   *slog.Logger
	metrics  *telemetry.Collector
}

// ServerOptions defines the options for creating a new Server.
type ServerOptions struct {
	Config     *Config      // Pre-filled config. If nil, ConfigPath is used.
	ConfigPath string       // Path to config file. Used if Config is nil. If both are empty, defaults apply.
	Logger     *slog.Logger // External logger. If nil, slog.Default() is used.
}

// NewServer creates a proxy server with the given options. When the config
// names a remote tool host, calls forward there over negotiated sessions;
// otherwise calls execute directly against the configured memory store.
func NewServer(opts ServerOptions) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var cfg *Config
	var err error
	switch {
	case opts.Config != nil:
		cfg = opts.Config
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	case opts.ConfigPath != "":
		cfg, err = config.LoadConfigWithPath(opts.ConfigPath)
		if err != nil {
			return nil, errortypes.ConfigError(err, "loading configuration from "+opts.ConfigPath)
		}
	default:
		cfg, err = config.LoadConfig()
		if err != nil {
			return nil, errortypes.ConfigError(err, "loading configuration")
		}
	}

	metrics := telemetry.NewCollector()

	var invoker proxy.Invoker
	var sessions *session.Manager
	if cfg.DirectMode() {
		logger.Info("direct mode: executing tool calls against memory store",
			"store", cfg.Store.BaseURL)
		store := mem0.NewClient(cfg.Store.BaseURL, cfg.RemoteTimeout())
		invoker = tools.NewExecutor(store, logger)
	} else {
		logger.Info("forwarding mode: proxying tool calls to remote host",
			"remote", cfg.Remote.BaseURL)
		client := upstream.NewClient(upstream.Options{
			BaseURL:        cfg.Remote.BaseURL,
			SessionPath:    cfg.Remote.SessionPath,
			MessagePath:    cfg.Remote.MessagePath,
			IdentityHeader: cfg.Remote.IdentityHeader,
			Timeout:        cfg.RemoteTimeout(),
			Logger:         logger,
		})
		sessions = session.NewManager(client, cfg.SessionIdleTTL(), logger, metrics)
		invoker = client
	}

	core := proxy.NewCore(sessions, invoker, logger, metrics)

	s := &Server{
		config:   cfg,
		core:     core,
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
	}
	if t := cfg.Proxy.Transport; t == "http" || t == "both" {
		s.network = transport.NewNetwork(core, cfg.Proxy.HTTPAddr, logger)
	}
	return s, nil
}

// DefaultConfig returns the default proxy configuration.
func DefaultConfig() *Config {
	return config.NewConfig()
}

// Core exposes the dispatch core, for embedders that bring their own
// transport.
func (s *Server) Core() *proxy.Core {
	return s.core
}

// Handler returns the HTTP route table, for embedders that mount the proxy
// under their own server instead of calling Start.
func (s *Server) Handler() http.Handler {
	if s.network == nil {
		s.network = transport.NewNetwork(s.core, s.config.Proxy.HTTPAddr, s.logger)
	}
	return s.network.Handler()
}

// Config returns the server's configuration.
func (s *Server) Config() *config.Config {
	return s.config
}

// Start runs the configured transports until ctx is cancelled or a transport
// fails. The stream transport ends when its input closes, which also stops
// the server.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if s.sessions != nil {
		g.Go(func() error {
			s.sessions.StartJanitor(ctx, janitorInterval)
			return nil
		})
	}

	if t := s.config.Proxy.Transport; t == "stdio" || t == "both" {
		ident := identity.Identity(s.config.Proxy.DefaultUserID)
		stream := transport.NewStream(s.core, ident, os.Stdin, os.Stdout, s.logger)
		g.Go(func() error {
			// A closed input ends the stream cleanly; stop the other
			// transports too instead of leaving the group waiting.
			defer cancel()
			s.logger.Info("stream transport serving", "identity", string(ident))
			return stream.Run(ctx)
		})
	}

	if s.network != nil {
		g.Go(func() error {
			return s.network.ListenAndServe()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return s.network.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
