// Package session maintains one negotiated upstream session per identity.
//
// The manager never fails a caller: when the handshake cannot produce a real
// token it records a synthetic one and marks the session unhealthy, so tool
// calls keep flowing and a later failure does not trigger a handshake storm.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/localmem/memproxy/internal/errortypes"
	"github.com/localmem/memproxy/internal/identity"
	"github.com/localmem/memproxy/internal/telemetry"
)

// DefaultIdleTTL is how long an unused session survives before the janitor
// evicts it.
const DefaultIdleTTL = 30 * time.Minute

// Handshaker opens the remote session stream and returns the scraped token.
type Handshaker interface {
	OpenStream(ctx context.Context, ident identity.Identity) (string, error)
}

// Session is the negotiated state for one identity. Values handed out by
// Ensure are copies; mutating them does not touch the manager's records.
type Session struct {
	Identity      identity.Identity
	Token         string
	EstablishedAt time.Time
	Healthy       bool

	lastUsed time.Time
}

// Manager owns the identity-to-session map. Concurrent first calls for the
// same identity are collapsed into a single handshake.
type Manager struct {
	mu       sync.Mutex
	sessions map[identity.Identity]*Session
	flight   singleflight.Group

	hs      Handshaker
	idleTTL time.Duration
	logger  *slog.Logger
	metrics *telemetry.Collector
}

// NewManager creates a session manager backed by the given handshaker.
func NewManager(hs Handshaker, idleTTL time.Duration, logger *slog.Logger, metrics *telemetry.Collector) *Manager {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewCollector()
	}
	return &Manager{
		sessions: make(map[identity.Identity]*Session),
		hs:       hs,
		idleTTL:  idleTTL,
		logger:   logger,
		metrics:  metrics,
	}
}

// Ensure returns the session for ident, negotiating one if none exists.
// An existing session is returned whether healthy or degraded; only a brand
// new identity pays the handshake cost. Ensure never returns an error: a
// failed handshake yields a synthetic-token session marked unhealthy.
func (m *Manager) Ensure(ctx context.Context, ident identity.Identity) Session {
	now := time.Now()
	m.mu.Lock()
	if s, ok := m.sessions[ident]; ok {
		if now.Sub(s.lastUsed) < m.idleTTL {
			s.lastUsed = now
			out := *s
			m.mu.Unlock()
			return out
		}
		// Expired on access; forget it and renegotiate below.
		delete(m.sessions, ident)
		m.metrics.Inc(telemetry.MetricSessionsEvicted)
	}
	m.mu.Unlock()

	// The lock is never held across the handshake; singleflight collapses
	// racing negotiations for the same identity instead.
	v, _, _ := m.flight.Do(string(ident), func() (interface{}, error) {
		return m.negotiate(ctx, ident), nil
	})
	return v.(Session)
}

func (m *Manager) negotiate(ctx context.Context, ident identity.Identity) Session {
	// A racing caller may have finished negotiation while we waited on the
	// flight group.
	m.mu.Lock()
	if s, ok := m.sessions[ident]; ok {
		s.lastUsed = time.Now()
		out := *s
		m.mu.Unlock()
		return out
	}
	m.mu.Unlock()

	m.metrics.Inc(telemetry.MetricHandshakes)
	token, err := m.hs.OpenStream(ctx, ident)
	healthy := err == nil && token != ""
	if !healthy {
		m.metrics.Inc(telemetry.MetricHandshakeFailures)
		if err != nil {
			errortypes.LogError(m.logger, errortypes.SessionError(err, "session handshake failed").
				WithField("identity", string(ident)))
		}
		token = uuid.NewString()
		m.logger.Warn("recording degraded session with synthetic token",
			"identity", string(ident))
	} else {
		m.logger.Info("session established",
			"identity", string(ident))
	}

	now := time.Now()
	s := &Session{
		Identity:      ident,
		Token:         token,
		EstablishedAt: now,
		Healthy:       healthy,
		lastUsed:      now,
	}

	m.mu.Lock()
	m.sessions[ident] = s
	out := *s
	m.mu.Unlock()
	return out
}

// Degrade marks ident's session unhealthy after a forwarding failure. The
// session and its token are kept so subsequent calls do not re-handshake.
func (m *Manager) Degrade(ident identity.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[ident]
	if !ok || !s.Healthy {
		return
	}
	s.Healthy = false
	m.metrics.Inc(telemetry.MetricSessionsDegraded)
	m.logger.Warn("session degraded after transport failure",
		"identity", string(ident))
}

// Sweep evicts sessions idle longer than the TTL and reports how many went.
func (m *Manager) Sweep() int {
	cutoff := time.Now().Add(-m.idleTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for ident, s := range m.sessions {
		if s.lastUsed.Before(cutoff) {
			delete(m.sessions, ident)
			evicted++
		}
	}
	if evicted > 0 {
		m.metrics.Add(telemetry.MetricSessionsEvicted, int64(evicted))
		m.logger.Info("evicted idle sessions", "count", evicted)
	}
	return evicted
}

// StartJanitor sweeps on the given interval until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.idleTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Len reports the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
