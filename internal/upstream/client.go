// Package upstream talks to the remote tool host: it opens the streaming
// session endpoint during negotiation and forwards encoded tool-call
// envelopes to the invoke endpoint.
//
// Session-token scraping from the event stream is best-effort by nature and
// deliberately confined to this package, so a structured handshake response
// in a future protocol version only touches OpenStream.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/localmem/memproxy/internal/errortypes"
	"github.com/localmem/memproxy/internal/identity"
	"github.com/localmem/memproxy/internal/rpc"
)

// Defaults matching the deployed tool host.
const (
	DefaultSessionPath    = "/sse"
	DefaultMessagePath    = "/messages/"
	DefaultIdentityHeader = "X-User-ID"
	DefaultTimeout        = 30 * time.Second
)

// tokenMarker introduces the session token inside the handshake stream's
// endpoint event, e.g. "data: /messages/?session_id=<token>".
const tokenMarker = "session_id="

// handshakeScanLimit bounds how much of the stream the token scan reads.
const handshakeScanLimit = 64 << 10

// Options configures a Client. Zero values fall back to the deployed
// defaults above.
type Options struct {
	BaseURL        string
	SessionPath    string
	MessagePath    string
	IdentityHeader string
	Timeout        time.Duration
	Logger         *slog.Logger
}

// Client is an HTTP client for one remote tool host.
type Client struct {
	baseURL        string
	sessionPath    string
	messagePath    string
	identityHeader string
	http           *http.Client
	logger         *slog.Logger
}

// NewClient creates a client for the tool host at opts.BaseURL.
func NewClient(opts Options) *Client {
	if opts.SessionPath == "" {
		opts.SessionPath = DefaultSessionPath
	}
	if opts.MessagePath == "" {
		opts.MessagePath = DefaultMessagePath
	}
	if opts.IdentityHeader == "" {
		opts.IdentityHeader = DefaultIdentityHeader
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		sessionPath:    opts.SessionPath,
		messagePath:    opts.MessagePath,
		identityHeader: opts.IdentityHeader,
		http:           &http.Client{Timeout: opts.Timeout},
		logger:         opts.Logger,
	}
}

// BaseURL returns the remote endpoint this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// OpenStream performs the session handshake: it requests the session
// endpoint with the identity attached out-of-band and scans the first chunk
// of the returned stream for the session token. An empty token with a nil
// error means the handshake succeeded at the transport level but carried no
// token; the negotiator decides what to do with either outcome.
func (c *Client) OpenStream(ctx context.Context, ident identity.Identity) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.sessionPath, nil)
	if err != nil {
		return "", errortypes.SessionError(err, "building handshake request")
	}
	req.Header.Set(c.identityHeader, string(ident))
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errortypes.SessionError(err, "handshake request failed").
			WithField("endpoint", c.baseURL+c.sessionPath)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errortypes.SessionError(
			fmt.Errorf("handshake returned status %d", resp.StatusCode),
			"session endpoint rejected handshake").
			WithField("status", resp.StatusCode)
	}

	token := scanForToken(io.LimitReader(resp.Body, handshakeScanLimit))
	if token == "" {
		c.logger.Warn("handshake stream carried no session token",
			"identity", string(ident))
	}
	return token, nil
}

// scanForToken reads stream lines until it finds an event data line carrying
// the session-token marker, the scan limit is hit, or the stream ends.
func scanForToken(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		idx := strings.Index(line, tokenMarker)
		if idx < 0 {
			continue
		}
		token := line[idx+len(tokenMarker):]
		if amp := strings.IndexByte(token, '&'); amp >= 0 {
			token = token[:amp]
		}
		return strings.TrimSpace(token)
	}
	return ""
}

// Invoke forwards an encoded tool-call envelope to the remote host using the
// session token. The returned error is non-nil only for transport-level
// failures (network error, non-success status, undecodable body); in that
// case the response is a ready-to-send error envelope and the caller should
// degrade the identity's session. Upstream application errors arrive as
// error envelopes with a nil error and are passed through verbatim.
func (c *Client) Invoke(ctx context.Context, ident identity.Identity, token string, req *rpc.Request) (*rpc.Response, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		wrapped := errortypes.InternalError(err, "encoding outbound envelope")
		return rpc.NewError(req.ID, rpc.CodeTransport, wrapped.Error()), wrapped
	}

	u := c.baseURL + c.messagePath
	if token != "" {
		u += "?" + url.Values{"session_id": {token}}.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		wrapped := errortypes.TransportError(err, "building forward request")
		return rpc.NewError(req.ID, rpc.CodeTransport, wrapped.Error()), wrapped
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(c.identityHeader, string(ident))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		wrapped := errortypes.TransportError(err, "forwarding to tool host failed").
			WithField("endpoint", u)
		return rpc.NewError(req.ID, rpc.CodeTransport, wrapped.Error()), wrapped
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		wrapped := errortypes.TransportError(err, "reading tool host response")
		return rpc.NewError(req.ID, rpc.CodeTransport, wrapped.Error()), wrapped
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		wrapped := errortypes.TransportError(
			fmt.Errorf("tool host returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			"forwarding rejected").
			WithFields(map[string]interface{}{
				"status":   resp.StatusCode,
				"endpoint": u,
			})
		return rpc.NewError(req.ID, rpc.CodeTransport, wrapped.Error()), wrapped
	}

	if !json.Valid(body) {
		// The host answered 200 with garbage; treat it like a transport
		// failure so the session gets degraded.
		wrapped := errortypes.TransportError(
			fmt.Errorf("undecodable tool host response"), "decoding tool host response")
		return rpc.NewError(req.ID, rpc.CodeTransport, wrapped.Error()), wrapped
	}
	return rpc.DecodeResponse(body, req.ID), nil
}
