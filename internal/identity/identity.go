// Package identity resolves and validates the end-user identity attached to
// inbound tool calls. Resolution is a pure function over request metadata:
// the identity is never inferred from message content.
package identity

import (
	"net/http"
	"net/url"
	"regexp"
)

// Identity is an opaque, validated token naming the end user a tool call
// belongs to.
type Identity string

// Default is the sentinel identity used when no valid identity is supplied.
const Default Identity = "admin_default"

// Request metadata keys the resolver inspects, in priority order.
const (
	// HeaderName is the HTTP header carrying the identity.
	HeaderName = "X-User-ID"

	// QueryParam is the URL query parameter carrying the identity.
	QueryParam = "user_id"
)

var pattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Valid reports whether s is a well-formed identity.
func Valid(s string) bool {
	return pattern.MatchString(s)
}

// Resolve extracts the identity from request metadata, preferring the header
// over the query parameter over the path segment. A malformed candidate is
// treated as absent and resolution falls through to the next source; when no
// source yields a valid identity, Default is returned. Resolve never fails.
func Resolve(header http.Header, query url.Values, pathValue string) Identity {
	candidates := []string{
		header.Get(HeaderName),
		query.Get(QueryParam),
		pathValue,
	}
	for _, c := range candidates {
		if Valid(c) {
			return Identity(c)
		}
	}
	return Default
}

func (i Identity) String() string {
	return string(i)
}
