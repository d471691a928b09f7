// Package model defines shared types for the tunnel.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded upstream.
// The inbound request it was derived from is never mutated; the tunnel
// reads it once to populate this carrier.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   io.ReadCloser
}

// ProxyResponse represents the upstream response on its way back to the
// client. The body is read at most once: textual bodies are buffered for
// origin substitution, everything else streams through untouched.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
