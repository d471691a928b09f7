// Package service implements the core tunnel forwarding pipeline:
// rewrite the request, invoke the upstream, rewrite the response.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gingerich/ory-tunnel/internal/client"
	"github.com/gingerich/ory-tunnel/internal/config"
	"github.com/gingerich/ory-tunnel/internal/metrics"
	"github.com/gingerich/ory-tunnel/internal/model"
	"github.com/gingerich/ory-tunnel/internal/rewrite"
)

// hopByHopResponseHeaders are stripped from upstream responses before they
// are handed back to the inbound connection.
var hopByHopResponseHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// TunnelService forwards inbound requests to the upstream identity service
// and masks the upstream origin on the way back.
type TunnelService struct {
	client   *client.UpstreamClient
	rewriter *rewrite.Rewriter
	logger   *slog.Logger
}

// NewTunnelService creates a TunnelService. The upstream is always addressed
// over HTTPS using the bare hostname from configuration.
func NewTunnelService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*TunnelService, error) {
	pub, err := url.Parse(cfg.Tunnel.PublicOrigin)
	if err != nil {
		return nil, fmt.Errorf("parse tunnel public_origin: %w", err)
	}

	up := &url.URL{Scheme: "https", Host: cfg.Upstream.Host}

	rw, err := rewrite.New(pub, up, cfg.Upstream.APIKey, m)
	if err != nil {
		return nil, err
	}

	return &TunnelService{
		client:   c,
		rewriter: rw,
		logger:   logger.With("component", "tunnel_service"),
	}, nil
}

// NewTunnelServiceForTest creates a TunnelService against a full upstream
// base URL, scheme included. This is intended only for tests that use
// httptest servers over plain HTTP.
func NewTunnelServiceForTest(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, upstreamBaseURL string) (*TunnelService, error) {
	pub, err := url.Parse(cfg.Tunnel.PublicOrigin)
	if err != nil {
		return nil, fmt.Errorf("parse tunnel public_origin: %w", err)
	}

	up, err := url.Parse(upstreamBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base URL: %w", err)
	}

	rw, err := rewrite.New(pub, up, cfg.Upstream.APIKey, nil)
	if err != nil {
		return nil, err
	}

	return &TunnelService{
		client:   c,
		rewriter: rw,
		logger:   logger.With("component", "tunnel_service"),
	}, nil
}

// Forward sends a ProxyRequest through the rewrite pipeline and returns the
// masked response. The caller is responsible for closing the response body.
func (s *TunnelService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	req, err := s.rewriter.OutboundRequest(pr)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	stripHopByHop(resp.Header)

	if err := s.rewriter.RewriteResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("rewrite upstream response: %w", err)
	}

	return resp, nil
}

func stripHopByHop(h http.Header) {
	for _, key := range hopByHopResponseHeaders {
		h.Del(key)
	}
}
