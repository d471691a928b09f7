package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/gingerich/ory-tunnel/internal/config"
	"github.com/gingerich/ory-tunnel/internal/model"
	"github.com/gingerich/ory-tunnel/internal/service"
)

// TunnelHandler forwards requests to the upstream identity service and
// serves the root shortcut.
type TunnelHandler struct {
	service *service.TunnelService
	logger  *slog.Logger

	uiRedirect string // publicOrigin + uiPath, precomputed
}

// NewTunnelHandler creates a TunnelHandler.
func NewTunnelHandler(svc *service.TunnelService, cfg *config.Config, logger *slog.Logger) *TunnelHandler {
	return &TunnelHandler{
		service:    svc,
		logger:     logger.With("component", "tunnel_handler"),
		uiRedirect: strings.TrimSuffix(cfg.Tunnel.PublicOrigin, "/") + cfg.Tunnel.UIPath,
	}
}

// Root handles GET / with a redirect to the UI sub-path on the public
// origin. No upstream call is made.
func (h *TunnelHandler) Root(c echo.Context) error {
	return c.Redirect(http.StatusSeeOther, h.uiRedirect)
}

// Handle proxies the request through the rewrite pipeline and streams the
// masked response back to the client.
func (h *TunnelHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body to the client. Textual bodies were already
	// buffered and rewritten by the service; everything else flows through
	// unbuffered. If io.Copy fails mid-stream the status code has already
	// been sent, so the client receives a truncated response with the
	// original status. This is an inherent trade-off of streaming proxies —
	// we log the error for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *TunnelHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("tunnel error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
