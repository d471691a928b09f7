package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The root
// path short-circuits to the UI redirect; every other path, any method, is
// proxied upstream. Static routes (health, status) take precedence over the
// catch-all.
func RegisterRoutes(e *echo.Echo, tunnel *TunnelHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/tunnel/status", health.Status)

	e.Any("/", tunnel.Root)
	e.Any("/*", tunnel.Handle)
}
