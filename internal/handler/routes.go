package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The
// proxy handler is the catch-all; the route table decides what it serves.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/swindon/status", health.Status)

	e.Any("/*", proxy.Handle)
}
