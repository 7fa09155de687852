package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns an Echo middleware that adds baseline security
// headers to every response the proxy serves itself (errors, health,
// metrics). Hop-by-hop header handling lives with the rewrite and relay
// steps, next to the rest of the forwarding policy.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Set before the handler runs: once a proxied response has
			// called WriteHeader, later header writes never reach the wire.
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
