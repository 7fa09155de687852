// Package middleware provides Echo middleware for logging and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/charleschege/swindon/internal/route"
)

// RequestLogger returns an Echo middleware that logs each request with
// slog, tagged with the matched route's slug ("none" for unrouted paths
// such as health, metrics and misses).
func RequestLogger(logger *slog.Logger, table *route.Table) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			routeName := "none"
			if rt, ok := table.Resolve(req.URL.Path); ok {
				routeName = rt.Name
			}

			logger.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"route", routeName,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
