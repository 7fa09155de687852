package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/charleschege/swindon/internal/metrics"
	"github.com/charleschege/swindon/internal/route"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus
// metrics for each inbound request. The route label is the matched route's
// name per table, or "other" for unrouted paths (health, metrics, misses).
func MetricsMiddleware(m *metrics.Metrics, table *route.Table) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// Resolve the actual status code. When a handler returns an
			// *echo.HTTPError, the response status hasn't been written yet;
			// Echo's central error handler will do that later. We inspect
			// the error to get the correct code for metrics.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			routeLabel := "other"
			if rt, ok := table.Resolve(c.Request().URL.Path); ok {
				routeLabel = rt.Name
			}
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, routeLabel).Inc()
			m.RequestDuration.WithLabelValues(method, status, routeLabel).Observe(duration)

			return err
		}
	}
}
