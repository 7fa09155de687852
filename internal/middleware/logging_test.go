package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/charleschege/swindon/internal/route"
)

func loggerTable(t *testing.T) *route.Table {
	t.Helper()
	table, err := route.NewTable([]*route.Route{
		{Name: "proxy", Prefix: "/proxy", Target: route.Target{Host: "127.0.0.1", Port: 1}, Timeout: time.Second},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	e := echo.New()
	e.Use(RequestLogger(logger, loggerTable(t)))
	e.GET("/proxy/hello", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/proxy/hello", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	out := buf.String()
	if !strings.Contains(out, "method=GET") || !strings.Contains(out, "path=/proxy/hello") {
		t.Errorf("log output missing request fields: %q", out)
	}
	if !strings.Contains(out, "status=200") {
		t.Errorf("log output missing status: %q", out)
	}
	if !strings.Contains(out, "route=proxy") {
		t.Errorf("log output missing route slug: %q", out)
	}
}

func TestRequestLogger_UnroutedPath(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	e := echo.New()
	e.Use(RequestLogger(logger, loggerTable(t)))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if !strings.Contains(buf.String(), "route=none") {
		t.Errorf("log output should tag unrouted paths: %q", buf.String())
	}
}
