package handler

import (
	"io"
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/charleschege/swindon/internal/model"
	"github.com/charleschege/swindon/internal/proxy"
)

// ProxyHandler feeds inbound requests to the coordinator and serializes
// the resulting client response back to the wire.
type ProxyHandler struct {
	coordinator *proxy.Coordinator
	logger      *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(coord *proxy.Coordinator, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		coordinator: coord,
		logger:      logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request through the coordinator and streams the
// response back. The response keeps the request's HTTP version because it
// is written on the same connection net/http parsed the request from.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	in := &model.InboundRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		Version:  req.Proto,
		Host:     req.Host,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
		PeerIP:   c.RealIP(),
	}

	resp := h.coordinator.Handle(in)
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the body directly to the client. If io.Copy fails mid-stream
	// (e.g. client disconnect, network error), the HTTP status code has
	// already been sent, so the client receives a truncated response with
	// the original status. This is an inherent trade-off of streaming
	// proxies — we log the error for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}
