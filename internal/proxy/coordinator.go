// Package proxy implements the per-request coordinator: route resolution,
// header rewriting, forwarding and response relay.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/charleschege/swindon/internal/config"
	"github.com/charleschege/swindon/internal/metrics"
	"github.com/charleschege/swindon/internal/model"
	"github.com/charleschege/swindon/internal/relay"
	"github.com/charleschege/swindon/internal/rewrite"
	"github.com/charleschege/swindon/internal/route"
	"github.com/charleschege/swindon/internal/upstream"
)

// Forwarder is the executor contract the coordinator depends on.
type Forwarder interface {
	Forward(ctx context.Context, out *model.OutboundRequest, rt *route.Route) (*model.UpstreamResponse, error)
}

// Coordinator drives one inbound request through route lookup, rewrite,
// forwarding and relay, yielding exactly one ClientResponse on every path.
type Coordinator struct {
	table        *route.Table
	executor     Forwarder
	logger       *slog.Logger
	metrics      *metrics.Metrics
	debugRouting bool
}

// NewCoordinator creates a Coordinator. The metrics parameter is optional;
// pass nil to disable error accounting.
func NewCoordinator(table *route.Table, exec Forwarder, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		table:        table,
		executor:     exec,
		logger:       logger.With("component", "coordinator"),
		metrics:      m,
		debugRouting: cfg.Routing.DebugRouting,
	}
}

// Route resolves the route for path without handling a request. Used by
// middleware to label metrics by route.
func (c *Coordinator) Route(path string) (*route.Route, bool) {
	return c.table.Resolve(path)
}

// Handle processes one inbound request end to end.
func (c *Coordinator) Handle(in *model.InboundRequest) *model.ClientResponse {
	rt, ok := c.table.Resolve(in.Path)
	if !ok {
		c.countError(nil, "no_route")
		return c.errorResponse(http.StatusNotFound, "no route matches path", nil)
	}

	out, err := rewrite.BuildOutbound(in, rt)
	if err != nil {
		c.logger.Warn("rejecting malformed request",
			"route", rt.Name,
			"err", err,
		)
		c.countError(rt, "bad_request")
		return c.errorResponse(http.StatusBadRequest, "malformed request headers", rt)
	}

	resp, err := c.executor.Forward(in.Ctx, out, rt)
	if err != nil {
		return c.forwardError(rt, err)
	}

	return relay.Relay(resp, rt, c.debugRouting)
}

// forwardError maps an executor failure to a synthesized client response.
// Timeouts and connection failures both surface as 502; the taxonomy stays
// separate in logs and metrics.
func (c *Coordinator) forwardError(rt *route.Route, err error) *model.ClientResponse {
	var kind, msg string
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		kind, msg = "timeout", "upstream request timed out"
	case errors.Is(err, upstream.ErrConnection):
		kind, msg = "connect", "upstream unreachable"
	case errors.Is(err, upstream.ErrUpstreamProtocol):
		kind, msg = "protocol", "upstream sent a malformed response"
	default:
		kind, msg = "connect", "upstream request failed"
	}

	c.logger.Error("forwarding failed",
		"route", rt.Name,
		"target", rt.Target.Addr(),
		"kind", kind,
		"err", err,
	)
	c.countError(rt, kind)

	return c.errorResponse(http.StatusBadGateway, msg, rt)
}

// errorResponse synthesizes a JSON error response, annotated with the
// debug route header when a route had been matched.
func (c *Coordinator) errorResponse(status int, message string, rt *route.Route) *model.ClientResponse {
	body, _ := json.Marshal(map[string]string{"error": message})

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	relay.AnnotateError(header, rt, c.debugRouting)

	return &model.ClientResponse{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func (c *Coordinator) countError(rt *route.Route, kind string) {
	if c.metrics == nil {
		return
	}
	name := "none"
	if rt != nil {
		name = rt.Name
	}
	c.metrics.ProxyErrors.WithLabelValues(name, kind).Inc()
}
