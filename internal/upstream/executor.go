// Package upstream implements the forwarding executor: it sends rewritten
// requests to upstream targets within a bounded time budget, drawing
// connection slots from a per-target pool.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/charleschege/swindon/internal/config"
	"github.com/charleschege/swindon/internal/metrics"
	"github.com/charleschege/swindon/internal/model"
	"github.com/charleschege/swindon/internal/route"
)

// Forwarding failure taxonomy. Timeout and connection failures both map to
// 502 at the coordinator, but stay distinct for logs and metrics.
var (
	// ErrTimeout means the per-request budget elapsed before the
	// upstream's response headers arrived.
	ErrTimeout = errors.New("upstream deadline exceeded")

	// ErrConnection means the upstream could not be reached (refused,
	// reset, DNS failure) before the budget elapsed.
	ErrConnection = errors.New("upstream connection failed")

	// ErrUpstreamProtocol means the upstream sent a malformed response.
	ErrUpstreamProtocol = errors.New("malformed upstream response")
)

// Executor forwards outbound requests to upstream targets. A single shared
// transport handles connection reuse; a weighted semaphore per target
// bounds concurrent in-flight exchanges.
type Executor struct {
	transport http.RoundTripper
	logger    *slog.Logger
	metrics   *metrics.Metrics

	maxConns int64
	mu       sync.RWMutex
	slots    map[string]*semaphore.Weighted
}

// NewExecutor creates an Executor with connection pooling sized from cfg.
// The metrics parameter is optional; pass nil to disable upstream metrics.
func NewExecutor(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Executor {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.MaxConnections,
		MaxIdleConnsPerHost: cfg.Upstream.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Executor{
		transport: transport,
		logger:    logger.With("component", "upstream_executor"),
		metrics:   m,
		maxConns:  int64(cfg.Upstream.MaxConnections),
		slots:     make(map[string]*semaphore.Weighted),
	}
}

// Forward sends out to the route's target and waits for response headers
// within the route's timeout. The budget starts at dispatch and covers slot
// acquisition, connect, send and the header wait; once headers arrive the
// body streams without a deadline. The caller must close the returned body,
// which also releases the connection slot.
func (e *Executor) Forward(ctx context.Context, out *model.OutboundRequest, rt *route.Route) (*model.UpstreamResponse, error) {
	target := rt.Target
	fctx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool
	timer := time.AfterFunc(rt.Timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	sem := e.slotsFor(target.Addr())
	if err := sem.Acquire(fctx, 1); err != nil {
		timer.Stop()
		cancel()
		if timedOut.Load() {
			return nil, fmt.Errorf("acquire slot for %s: %w", target.Addr(), ErrTimeout)
		}
		return nil, fmt.Errorf("acquire slot for %s: %w", target.Addr(), err)
	}

	resp, err := e.roundTrip(fctx, out, rt)
	if err != nil {
		sem.Release(1)
		timer.Stop()
		cancel()
		return nil, e.classify(err, target, timedOut.Load())
	}

	// Stop the budget clock now that headers have arrived. Losing the
	// race against the timer means the context is already dead and the
	// body unusable.
	if !timer.Stop() && timedOut.Load() {
		_ = resp.Body.Close()
		sem.Release(1)
		cancel()
		return nil, fmt.Errorf("read headers from %s: %w", target.Addr(), ErrTimeout)
	}

	if e.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		e.metrics.UpstreamResponses.WithLabelValues(metrics.NormalizeMethod(out.Method), status, rt.Name).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body: &slotBody{
			body:    resp.Body,
			release: func() { sem.Release(1); cancel() },
		},
	}, nil
}

// roundTrip performs one HTTP exchange with the upstream. The transport is
// used directly so redirects are relayed, never followed. RawPath carries
// the escaped form when it differs from the decoded path, so
// percent-encoded octets (an encoded slash inside a segment, say) reach
// the upstream verbatim.
func (e *Executor) roundTrip(ctx context.Context, out *model.OutboundRequest, rt *route.Route) (*http.Response, error) {
	u := &url.URL{
		Scheme:   "http",
		Host:     rt.Target.Addr(),
		Path:     out.Path,
		RawPath:  out.RawPath,
		RawQuery: out.RawQuery,
	}

	req, err := http.NewRequestWithContext(ctx, out.Method, u.String(), out.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = out.Header
	req.Host = out.Host

	e.logger.Debug("upstream request",
		"method", out.Method,
		"path", out.Path,
		"target", rt.Target.Addr(),
	)

	start := time.Now()
	resp, err := e.transport.RoundTrip(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	if e.metrics != nil {
		e.metrics.UpstreamDuration.WithLabelValues(metrics.NormalizeMethod(out.Method), rt.Name).Observe(time.Since(start).Seconds())
	}
	return resp, err
}

// classify maps a transport error onto the executor's failure taxonomy.
func (e *Executor) classify(err error, target route.Target, timedOut bool) error {
	if timedOut {
		return fmt.Errorf("forward to %s: %w", target.Addr(), ErrTimeout)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("forward to %s: %w", target.Addr(), err)
	}

	var netErr net.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &netErr) {
		return fmt.Errorf("forward to %s: %v: %w", target.Addr(), err, ErrConnection)
	}

	return fmt.Errorf("forward to %s: %v: %w", target.Addr(), err, ErrUpstreamProtocol)
}

// slotsFor returns the connection-slot semaphore for addr, creating it on
// first use.
func (e *Executor) slotsFor(addr string) *semaphore.Weighted {
	e.mu.RLock()
	sem, ok := e.slots[addr]
	e.mu.RUnlock()
	if ok {
		return sem
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if sem, ok = e.slots[addr]; ok {
		return sem
	}
	sem = semaphore.NewWeighted(e.maxConns)
	e.slots[addr] = sem
	return sem
}

// slotBody releases the upstream connection slot when the relayed body is
// closed. Release happens exactly once.
type slotBody struct {
	body    io.ReadCloser
	release func()
	once    sync.Once
}

func (b *slotBody) Read(p []byte) (int, error) {
	return b.body.Read(p)
}

func (b *slotBody) Close() error {
	err := b.body.Close()
	b.once.Do(b.release)
	return err
}
