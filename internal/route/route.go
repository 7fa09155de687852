// Package route implements the ordered path-prefix route table.
package route

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Target is the network address of an upstream backend.
type Target struct {
	Host string
	Port int
}

// Addr returns the target as a dialable host:port string.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Route maps a path prefix to an upstream target and a header-rewrite policy.
// Immutable after table construction.
type Route struct {
	// Name identifies the route in logs, metrics and the debug routing
	// header. Derived from the prefix unless set explicitly in config.
	Name string

	// Prefix is the normalized path prefix (leading slash, no trailing
	// slash except for the root route "/").
	Prefix string

	// StripPrefix removes the matched prefix from the forwarded path.
	StripPrefix bool

	// RewritePrefix, when non-empty, is prepended to the forwarded path
	// after any stripping.
	RewritePrefix string

	Target Target

	// HostOverride replaces the outbound Host header when non-empty;
	// otherwise the inbound Host is passed through verbatim.
	HostOverride string

	// ForwardIPHeader, when non-empty, names the header the connecting
	// peer's IP is appended to.
	ForwardIPHeader string

	// InjectRequestID regenerates X-Request-Id on every forwarded request.
	InjectRequestID bool

	// Timeout bounds slot acquisition, connect, send and the wait for the
	// upstream's response headers. Body streaming is not bounded by it.
	Timeout time.Duration
}

// Table resolves request paths to routes. Built once at startup and
// read-only afterwards, so concurrent lookups need no locking.
type Table struct {
	routes []*Route
}

// NewTable builds a Table from routes. Entries are ordered longest prefix
// first so more specific routes always win regardless of configuration
// order. Routes sharing a normalized prefix are rejected.
func NewTable(routes []*Route) (*Table, error) {
	ordered := make([]*Route, len(routes))
	copy(ordered, routes)

	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Prefix) > len(ordered[j].Prefix)
	})

	seen := make(map[string]string, len(ordered))
	for _, rt := range ordered {
		if rt.Prefix == "" || !strings.HasPrefix(rt.Prefix, "/") {
			return nil, fmt.Errorf("route %q: prefix %q must start with '/'", rt.Name, rt.Prefix)
		}
		if prev, ok := seen[rt.Prefix]; ok {
			return nil, fmt.Errorf("routes %q and %q share prefix %q", prev, rt.Name, rt.Prefix)
		}
		seen[rt.Prefix] = rt.Name
	}

	return &Table{routes: ordered}, nil
}

// Resolve returns the route with the longest prefix matching path, or false
// when no route matches.
func (t *Table) Resolve(path string) (*Route, bool) {
	for _, rt := range t.routes {
		if matchPrefix(path, rt.Prefix) {
			return rt, true
		}
	}
	return nil, false
}

// Len reports the number of configured routes.
func (t *Table) Len() int {
	return len(t.routes)
}

// matchPrefix reports whether prefix matches path on a path-segment
// boundary: "/proxy" matches "/proxy" and "/proxy/hello" but not
// "/proxy-w-prefix/x".
func matchPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// SlugFromPrefix derives a route name from its path prefix: the leading
// slash is dropped and the remaining slashes and dashes become
// underscores, so "/proxy-w-host" names the route "proxy_w_host".
func SlugFromPrefix(prefix string) string {
	s := strings.TrimPrefix(prefix, "/")
	if s == "" {
		return "root"
	}
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}
