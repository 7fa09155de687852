// Package rewrite builds outbound requests from inbound requests and a
// route's transformation policy. All functions are pure: the inbound
// request is never mutated.
package rewrite

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"

	"github.com/charleschege/swindon/internal/model"
	"github.com/charleschege/swindon/internal/route"
)

// RequestIDHeader is the header the proxy owns when request-id injection is
// enabled. Client-supplied values are discarded.
const RequestIDHeader = "X-Request-Id"

// ErrHeaderEncoding reports a malformed inbound header name or value.
// The coordinator maps it to a 400-class response.
var ErrHeaderEncoding = errors.New("malformed header encoding")

// hopByHopHeaders are connection-scoped headers that must not cross the
// proxy (RFC 7230 section 6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// BuildOutbound derives the outbound request for rt from in. Method,
// version and body pass through untouched; path, Host and headers are
// transformed per the route's policy.
func BuildOutbound(in *model.InboundRequest, rt *route.Route) (*model.OutboundRequest, error) {
	header, err := copyHeader(in.Header)
	if err != nil {
		return nil, err
	}

	for _, h := range hopByHopHeaders {
		header.Del(h)
	}

	if rt.ForwardIPHeader != "" {
		header.Add(rt.ForwardIPHeader, in.PeerIP)
	}

	if rt.InjectRequestID {
		header.Set(RequestIDHeader, NewRequestID())
	}

	host := in.Host
	if rt.HostOverride != "" {
		host = rt.HostOverride
	}

	return &model.OutboundRequest{
		Method:   in.Method,
		Path:     RewritePath(in.Path, rt),
		RawPath:  rewriteEscapedPath(in.RawPath, rt),
		Version:  in.Version,
		Host:     host,
		RawQuery: in.RawQuery,
		Header:   header,
		Body:     in.Body,
	}, nil
}

// RewritePath applies the route's prefix strip/rewrite policy to path.
// Stripping an exact-prefix path leaves "/"; a rewrite prefix is prepended
// to whatever remains (the full original path when stripping is off).
func RewritePath(path string, rt *route.Route) string {
	p := path
	if rt.StripPrefix && rt.Prefix != "/" {
		p = strings.TrimPrefix(p, rt.Prefix)
		if p == "" {
			p = "/"
		}
	}
	if rt.RewritePrefix != "" {
		p = rt.RewritePrefix + p
	}
	return p
}

// rewriteEscapedPath applies the same prefix policy to the escaped form of
// the path, keeping percent-encoded octets intact across the hop. It
// returns "" when the request carried no distinct escaped form, or when
// the configured prefix is not literally present in it; the executor then
// re-encodes the decoded path instead.
func rewriteEscapedPath(raw string, rt *route.Route) string {
	if raw == "" {
		return ""
	}
	if rt.StripPrefix && rt.Prefix != "/" {
		if !strings.HasPrefix(raw, rt.Prefix) {
			return ""
		}
		raw = strings.TrimPrefix(raw, rt.Prefix)
		if raw == "" {
			raw = "/"
		}
	}
	if rt.RewritePrefix != "" {
		raw = rt.RewritePrefix + raw
	}
	return raw
}

// NewRequestID returns a fresh 128-bit random identifier encoded as 32
// lowercase hex characters.
func NewRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// copyHeader clones src, validating names and values on the way. Invalid
// tokens yield ErrHeaderEncoding wrapped with the offending key.
func copyHeader(src http.Header) (http.Header, error) {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if !httpguts.ValidHeaderFieldName(key) {
			return nil, fmt.Errorf("header %q: %w", key, ErrHeaderEncoding)
		}
		for _, v := range vals {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, fmt.Errorf("header %q value: %w", key, ErrHeaderEncoding)
			}
		}
		dst[key] = append([]string(nil), vals...)
	}
	return dst, nil
}
