// Package model defines shared request and response types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// InboundRequest is a fully-parsed client request handed to the coordinator
// by the listener. It is read-only for the duration of one request.
type InboundRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	// RawPath is the escaped form of Path when the two differ (the
	// request carried percent-encoded octets), empty otherwise.
	RawPath string
	// Version is the request protocol, e.g. "HTTP/1.1". The response is
	// serialized with the same version.
	Version  string
	Host     string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
	// PeerIP is the connecting client's IP, without port.
	PeerIP string
}

// OutboundRequest is the rewritten request sent to an upstream target.
// It exists only for the lifetime of one forwarding attempt.
type OutboundRequest struct {
	Method string
	Path   string
	// RawPath is the escaped form of Path after prefix rewriting, empty
	// when Path needs no escaping.
	RawPath  string
	Version  string
	Host     string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// UpstreamResponse is the response received from an upstream target.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ClientResponse is the response relayed (or synthesized) toward the
// client. The listener owns serialization back to the wire.
type ClientResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
