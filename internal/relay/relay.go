// Package relay builds client responses from upstream responses.
package relay

import (
	"net/http"

	"github.com/charleschege/swindon/internal/model"
	"github.com/charleschege/swindon/internal/route"
)

// RouteHeader names the matched route on relayed responses when debug
// routing is enabled process-wide.
const RouteHeader = "X-Swindon-Route"

// hopByHopHeaders must not be relayed back to the client; the listener's
// own connection framing decides them.
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

// Relay copies the upstream response toward the client: status and headers
// verbatim (hop-by-hop aside), body as the same stream. The debug route
// header carries rt.Name iff debug is on; when off it is stripped even if
// an upstream set it, so internal routing never leaks.
func Relay(resp *model.UpstreamResponse, rt *route.Route, debug bool) *model.ClientResponse {
	header := make(http.Header, len(resp.Header))
	for key, vals := range resp.Header {
		header[key] = append([]string(nil), vals...)
	}
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}

	setRouteHeader(header, rt, debug)

	return &model.ClientResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       resp.Body,
	}
}

// setRouteHeader applies the debug-routing policy to header. Exported
// behavior is shared with synthesized error responses so the header is
// consistent on every path where a route was matched.
func setRouteHeader(header http.Header, rt *route.Route, debug bool) {
	if debug && rt != nil {
		header.Set(RouteHeader, rt.Name)
		return
	}
	header.Del(RouteHeader)
}

// AnnotateError applies the same debug-routing policy to a synthesized
// error response's header.
func AnnotateError(header http.Header, rt *route.Route, debug bool) {
	setRouteHeader(header, rt, debug)
}
