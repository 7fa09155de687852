package relay

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/charleschege/swindon/internal/model"
	"github.com/charleschege/swindon/internal/route"
)

func upstreamResponse() *model.UpstreamResponse {
	return &model.UpstreamResponse{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type": {"text/test"},
			"X-Custom":     {"a", "b"},
		},
		Body: io.NopCloser(strings.NewReader("OK")),
	}
}

func TestRelay_CopiesStatusHeadersBody(t *testing.T) {
	rt := &route.Route{Name: "proxy"}
	resp := upstreamResponse()

	cr := Relay(resp, rt, false)

	if cr.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", cr.StatusCode)
	}
	if ct := cr.Header.Get("Content-Type"); ct != "text/test" {
		t.Errorf("Content-Type = %q, want text/test", ct)
	}
	if got := cr.Header.Values("X-Custom"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("X-Custom = %v, want [a b]", got)
	}
	body, _ := io.ReadAll(cr.Body)
	if string(body) != "OK" {
		t.Errorf("body = %q, want OK", body)
	}
}

func TestRelay_DebugRouteHeader(t *testing.T) {
	rt := &route.Route{Name: "proxy_w_host"}

	t.Run("enabled", func(t *testing.T) {
		cr := Relay(upstreamResponse(), rt, true)
		if got := cr.Header.Get(RouteHeader); got != "proxy_w_host" {
			t.Errorf("%s = %q, want proxy_w_host", RouteHeader, got)
		}
	})

	t.Run("disabled is absent not empty", func(t *testing.T) {
		cr := Relay(upstreamResponse(), rt, false)
		if _, present := cr.Header[RouteHeader]; present {
			t.Errorf("%s present with debug routing disabled", RouteHeader)
		}
	})

	t.Run("disabled strips upstream-supplied value", func(t *testing.T) {
		resp := upstreamResponse()
		resp.Header.Set(RouteHeader, "leaked")
		cr := Relay(resp, rt, false)
		if _, present := cr.Header[RouteHeader]; present {
			t.Errorf("upstream-supplied %s not stripped", RouteHeader)
		}
	})

	t.Run("enabled overwrites upstream-supplied value", func(t *testing.T) {
		resp := upstreamResponse()
		resp.Header.Set(RouteHeader, "leaked")
		cr := Relay(resp, rt, true)
		if got := cr.Header.Get(RouteHeader); got != "proxy_w_host" {
			t.Errorf("%s = %q, want proxy_w_host", RouteHeader, got)
		}
	})
}

func TestRelay_DropsHopByHop(t *testing.T) {
	resp := upstreamResponse()
	resp.Header.Set("Connection", "close")
	resp.Header.Set("Transfer-Encoding", "chunked")

	cr := Relay(resp, &route.Route{Name: "proxy"}, false)

	if cr.Header.Get("Connection") != "" {
		t.Error("Connection relayed")
	}
	if cr.Header.Get("Transfer-Encoding") != "" {
		t.Error("Transfer-Encoding relayed")
	}
}

func TestRelay_DoesNotInventContentLength(t *testing.T) {
	resp := upstreamResponse()
	cr := Relay(resp, &route.Route{Name: "proxy"}, false)
	if _, present := cr.Header["Content-Length"]; present {
		t.Error("Content-Length invented for unsized upstream response")
	}
}

func TestRelay_EmptyBody(t *testing.T) {
	resp := &model.UpstreamResponse{
		StatusCode: http.StatusNoContent,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
	}
	cr := Relay(resp, &route.Route{Name: "proxy"}, false)
	body, _ := io.ReadAll(cr.Body)
	if len(body) != 0 {
		t.Errorf("body = %q, want empty", body)
	}
	if cr.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", cr.StatusCode)
	}
}

func TestAnnotateError(t *testing.T) {
	rt := &route.Route{Name: "proxy"}

	h := http.Header{}
	AnnotateError(h, rt, true)
	if h.Get(RouteHeader) != "proxy" {
		t.Errorf("%s = %q, want proxy", RouteHeader, h.Get(RouteHeader))
	}

	h = http.Header{}
	AnnotateError(h, nil, true)
	if _, present := h[RouteHeader]; present {
		t.Error("route header set with no matched route")
	}

	h = http.Header{RouteHeader: {"leaked"}}
	AnnotateError(h, rt, false)
	if _, present := h[RouteHeader]; present {
		t.Error("route header not stripped when debug routing disabled")
	}
}
