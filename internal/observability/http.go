package observability

import (
	"net"
	"net/http"
	"strings"
)

// DeviceIDFromRequest reads the client device tag. A websocket client cannot
// always set custom headers, so the query parameter wins when present.
func DeviceIDFromRequest(r *http.Request) string {
	if v := r.URL.Query().Get("device_id"); v != "" {
		return v
	}
	return r.Header.Get("X-Device-Id")
}

// RequestIDFromRequest returns the ingress-assigned request id, if any.
func RequestIDFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Request-Id"); v != "" {
		return v
	}
	return r.Header.Get("X-Correlation-Id")
}

// IPFromRequest resolves the client address behind the ingress proxy.
func IPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
