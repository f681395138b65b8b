package common

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP determines the caller address, preferring the first X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if candidate := strings.TrimSpace(first); candidate != "" {
			return candidate
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// CallerKey identifies the caller for throttling: the authenticated subject when
// present, the client IP otherwise.
func CallerKey(r *http.Request) string {
	if r == nil {
		return ""
	}
	if sub, ok := Subject(r.Context()); ok {
		return "sub:" + sub
	}
	return "ip:" + ClientIP(r)
}
