// Package reqmeta extracts the network metadata recorded alongside sessions
// and audit events.
package reqmeta

import (
	"net"
	"net/http"
	"strings"
	"unicode/utf8"
)

const maxUserAgentLength = 512

// Metadata is the caller information captured for audit purposes.
type Metadata struct {
	IP        string
	UserAgent string
	URL       string
	Method    string
}

// From builds Metadata for r. The router runs chi's RealIP middleware, so
// RemoteAddr already reflects X-Forwarded-For / X-Real-IP when present.
func From(r *http.Request) Metadata {
	return Metadata{
		IP:        ClientIP(r),
		UserAgent: cleanUserAgent(r.UserAgent()),
		URL:       r.URL.RequestURI(),
		Method:    r.Method,
	}
}

// cleanUserAgent drops invalid UTF-8 and cuts ua to at most
// maxUserAgentLength bytes without splitting a rune. The value is stored in
// TEXT columns.
func cleanUserAgent(ua string) string {
	ua = strings.ToValidUTF8(ua, "")
	if len(ua) <= maxUserAgentLength {
		return ua
	}
	cut := maxUserAgentLength
	for cut > 0 && !utf8.RuneStart(ua[cut]) {
		cut--
	}
	return ua[:cut]
}

// ClientIP returns the caller's IP without the port.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
