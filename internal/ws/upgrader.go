package ws

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// NewUpgrader returns an upgrader that accepts browser origins listed in
// allowedOrigins (full origins or bare hosts). With an empty list, same-host
// and loopback origins are accepted.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	origins := make(map[string]bool)
	hosts := make(map[string]bool)
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		origins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			hosts[parsed.Host] = true
		} else {
			hosts[trimmed] = true
		}
	}

	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r, origins, hosts)
		},
	}
}

func checkOrigin(r *http.Request, origins, hosts map[string]bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	if len(origins) > 0 {
		return origins[origin] || hosts[parsed.Host]
	}

	host := parsed.Host
	if host == r.Host {
		return true
	}
	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}
