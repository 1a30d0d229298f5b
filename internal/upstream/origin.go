package upstream

import (
	"net/http"
	"net/url"
)

// OriginFor returns the HTTP(S) equivalent of a WebSocket URL: ws becomes
// http and wss becomes https, keeping host, port and path. Other schemes are
// returned unchanged.
func OriginFor(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.String()
}

// HandshakeHeader builds the upstream handshake header. Origin is always set:
// copied from the browser handshake when present, synthesised from the
// upstream URL otherwise. A non-empty token is sent as a bearer credential.
func HandshakeHeader(browser http.Header, upstreamURL, token string) http.Header {
	header := http.Header{}

	origin := ""
	if browser != nil {
		origin = browser.Get("Origin")
	}
	if origin == "" {
		origin = OriginFor(upstreamURL)
	}
	header.Set("Origin", origin)

	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}
