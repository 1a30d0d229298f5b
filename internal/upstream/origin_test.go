package upstream

import (
	"net/http"
	"testing"
)

func TestOriginFor(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ws://localhost:17070/api", "http://localhost:17070/api"},
		{"wss://10.0.0.1:17070/model/uuid/api", "https://10.0.0.1:17070/model/uuid/api"},
		{"wss://example.com", "https://example.com"},
		{"https://already-http.example.com/", "https://already-http.example.com/"},
	}

	for _, tt := range tests {
		if got := OriginFor(tt.in); got != tt.want {
			t.Errorf("OriginFor(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHandshakeHeader(t *testing.T) {
	t.Run("copies browser origin", func(t *testing.T) {
		h := HandshakeHeader(http.Header{"Origin": {"https://gui.example.com"}}, "wss://api:17070/", "")
		if got := h.Get("Origin"); got != "https://gui.example.com" {
			t.Errorf("Origin = %q", got)
		}
		if got := h.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want empty", got)
		}
	})

	t.Run("synthesises origin", func(t *testing.T) {
		h := HandshakeHeader(nil, "wss://api:17070/path", "tok")
		if got := h.Get("Origin"); got != "https://api:17070/path" {
			t.Errorf("Origin = %q", got)
		}
		if got := h.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
	})
}
