package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesRelayMetrics(t *testing.T) {
	SessionOpened()
	SessionTransition("relaying")
	MessageRelayed(Upstream)
	MessageDiscarded("gone")
	FrameRejected("malformed")
	WatcherChange()
	SessionClosed()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	for _, want := range []string{
		"console_relay_sessions_active",
		`console_relay_session_transitions_total{state="relaying"}`,
		`console_relay_messages_relayed_total{direction="upstream"}`,
		`console_relay_messages_discarded_total{reason="gone"}`,
		`console_relay_frames_rejected_total{reason="malformed"}`,
		"console_relay_watcher_changes_total",
	} {
		assert.Contains(t, string(body), want)
	}
}
