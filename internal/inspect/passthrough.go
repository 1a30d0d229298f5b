package inspect

import (
	"github.com/console-relay/backend/internal/relay"
)

// PassthroughInspector only tracks request correlation and never extracts
// deltas. Use it for upstreams whose watcher frames should not be mirrored.
type PassthroughInspector struct{}

// NewPassthroughInspector creates a new PassthroughInspector instance.
func NewPassthroughInspector() *PassthroughInspector {
	return &PassthroughInspector{}
}

// Name returns the name of the inspector.
func (i *PassthroughInspector) Name() string {
	return "passthrough"
}

// Inspect reports the frame's RequestId and nothing else.
func (i *PassthroughInspector) Inspect(msg relay.Message) *Result {
	result := &Result{}
	if id, ok := msg.RequestID(); ok {
		result.RequestID = id
		result.HasRequestID = true
		result.ProxyReply = IsProxyRequest(id)
	}
	return result
}
