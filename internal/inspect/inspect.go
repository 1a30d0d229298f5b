// Package inspect looks inside upstream frames on their way to the browser.
//
// An Inspector never changes a frame. It reports what the session needs to
// know: which request the frame answers, whether that request was issued by
// the relay itself, and which watcher deltas it carries.
package inspect

import (
	"github.com/console-relay/backend/internal/relay"
)

// ProxyRequestBase is the first RequestId reserved for requests the relay
// issues on its own behalf. Browser clients count up from 1 and never get
// near it.
const ProxyRequestBase uint64 = 1 << 40

// Result is what an Inspector found in one frame.
type Result struct {
	// RequestID is the frame's RequestId when HasRequestID is set.
	RequestID    uint64
	HasRequestID bool

	// ProxyReply is set when the frame answers a relay-originated request.
	// Such frames are consumed by the session and not forwarded.
	ProxyReply bool

	// Deltas holds one entry per change carried by the frame, in order.
	Deltas []any

	// Error is the upstream error string, if the frame reports one.
	Error string
}

// Inspector extracts a Result from a decoded upstream frame.
type Inspector interface {
	// Name returns the name of the inspector.
	Name() string

	// Inspect examines msg. It must not modify msg.
	Inspect(msg relay.Message) *Result
}

// IsProxyRequest reports whether id lies in the relay's reserved range.
func IsProxyRequest(id uint64) bool {
	return id >= ProxyRequestBase
}

// New returns the inspector registered under name, falling back to the
// facade inspector for unknown names.
func New(name string) Inspector {
	switch name {
	case "passthrough":
		return NewPassthroughInspector()
	default:
		return NewFacadeInspector()
	}
}
