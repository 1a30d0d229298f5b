package inspect

import (
	"github.com/console-relay/backend/internal/relay"
)

// FacadeInspector understands the RPC envelope used by the orchestration
// API: {"RequestId": n, "Response": {...}} or {"RequestId": n, "Error": "..."}.
// An all-watcher Next response carries {"Response": {"Deltas": [...]}}; every
// element of Deltas becomes one change.
type FacadeInspector struct{}

// NewFacadeInspector creates a new FacadeInspector instance.
func NewFacadeInspector() *FacadeInspector {
	return &FacadeInspector{}
}

// Name returns the name of the inspector.
func (i *FacadeInspector) Name() string {
	return "facade"
}

// Inspect examines one upstream frame.
func (i *FacadeInspector) Inspect(msg relay.Message) *Result {
	result := &Result{}

	if id, ok := msg.RequestID(); ok {
		result.RequestID = id
		result.HasRequestID = true
		result.ProxyReply = IsProxyRequest(id)
	}

	if errText, ok := msg["Error"].(string); ok {
		result.Error = errText
	}

	response, ok := msg["Response"].(map[string]any)
	if !ok {
		return result
	}
	if deltas, ok := response["Deltas"].([]any); ok && len(deltas) > 0 {
		result.Deltas = make([]any, len(deltas))
		copy(result.Deltas, deltas)
	}

	return result
}
