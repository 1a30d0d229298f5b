package model

import (
	"time"
)

// SessionState is the lifecycle state of a proxy session.
type SessionState string

const (
	SessionStateAuthenticating SessionState = "authenticating"
	SessionStateConnecting     SessionState = "connecting"
	SessionStateRelaying       SessionState = "relaying"
	SessionStateClosing        SessionState = "closing"
	SessionStateClosed         SessionState = "closed"
)

// IsLive reports whether a session in this state may still relay messages.
func (s SessionState) IsLive() bool {
	return s == SessionStateConnecting || s == SessionStateRelaying
}

// Session is the audit record of one browser-to-upstream pairing.
type Session struct {
	ID             string       `json:"id"`
	UserID         string       `json:"userId"`
	UpstreamURL    string       `json:"upstreamUrl"`
	Origin         string       `json:"origin"`
	State          SessionState `json:"state"`
	CloseReason    string       `json:"closeReason,omitempty"`
	MessagesUp     int64        `json:"messagesUp"`
	MessagesDown   int64        `json:"messagesDown"`
	TranscriptPath string       `json:"transcriptPath,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Duration returns how long the session has existed.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}

// SessionDescriptor is what a successful authentication yields: who the
// user is and how to reach the upstream on their behalf.
type SessionDescriptor struct {
	UserID string `json:"userId"`

	// UpstreamURL overrides the configured upstream when set.
	UpstreamURL string `json:"upstreamUrl,omitempty"`

	// UpstreamToken is presented to the upstream as a bearer credential.
	UpstreamToken string `json:"-"`
}
