// Package relay forwards decoded messages to a downstream peer only while
// that peer is alive.
//
// The relay never owns its target: it holds a weak pointer, so a forwarding
// closure stored in some callback cannot keep a torn-down connection
// reachable. A message addressed to a peer that is gone or disconnected is
// discarded with a log line; this is an expected race, not an error.
package relay

import (
	"errors"
	"log"
	"weak"

	"github.com/console-relay/backend/internal/metrics"
)

// ErrPeerClosed is returned by Peer.Send when the peer closed between the
// liveness check and the write.
var ErrPeerClosed = errors.New("peer closed")

// Peer is the capability the relay needs from a downstream connection.
//
// Send must check liveness and enqueue atomically with respect to the peer's
// own close, returning ErrPeerClosed if it lost that race.
type Peer interface {
	Connected() bool
	Send(data []byte) error
}

// DiscardReason says why a message was not delivered.
type DiscardReason string

const (
	// DiscardGone means the peer object no longer exists.
	DiscardGone DiscardReason = "gone"
	// DiscardDisconnected means the peer exists but has closed.
	DiscardDisconnected DiscardReason = "disconnected"
	// DiscardEncode means the message could not be encoded.
	DiscardEncode DiscardReason = "encode"
)

// Forwarder delivers one message to the wrapped peer. It reports whether the
// message was handed to the peer.
type Forwarder func(msg Message) bool

// Wrap returns a Forwarder for peer. label identifies the session in logs.
func Wrap[T any, P interface {
	*T
	Peer
}](peer P, label string) Forwarder {
	ref := weak.Make((*T)(peer))

	return func(msg Message) bool {
		target := ref.Value()
		if target == nil {
			discard(label, DiscardGone, msg)
			return false
		}
		p := P(target)
		if !p.Connected() {
			discard(label, DiscardDisconnected, msg)
			return false
		}

		data, err := Encode(msg)
		if err != nil {
			log.Printf("Relay %s: failed to encode message: %v", label, err)
			metrics.MessageDiscarded(string(DiscardEncode))
			return false
		}

		if err := p.Send(data); err != nil {
			if errors.Is(err, ErrPeerClosed) {
				discard(label, DiscardDisconnected, msg)
			} else {
				log.Printf("Relay %s: write failed: %v", label, err)
				metrics.MessageDiscarded(string(DiscardDisconnected))
			}
			return false
		}

		metrics.MessageRelayed(metrics.Downstream)
		return true
	}
}

func discard(label string, reason DiscardReason, msg Message) {
	switch reason {
	case DiscardGone:
		// The connection object was collected without a clean close.
		log.Printf("Relay %s: peer gone, discarding message %s", label, Describe(msg))
	default:
		log.Printf("Relay %s: peer disconnected, discarding message %s", label, Describe(msg))
	}
	metrics.MessageDiscarded(string(reason))
}
