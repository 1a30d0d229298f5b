// Package ws provides the browser-facing side of a proxy session.
//
// The package implements:
//   - Conn: one upgraded browser connection with a read pump and a write pump
//   - NewUpgrader: the HTTP upgrader with origin checking
//
// Key features:
//   - Ordered writes: every frame goes through one buffered channel and one
//     writer goroutine
//   - Liveness: Connected and Send share the close lock, so a frame is either
//     queued before the close frame or rejected
//   - Close with diagnostics: CloseWith flushes queued frames, then sends a
//     close frame with a code and reason
//   - Slow consumers are disconnected instead of blocking the upstream reader
package ws
