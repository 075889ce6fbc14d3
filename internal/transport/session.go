// Package transport provides the line-oriented secure session used by the
// provisioning exchanges.
//
// A session is opened against an endpoint whose public key is pinned in
// advance. The client authenticates with an ephemeral key. Text sent before
// the handshake completes is queued and flushed once it does. Events are
// delivered to a Handler through the post function given at construction,
// so handlers run on the caller's event loop.
package transport

import "errors"

// ErrNotConnected is returned by Send after the session was closed.
var ErrNotConnected = errors.New("session is not connected")

// Handler receives session events.
type Handler interface {
	HandshakeCompleted()
	LineReady(line string)
	// SessionEnded reports the end of the session. err is nil for a clean
	// close by the peer.
	SessionEnded(err error)
}

// Session is a secure, line-oriented connection to a provisioning server.
type Session interface {
	SetHandler(h Handler)
	// Connect starts connecting in the background. Any previous connection is
	// closed and its pending events are dropped.
	Connect(endpoint, pinnedPublicKey, ephemeralPublicKey string) error
	Send(text string) error
	Close() error
}
