// Package transport implements spec.md §1's assumed collaborator (a): "a
// duplex message transport delivering length-bounded typed messages...
// between peers with connect/interrupt/invalidate events". It is modeled
// on gollum's socket plugins (consumer/proxy.go's accept loop,
// producer/proxy.go's dial-and-reconnect loop, and shared.BufferedReader's
// length-prefixed message partitioning), generalized from gollum's
// line/delimiter message framing to a binary, envelope-shaped protocol.
package transport

import (
	"github.com/trivago/nsxpcd/internal/wire"
)

// EventHandler receives the three events spec.md's connection engine reacts
// to: an inbound message, peer interruption, and terminal invalidation.
type EventHandler interface {
	HandleMessage(wire.Envelope)
	HandleInterrupt()
	HandleInvalidate()
}

// Transport is the duplex channel a Connection drives. Implementations:
// streamtransport (TCP/unix-domain sockets) and wstransport (WebSocket,
// grounded on gollum's producer/websocket.go).
type Transport interface {
	// SetEventHandler attaches the handler that Resume will start
	// delivering events to. Must be called before Resume.
	SetEventHandler(EventHandler)

	// Resume starts the transport's read loop. Mirrors
	// spec.md §4.5: "Resume sets the event handler on the transport and
	// transitions to Running."
	Resume()

	// Suspend stops delivering inbound events without tearing down the
	// underlying connection.
	Suspend()

	// Send posts one message. Safe to call concurrently with Resume's
	// read loop; outbound ordering is the caller's (connection engine's)
	// responsibility.
	Send(wire.Envelope) error

	// Invalidate tears the transport down permanently.
	Invalidate() error

	// PeerDescription names the remote peer for logging.
	PeerDescription() string
}
