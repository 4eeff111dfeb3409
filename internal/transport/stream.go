package transport

import (
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/trivago/nsxpcd/internal/wire"
)

// StreamTransport drives a duplex Envelope stream over any net.Conn: TCP,
// unix-domain, or (via net.Pipe) an in-process peer pair, as the
// connection package's tests use. Grounded on gollum's
// producer/socket.go (dial-and-reconnect write loop) and
// consumer/socket.go (accept-and-read loop), collapsed into one type
// because unlike gollum's split consumer/producer plugins, an NSXPC peer
// reads and writes the same connection.
type StreamTransport struct {
	conn net.Conn
	desc string

	mu      sync.Mutex
	handler EventHandler
	running bool
	closed  bool

	writeMu sync.Mutex
}

// NewStreamTransport wraps an already-established connection. Dialing or
// accepting happens in the listener / dialer, not here, mirroring gollum's
// separation between the socket plugin and its connection loop.
func NewStreamTransport(conn net.Conn) *StreamTransport {
	return &StreamTransport{
		conn: conn,
		desc: conn.RemoteAddr().String(),
	}
}

// Dial opens a new StreamTransport to address over network ("tcp" or
// "unix"), the active side of producer/socket.go's dial-and-reconnect
// loop minus the reconnect (the connection engine owns retry policy).
func Dial(network, address string) (*StreamTransport, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return NewStreamTransport(conn), nil
}

func (t *StreamTransport) SetEventHandler(h EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *StreamTransport) Resume() {
	t.mu.Lock()
	if t.running || t.closed {
		t.mu.Unlock()
		return
	}
	t.running = true
	handler := t.handler
	t.mu.Unlock()

	go t.readLoop(handler)
}

func (t *StreamTransport) Suspend() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

func (t *StreamTransport) readLoop(handler EventHandler) {
	for {
		t.mu.Lock()
		running := t.running
		t.mu.Unlock()
		if !running {
			return
		}

		payload, err := readFrame(t.conn)
		if err != nil {
			if err == io.EOF {
				log.WithField("peer", t.desc).Debug("stream transport: peer closed connection")
			} else {
				log.WithFields(log.Fields{"peer": t.desc, "error": err}).Warning("stream transport: read failed")
			}
			t.mu.Lock()
			t.running = false
			t.closed = true
			t.mu.Unlock()
			if handler != nil {
				handler.HandleInvalidate()
			}
			return
		}

		if len(payload) == 0 {
			// Zero-length frame is the interrupt signal: spec.md §5's
			// "interrupt" has no payload of its own.
			if handler != nil {
				handler.HandleInterrupt()
			}
			continue
		}

		env, err := DecodeEnvelope(payload)
		if err != nil {
			log.WithFields(log.Fields{"peer": t.desc, "error": err}).Warning("stream transport: malformed envelope, invalidating")
			t.mu.Lock()
			t.running = false
			t.closed = true
			t.mu.Unlock()
			if handler != nil {
				handler.HandleInvalidate()
			}
			return
		}
		if handler != nil {
			handler.HandleMessage(env)
		}
	}
}

func (t *StreamTransport) Send(e wire.Envelope) error {
	payload, err := EncodeEnvelope(e)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return writeFrame(t.conn, payload)
}

// SendInterrupt writes the zero-length frame readLoop recognizes as an
// interrupt signal, per spec.md §5.
func (t *StreamTransport) SendInterrupt() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return writeFrame(t.conn, nil)
}

func (t *StreamTransport) Invalidate() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.running = false
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *StreamTransport) PeerDescription() string { return t.desc }
