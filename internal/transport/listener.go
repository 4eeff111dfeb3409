package transport

import (
	"net"

	log "github.com/sirupsen/logrus"
)

// PeerValidator decides whether to accept a freshly-dialed connection
// before any message is read from it, spec.md §3's "each listener mode
// differs in what it demands of a connecting peer before handing off a
// Connection". Implementations inspect conn (e.g. SO_PEERCRED / SCM
// credentials on a unix socket) and return false to refuse it.
type PeerValidator func(conn net.Conn) bool

// AcceptAll is the Anonymous listener's validator: spec.md §3 says it
// "performs no peer validation at all".
func AcceptAll(net.Conn) bool { return true }

// Listener accepts inbound connections and hands each accepted one to
// Accepted as a *StreamTransport, grounded on gollum's consumer/proxy.go
// accept loop (net.Listener.Accept in a tight loop, one goroutine per
// accepted connection).
type Listener struct {
	ln        net.Listener
	validator PeerValidator
	mode      string

	// Accepted receives each validated connection. The connection engine
	// reads from this channel to spin up new Connections.
	Accepted chan *StreamTransport

	stop chan struct{}
}

func newListener(ln net.Listener, mode string, validator PeerValidator) *Listener {
	l := &Listener{
		ln:        ln,
		validator: validator,
		mode:      mode,
		Accepted:  make(chan *StreamTransport),
		stop:      make(chan struct{}),
	}
	go l.acceptLoop()
	return l
}

// NewAnonymousListener implements spec.md §3's anonymous listener mode:
// any peer that can reach the address is accepted.
func NewAnonymousListener(network, address string) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return newListener(ln, "anonymous", AcceptAll), nil
}

// NewServiceListener implements spec.md §3's named-service listener mode:
// peers are expected to have resolved the service name through the name
// service before dialing, and validator applies whatever additional
// per-service check the caller wants (code-signing requirement equivalent,
// entitlement check, etc).
func NewServiceListener(network, address string, validator PeerValidator) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	if validator == nil {
		validator = AcceptAll
	}
	return newListener(ln, "service", validator), nil
}

// NewPrivilegedListener implements SPEC_FULL.md's supplemental third
// listener mode: validator is mandatory and expected to check a peer
// credential (uid/gid on a unix-domain socket) before any message is
// exchanged, rejecting unprivileged peers outright. Both daemons use this
// mode when their listener config sets privileged.
func NewPrivilegedListener(network, address string, validator PeerValidator) (*Listener, error) {
	if validator == nil {
		panic("transport: privileged listener requires a non-nil PeerValidator")
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return newListener(ln, "privileged", validator), nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stop:
				return
			default:
				log.WithFields(log.Fields{"mode": l.mode, "error": err}).Warning("listener: accept failed")
				return
			}
		}
		if !l.validator(conn) {
			log.WithFields(log.Fields{"mode": l.mode, "peer": conn.RemoteAddr()}).Warning("listener: peer rejected by validator")
			conn.Close()
			continue
		}
		select {
		case l.Accepted <- NewStreamTransport(conn):
		case <-l.stop:
			conn.Close()
			return
		}
	}
}

// Close stops accepting new connections. Already-accepted transports are
// unaffected.
func (l *Listener) Close() error {
	close(l.stop)
	return l.ln.Close()
}

// Addr returns the listener's bound address, useful when address was
// ":0" and the caller needs to learn the assigned port.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
