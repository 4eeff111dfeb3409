package transport

import (
	"fmt"

	"github.com/trivago/nsxpcd/internal/wire"
)

// OOLObject is wire.OOLObject under this package's name; Endpoint,
// RawConnection and FileDescriptor implement it.
type OOLObject = wire.OOLObject

// Endpoint is a transport-native value: the thing a name service resolves
// a string to, and the thing an NSXPC message can hand to a peer so it can
// open a brand-new connection without going through the name service
// (spec.md glossary: "out-of-line object"; scenario 5, "Endpoint
// handoff").
type Endpoint struct {
	Network string // "tcp", "unix", "ws"
	Address string
}

// OOLDescription implements wire.OOLObject.
func (e Endpoint) OOLDescription() string {
	return fmt.Sprintf("endpoint(%s://%s)", e.Network, e.Address)
}

// RawConnection is an out-of-line handoff of an already-open transport
// (spec.md §3: "raw connections" among the ool_object kinds).
type RawConnection struct {
	Underlying Transport
}

// OOLDescription implements wire.OOLObject.
func (r RawConnection) OOLDescription() string { return "raw-connection" }

// FileDescriptor is an out-of-line handoff of an OS file descriptor.
type FileDescriptor struct {
	FD int
}

// OOLDescription implements wire.OOLObject.
func (f FileDescriptor) OOLDescription() string { return fmt.Sprintf("fd(%d)", f.FD) }
