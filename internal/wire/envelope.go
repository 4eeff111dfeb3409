package wire

// Envelope is the in-memory shape of spec.md §6's "one message = one
// transport dictionary". Transport implementations (internal/transport)
// marshal/unmarshal Envelope to and from whatever duplex message transport
// they wrap (spec.md §1 collaborator (a)).
type Envelope struct {
	Flags Flags

	// Root carries the bplist16-framed payload. Absent (nil) only for a
	// pure desist or progress message per spec.md §6.
	Root []byte

	// OOLObjects holds transport-native values referenced by index from
	// inside Root (spec.md glossary: "out-of-line object").
	OOLObjects []OOLObject

	// Sequence identifies a request/reply/progress stream. Present on
	// ExpectsReply, Progress, and reply messages.
	Sequence uint64
	HasSequence bool

	// ProxyNum names the exported object being released. Present on
	// DesistProxy messages.
	ProxyNum uint64
	HasProxyNum bool

	// ReplySig is the reply-block's type signature. Present on
	// ExpectsReply messages.
	ReplySig string
}

// OOLObject is a transport-native value carried out-of-line and referenced
// from the payload by index (spec.md glossary). Concrete implementations
// (endpoints, raw connections, file descriptors) live in
// internal/transport, which is the only package that knows how to move
// them across the wire.
type OOLObject interface {
	// OOLDescription is used only for logging; it deliberately doesn't
	// expose the underlying transport primitive to this package.
	OOLDescription() string
}
