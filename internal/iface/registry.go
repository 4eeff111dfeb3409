package iface

import (
	"sync"

	"github.com/trivago/nsxpcd/internal/objcoder"
)

// ArgOverride is a consumer-supplied refinement of one argument's default
// wire treatment, per spec.md §4.3: "Consumer APIs allow overriding per
// argument: setting an allowed-class set..., an allowed-transport-type, a
// sub-interface..., or a sub-interface for a reply argument."
type ArgOverride struct {
	AllowedClasses       objcoder.ClassAllowList
	AllowedTransportType string
	SubInterface         string
}

// protocolEntry holds one protocol's raw method declarations before
// they're synthesized and memoized.
type protocolEntry struct {
	methods map[string]methodDecl
}

type methodDecl struct {
	fn        interface{}
	overrides map[int]ArgOverride
}

// Registry is the lazy, memoized per-protocol/per-selector signature
// cache spec.md §4.3 describes. Grounded on gollum's core.TypeRegistry
// (name -> factory, populated by init() calls and consulted on demand),
// generalized here to protocol+selector -> synthesized signature.
type Registry struct {
	mu        sync.Mutex
	protocols map[string]*protocolEntry
	memo      map[string]MethodSignature // "protocol\x00selector" -> signature
}

// NewRegistry returns an empty interface registry.
func NewRegistry() *Registry {
	return &Registry{
		protocols: make(map[string]*protocolEntry),
		memo:      make(map[string]MethodSignature),
	}
}

// DeclareProtocol returns a builder that registers a protocol's methods,
// creating the protocol's entry on first use.
func (r *Registry) DeclareProtocol(protocol string) *ProtocolBuilder {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.protocols[protocol]
	if !ok {
		entry = &protocolEntry{methods: make(map[string]methodDecl)}
		r.protocols[protocol] = entry
	}
	return &ProtocolBuilder{registry: r, protocol: protocol, entry: entry}
}

// ProtocolBuilder accumulates method declarations for one protocol.
type ProtocolBuilder struct {
	registry *Registry
	protocol string
	entry    *protocolEntry
}

// Method declares one selector. fn is the Go method value whose parameter
// shape Synthesize will reflect over; overrides refines specific argument
// slots (by positional index, reply-block arguments numbered after the
// method's own arguments). overrides may be nil.
func (b *ProtocolBuilder) Method(selector string, fn interface{}, overrides map[int]ArgOverride) *ProtocolBuilder {
	b.registry.mu.Lock()
	defer b.registry.mu.Unlock()
	b.entry.methods[selector] = methodDecl{fn: fn, overrides: overrides}
	delete(b.registry.memo, memoKey(b.protocol, selector))
	return b
}

func memoKey(protocol, selector string) string { return protocol + "\x00" + selector }

// Signature returns the synthesized signature for protocol+selector,
// synthesizing and memoizing it on first lookup. Synthesis failures
// (a Go type the wire can't represent) are returned as errors; an
// unregistered selector is not an error here — see ArgOverrideFor for
// the "no extra classes beyond default" behavior spec.md §4.3 describes
// for that case.
func (r *Registry) Signature(protocol, selector string) (MethodSignature, bool, error) {
	key := memoKey(protocol, selector)

	r.mu.Lock()
	if sig, ok := r.memo[key]; ok {
		r.mu.Unlock()
		return sig, true, nil
	}
	entry, ok := r.protocols[protocol]
	if !ok {
		r.mu.Unlock()
		return MethodSignature{}, false, nil
	}
	decl, ok := entry.methods[selector]
	r.mu.Unlock()
	if !ok {
		return MethodSignature{}, false, nil
	}

	sig, err := Synthesize(selector, decl.fn, decl.overrides)
	if err != nil {
		return MethodSignature{}, false, err
	}

	r.mu.Lock()
	r.memo[key] = sig
	r.mu.Unlock()
	return sig, true, nil
}

// ArgOverrideFor returns the per-argument override for protocol/selector/
// argIndex, or the zero value (an empty allow-list, meaning "no extra
// classes beyond default") if the selector or the specific argument slot
// was never overridden — spec.md §4.3's "lookups against an unknown
// selector return an empty set".
func (r *Registry) ArgOverrideFor(protocol, selector string, argIndex int) ArgOverride {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.protocols[protocol]
	if !ok {
		return ArgOverride{}
	}
	decl, ok := entry.methods[selector]
	if !ok {
		return ArgOverride{}
	}
	return decl.overrides[argIndex]
}
