// Package wire defines the NSXPC message envelope (spec.md §3, §6): the
// flags bitset and the transport dictionary shape every message is framed
// as. It is new relative to the teacher, since no example repo models an
// XPC-shaped envelope; the bit-flag idiom (named uint64 constants with a
// validating reserved-bit mask) follows the style of gollum's
// core.PluginControl / shared.BufferedReaderFlags enums.
package wire

import "github.com/trivago/nsxpcd/internal/xpcerr"

// Flags is the fixed bit set from spec.md §6, widened to the 18-bit
// position superset per the spec's own Open Question resolution: "this
// spec adopts the widest set; implementers must reject messages with
// reserved bits set".
type Flags uint64

const (
	Required                  Flags = 1 << 0
	Noninvocation              Flags = 1 << 2
	DesistProxy                Flags = 1 << 3
	ProgressMessage            Flags = 1 << 4
	ExpectsReply               Flags = 1 << 5
	TracksProgress             Flags = 1 << 6
	InitiatesProgressTracking  Flags = 1 << 7
	CancelProgress             Flags = 1 << 16
	PauseProgress              Flags = 1 << 17
	ResumeProgress             Flags = 1 << 18
)

// knownMask is the union of every bit this implementation understands.
// Any set bit outside this mask must be rejected (spec.md §9 Open
// Question: forward compatibility).
const knownMask = Required | Noninvocation | DesistProxy | ProgressMessage |
	ExpectsReply | TracksProgress | InitiatesProgressTracking |
	CancelProgress | PauseProgress | ResumeProgress

// Has reports whether every bit in want is set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Validate enforces spec.md's flag invariants:
//   - Required must be set on every message.
//   - no reserved (unknown) bit may be set.
//   - Noninvocation requires at least one of DesistProxy/ProgressMessage
//     (spec.md §9's resolution of the Noninvocation/DesistProxy/
//     ProgressMessage overlap Open Question).
func (f Flags) Validate() error {
	if !f.Has(Required) {
		return xpcerr.NewMalformedWireError("wire: Required flag missing (flags=0x%x)", uint64(f))
	}
	if f&^knownMask != 0 {
		return xpcerr.NewMalformedWireError("wire: reserved flag bits set (flags=0x%x)", uint64(f))
	}
	if f.Has(Noninvocation) && !f.Has(DesistProxy) && !f.Has(ProgressMessage) {
		return xpcerr.NewMalformedWireError("wire: Noninvocation set without DesistProxy or ProgressMessage (flags=0x%x)", uint64(f))
	}
	return nil
}
