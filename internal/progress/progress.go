// Package progress implements spec.md §4.6's progress bridge: the
// cross-process mirror of an in-flight invocation's progress object,
// keyed by the invocation's sequence number. Grounded on gollum's
// core.Message sequence-keyed bookkeeping (the same "number that ties an
// inbound event to an outbound reaction" shape as a pending reply slot),
// generalized here from request/reply pairing to a longer-lived,
// repeatedly-updated pair.
package progress

import (
	"sync"
)

// Snapshot is the {completed, total, cancellable, pausable} state spec.md
// §4.6 says "the sender's progress object's fields are mirrored in
// messages with ProgressMessage set."
type Snapshot struct {
	Completed   int64
	Total       int64
	Cancellable bool
	Pausable    bool
}

// Handle is one side of a linked progress pair. CancelFunc/PauseFunc/
// ResumeFunc are set by the local code backing this sequence; the
// connection engine calls Cancel/Pause/Resume when the matching flag
// arrives but does not set the hooks itself. They are nil on a handle
// that only mirrors remote state (the receiving side
// of a progress pair never needs to honor cancel/pause/resume locally,
// it only forwards the request across the wire).
type Handle struct {
	Sequence uint64

	mu       sync.Mutex
	snapshot Snapshot
	onUpdate func(Snapshot)

	CancelFunc func()
	PauseFunc  func()
	ResumeFunc func()
}

// Update applies a new snapshot and notifies any registered observer —
// called either by local progress-producing code (sender side) or by the
// connection engine when a ProgressMessage arrives (receiver side).
func (h *Handle) Update(s Snapshot) {
	h.mu.Lock()
	h.snapshot = s
	cb := h.onUpdate
	h.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Snapshot returns the handle's last known state.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot
}

// OnUpdate registers a callback invoked on every Update.
func (h *Handle) OnUpdate(cb func(Snapshot)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUpdate = cb
}

// Cancel propagates a cancellation. On the side that owns the live
// invocation (spec.md §4.6: "the remote side signals cancel into the
// live invocation's associated progress so that in-flight work can
// abort") CancelFunc does the aborting; on the purely observing side
// it is nil and Cancel is a no-op.
func (h *Handle) Cancel() {
	if h.CancelFunc != nil {
		h.CancelFunc()
	}
}

// Pause propagates a pause request.
func (h *Handle) Pause() {
	if h.PauseFunc != nil {
		h.PauseFunc()
	}
}

// Resume propagates a resume request.
func (h *Handle) Resume() {
	if h.ResumeFunc != nil {
		h.ResumeFunc()
	}
}

// Bridge tracks every live progress pair for one connection, keyed by
// sequence number.
type Bridge struct {
	mu      sync.Mutex
	handles map[uint64]*Handle
}

// NewBridge returns an empty progress bridge.
func NewBridge() *Bridge {
	return &Bridge{handles: make(map[uint64]*Handle)}
}

// Establish creates (or returns the existing) handle for sequence. The
// connection engine calls it when a ProgressMessage arrives for a
// sequence that has no handle yet; sending or receiving an invocation,
// with or without TracksProgress, does not establish a handle.
func (b *Bridge) Establish(sequence uint64) *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.handles[sequence]; ok {
		return h
	}
	h := &Handle{Sequence: sequence}
	b.handles[sequence] = h
	return h
}

// Lookup returns the handle for sequence, if one has been established.
func (b *Bridge) Lookup(sequence uint64) (*Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[sequence]
	return h, ok
}

// Retire removes the progress pair for sequence. The connection engine
// does not call it; a pair stays in the bridge until Retire or
// InvalidateAll removes it.
func (b *Bridge) Retire(sequence uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handles, sequence)
}

// InvalidateAll drops every tracked progress pair, called when the
// owning connection is interrupted or invalidated — there is no peer
// left to mirror progress to or from.
func (b *Bridge) InvalidateAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles = make(map[uint64]*Handle)
}
