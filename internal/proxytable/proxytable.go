// Package proxytable implements spec.md §4.4's two proxy tables: the
// export side (objects this process has handed a proxy number to a peer
// for) and the import side (objects a peer has handed this process a
// proxy number for). Grounded on gollum's core.StreamRegistry mutex-
// guarded map shape, generalized from a name-keyed single-valued
// registry to the number-keyed, ref-counted tables the connection engine
// needs.
package proxytable

import (
	"sync"
	"sync/atomic"

	"github.com/trivago/nsxpcd/internal/objcoder"
)

// RootProxyNumber is reserved for the root exported object (spec.md
// §4.4: "Number 1 reserved for the root exported object").
const RootProxyNumber uint64 = 1

// ExportRecord is one exported object's bookkeeping.
type ExportRecord struct {
	Object       objcoder.ObjectCoder
	SubInterface string
	ExternalRefs int64
}

// ExportTable is the export side of spec.md §4.4: "a map from uint64
// proxy-number to record... An external reference is added when a proxy
// marker is encoded for the peer; removed when a desist message
// arrives. Removing the last external reference drops the record; the
// root record is exempt."
type ExportTable struct {
	mu      sync.Mutex
	records map[uint64]*ExportRecord
	byIdent map[objcoder.ObjectCoder]uint64 // first-export memoization: same object, same number
	nextNum uint64
}

// NewExportTable returns an empty table with the root slot unpopulated;
// callers that have a root object call SetRoot before the first message.
func NewExportTable() *ExportTable {
	return &ExportTable{
		records: make(map[uint64]*ExportRecord),
		byIdent: make(map[objcoder.ObjectCoder]uint64),
		nextNum: RootProxyNumber + 1,
	}
}

// SetRoot installs the connection's root exported object at proxy number
// 1, exempt from ref-count-driven eviction per spec.md §4.4.
func (t *ExportTable) SetRoot(obj objcoder.ObjectCoder, subInterface string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[RootProxyNumber] = &ExportRecord{Object: obj, SubInterface: subInterface}
	t.byIdent[obj] = RootProxyNumber
	if t.nextNum == RootProxyNumber {
		t.nextNum = RootProxyNumber + 1
	}
}

// Export implements objcoder.Exporter: allocation returns a fresh number
// on the first export of a given object; re-exporting the same object
// returns its existing number and bumps its external ref count, since an
// encode of an already-exported proxy still counts as a new reference
// handed to the peer. Numbers are keyed by object alone: a re-export
// under a different subInterface reuses the existing number, and the
// record keeps the subInterface of the first export.
func (t *ExportTable) Export(obj objcoder.ObjectCoder, subInterface string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if num, ok := t.byIdent[obj]; ok {
		t.records[num].ExternalRefs++
		return num
	}
	num := t.nextNum
	t.nextNum++
	t.records[num] = &ExportRecord{Object: obj, SubInterface: subInterface, ExternalRefs: 1}
	t.byIdent[obj] = num
	return num
}

// Desist implements the peer-initiated DesistProxy message: "removed
// when a desist message arrives. Removing the last external reference
// drops the record."
func (t *ExportTable) Desist(num uint64) {
	if num == RootProxyNumber {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[num]
	if !ok {
		return
	}
	rec.ExternalRefs--
	if rec.ExternalRefs <= 0 {
		delete(t.records, num)
		delete(t.byIdent, rec.Object)
	}
}

// Lookup returns the exported object at num, for dispatching an inbound
// invocation (spec.md §4.5: "locate the target object, proxy-number 1
// unless explicit").
func (t *ExportTable) Lookup(num uint64) (*ExportRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[num]
	return rec, ok
}

// ImportTable is the import side of spec.md §4.4: "tracks imported
// proxies by identity; each proxy holds a single logical internal
// reference. Multiple codec decodes of the same proxy-number return the
// same proxy and bump the counter. When the internal count reaches 0,
// emit a desist message to the peer."
type ImportTable struct {
	mu         sync.Mutex
	refs       map[uint64]int64
	generation uint64 // bumped on Invalidate; stale proxies fail their ConnID compare

	// DesistSink receives the proxy number to send a desist message for,
	// invoked with the lock released.
	DesistSink func(num uint64)
}

// NewImportTable returns an empty import table.
func NewImportTable() *ImportTable {
	return &ImportTable{refs: make(map[uint64]int64)}
}

// Import implements objcoder.Importer. The returned objcoder.Proxy's
// ConnID encodes the table's current generation, so proxies decoded
// before an interruption compare unequal to the connection's live ConnID
// afterward — spec.md §4.4: "If the connection is interrupted, all
// imported proxies become stale by generation mismatch."
func (t *ImportTable) Import(num uint64) objcoder.Proxy {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs[num]++
	return objcoder.Proxy{Num: num, ConnID: t.generationID()}
}

// generationID must be called with the lock held.
func (t *ImportTable) generationID() interface{} {
	return t.generation
}

// Release drops one logical reference, emitting a desist message to the
// peer when the count reaches zero (spec.md §4.4). Called once per
// proxy finalized on the importing side.
func (t *ImportTable) Release(num uint64) {
	t.mu.Lock()
	remaining, ok := t.refs[num]
	if !ok {
		t.mu.Unlock()
		return
	}
	remaining--
	if remaining <= 0 {
		delete(t.refs, num)
	} else {
		t.refs[num] = remaining
	}
	sink := t.DesistSink
	t.mu.Unlock()

	if remaining <= 0 && sink != nil {
		sink(num)
	}
}

// Invalidate drops every imported proxy without sending desist messages
// (spec.md §4.4: "no desist is sent, the peer is gone") and bumps the
// generation so any objcoder.Proxy values already handed to the caller
// become stale.
func (t *ImportTable) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs = make(map[uint64]int64)
	t.generation++
}

// CurrentGeneration exposes the live generation marker so a connection
// can compare it against a Proxy's ConnID to detect staleness, per
// spec.md §4.4.
func (t *ImportTable) CurrentGeneration() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generationID()
}

// SequenceAllocator is a tiny helper the connection engine embeds for
// spec.md §4.5's "Select sequence (atomic monotonic increment)"; it
// lives here because proxy numbers and message sequences share the same
// monotonic-uint64 shape and gollum's core.MessageID uses the same
// sync/atomic pattern.
type SequenceAllocator struct{ n uint64 }

// Next returns the next monotonically increasing sequence number,
// starting at 1 (0 is reserved to mean "no sequence").
func (s *SequenceAllocator) Next() uint64 { return atomic.AddUint64(&s.n, 1) }

// NewSequenceAllocator returns a zeroed sequence allocator.
func NewSequenceAllocator() *SequenceAllocator { return &SequenceAllocator{} }
