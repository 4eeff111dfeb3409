// Package connection implements spec.md §4.5's connection engine: the
// per-peer state machine that serializes inbound dispatch and outbound
// invocation assembly onto one queue, tracks pending replies, and
// mediates interruption/invalidation. Grounded on gollum's
// core.SimpleConsumer/SimpleProducer pairing (one goroutine per plugin
// instance draining a channel) generalized from gollum's fire-and-forget
// message flow to NSXPC's request/reply/progress protocol.
package connection

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/trivago/nsxpcd/internal/iface"
	"github.com/trivago/nsxpcd/internal/metrics"
	"github.com/trivago/nsxpcd/internal/objcoder"
	"github.com/trivago/nsxpcd/internal/progress"
	"github.com/trivago/nsxpcd/internal/proxytable"
	"github.com/trivago/nsxpcd/internal/transport"
	"github.com/trivago/nsxpcd/internal/wire"
	"github.com/trivago/nsxpcd/internal/xpcerr"
)

type state int32

const (
	stateSuspended state = iota
	stateRunning
	stateInterrupted
	stateInvalidated
)

// pendingReply is one outstanding request's bookkeeping, spec.md §4.5:
// "register pending reply" / "block the calling thread on a semaphore
// released by the reply handler."
type pendingReply struct {
	specs   []objcoder.ArgSpec
	done    chan struct{}
	reply   objcoder.Reply
	err     error
	async   func(objcoder.Reply, error)
}

// Delegate resolves which exported object and protocol backs an inbound
// invocation, and supplies the class registry DecodeInvocation needs.
// Implemented by application code; cmd/nsxpcd's rootDelegate implements
// it for the daemon's root object.
type Delegate interface {
	// ExportedProtocol returns the protocol name governing proxyNum, so
	// the connection can look up the selector's signature.
	ExportedProtocol(proxyNum uint64) (protocol string, ok bool)

	// Dispatch invokes selector on the object exported at proxyNum with
	// the decoded arguments, delivering the reply (if any) via replyFn.
	// replyFn is nil when the caller did not request one and the method
	// itself expects no reply block.
	Dispatch(proxyNum uint64, selector string, args []interface{}, replyFn func(values []interface{}, remoteErr *objcoder.RemoteError))
}

// Connection is spec.md §4.5's connection engine.
type Connection struct {
	id uint64 // process-unique number assigned by New; connCtx's ConnID is the import generation, not id

	transport transport.Transport
	registry  *iface.Registry
	classes   *objcoder.Registry
	delegate  Delegate

	Exports  *proxytable.ExportTable
	Imports  *proxytable.ImportTable
	Progress *progress.Bridge
	seq      proxytable.SequenceAllocator

	state      int32 // state, accessed atomically
	generation uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingReply

	// queueMu guards queue's open/closed lifecycle: post's
	// check-then-send and onInvalidate's close must be mutually
	// exclusive, or a send can race a close of the same channel.
	queueMu     sync.Mutex
	queueClosed bool
	queue       chan func()

	InterruptHandler  func()
	InvalidateHandler func()

	// DefaultTimeout bounds synchronous Invoke calls; zero means
	// unbounded, per spec.md §5: "per-proxy timeout (default:
	// unbounded)".
	DefaultTimeout time.Duration
}

var connIDCounter uint64

// New constructs a suspended Connection over t.
func New(t transport.Transport, registry *iface.Registry, classes *objcoder.Registry, delegate Delegate) *Connection {
	return &Connection{
		id:        atomic.AddUint64(&connIDCounter, 1),
		transport: t,
		registry:  registry,
		classes:   classes,
		delegate:  delegate,
		Exports:   proxytable.NewExportTable(),
		Imports:   proxytable.NewImportTable(),
		Progress:  progress.NewBridge(),
		pending:   make(map[uint64]*pendingReply),
		queue:     make(chan func(), 64),
		state:     int32(stateSuspended),
	}
}

// Resume implements spec.md §4.5's "Startup... Resume sets the event
// handler on the transport and transitions to Running."
func (c *Connection) Resume() {
	if !atomic.CompareAndSwapInt32(&c.state, int32(stateSuspended), int32(stateRunning)) {
		return
	}
	go c.runQueue()
	c.Imports.DesistSink = c.sendDesist
	c.transport.SetEventHandler(connEventAdapter{c})
	c.transport.Resume()
}

// Suspend stops the transport's inbound delivery without invalidating.
func (c *Connection) Suspend() {
	c.transport.Suspend()
}

func (c *Connection) runQueue() {
	for fn := range c.queue {
		fn()
	}
}

// post hands fn to the connection's serial queue. Guarded by queueMu so
// that a concurrent onInvalidate cannot close c.queue between this
// check and the send below.
func (c *Connection) post(fn func()) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.queueClosed {
		return
	}
	c.queue <- fn
}

// connCtx builds the objcoder.Context for the connection's current
// generation: proxies imported before the most recent interruption
// compare unequal, implementing spec.md §4.4's staleness rule.
func (c *Connection) connCtx() *objcoder.Context {
	return &objcoder.Context{
		ConnID:   c.Imports.CurrentGeneration(),
		Exporter: c.Exports,
		Importer: c.Imports,
	}
}

// connEventAdapter satisfies transport.EventHandler without exposing
// Connection's method set directly as the handler (HandleMessage etc.
// below are the real logic; this indirection keeps Connection's public
// API free of transport-specific plumbing).
type connEventAdapter struct{ c *Connection }

func (a connEventAdapter) HandleMessage(env wire.Envelope) { a.c.onMessage(env) }
func (a connEventAdapter) HandleInterrupt()                { a.c.onInterrupt() }
func (a connEventAdapter) HandleInvalidate()               { a.c.onInvalidate() }

// onMessage implements spec.md §4.5's inbound dispatch, steps 1-5. It
// runs on the transport's read goroutine but immediately hands off to
// the connection's serial queue, since "all inbound decoding... run on
// that queue."
func (c *Connection) onMessage(env wire.Envelope) {
	c.post(func() { c.dispatchInbound(env) })
}

func (c *Connection) dispatchInbound(env wire.Envelope) {
	if err := env.Flags.Validate(); err != nil {
		log.WithError(err).Warning("connection: dropping message with invalid flags")
		metrics.Inc(metrics.MalformedMessages, 1)
		return
	}

	if env.Flags.Has(wire.ProgressMessage) {
		c.dispatchProgress(env)
		return
	}

	if env.Flags.Has(wire.DesistProxy) {
		if env.HasProxyNum {
			c.Exports.Desist(env.ProxyNum)
			metrics.Inc(metrics.DesistsSent, 1)
		}
		return
	}

	if env.Flags.Has(wire.Noninvocation) {
		// Per spec.md §4.5 step 4: "currently only progress and desist
		// use this" — both handled above, so reaching here with
		// Noninvocation set and neither bit present is simply a no-op.
		return
	}

	c.dispatchInvocationOrReply(env)
}

func (c *Connection) dispatchProgress(env wire.Envelope) {
	if !env.HasSequence {
		log.Warning("connection: progress message missing sequence")
		return
	}
	h, ok := c.Progress.Lookup(env.Sequence)
	if !ok {
		h = c.Progress.Establish(env.Sequence)
	}
	if env.Flags.Has(wire.CancelProgress) {
		h.Cancel()
	}
	if env.Flags.Has(wire.PauseProgress) {
		h.Pause()
	}
	if env.Flags.Has(wire.ResumeProgress) {
		h.Resume()
	}
	if env.Root != nil {
		snap, err := decodeProgressSnapshot(env.Root)
		if err != nil {
			log.WithError(err).Warning("connection: malformed progress snapshot")
			return
		}
		h.Update(snap)
	}
}

func (c *Connection) dispatchInvocationOrReply(env wire.Envelope) {
	ctx := c.connCtx()
	ctx.OOL = env.OOLObjects
	if env.HasSequence {
		if slot, ok := c.takePending(env.Sequence); ok {
			reply, err := objcoder.DecodeReply(ctx, c.classes, env.Root, slot.specs)
			slot.reply = reply
			slot.err = err
			if slot.async != nil {
				slot.async(reply, err)
			}
			close(slot.done)
			return
		}
	}

	proxyNum := uint64(proxytable.RootProxyNumber)
	if env.HasProxyNum {
		proxyNum = env.ProxyNum
	}
	protocol, ok := c.delegate.ExportedProtocol(proxyNum)
	if !ok {
		log.WithField("proxynum", proxyNum).Warning("connection: invocation for unexported object")
		return
	}

	// A first decode pass reads the selector and signature without
	// argument specs (they aren't known until the selector resolves),
	// mirroring the two-phase "decode selector, then look up its
	// signature" shape spec.md §4.5 step 5 describes.
	selector, signature, err := peekSelector(env.Root)
	if err != nil {
		log.WithError(err).Warning("connection: malformed invocation")
		metrics.Inc(metrics.MalformedMessages, 1)
		return
	}

	sig, ok, err := c.registry.Signature(protocol, selector)
	if err != nil {
		log.WithError(err).Warning("connection: failed to synthesize method signature")
		return
	}
	if !ok {
		log.WithFields(log.Fields{"protocol": protocol, "selector": selector}).Warning("connection: unknown selector")
		return
	}

	inv, err := objcoder.DecodeInvocation(ctx, c.classes, env.Root, sig.Args)
	if err != nil {
		log.WithError(err).WithField("selector", selector).Warning("connection: insecure or malformed invocation, dropping")
		return
	}
	inv.Signature = signature

	c.incrementOutstanding()
	replyExpected := sig.HasReply || env.Flags.Has(wire.ExpectsReply)
	sequence := env.Sequence

	var replyFn func(values []interface{}, remoteErr *objcoder.RemoteError)
	if replyExpected {
		replyFn = func(values []interface{}, remoteErr *objcoder.RemoteError) {
			c.post(func() {
				c.sendReply(sequence, values, sig.ReplyArgs, remoteErr)
				c.decrementOutstanding()
			})
		}
	} else {
		defer c.decrementOutstanding()
	}

	c.delegate.Dispatch(proxyNum, selector, inv.Args, replyFn)
}

func (c *Connection) sendReply(sequence uint64, values []interface{}, specs []objcoder.ArgSpec, remoteErr *objcoder.RemoteError) {
	var root []byte
	var err error
	var ool []transport.OOLObject
	if remoteErr != nil {
		root, err = objcoder.EncodeReplyError(*remoteErr)
	} else {
		ctx := c.connCtx()
		root, err = objcoder.EncodeReply(ctx, values, specs)
		ool = ctx.OOL
	}
	if err != nil {
		log.WithError(err).Warning("connection: failed to encode reply")
		return
	}
	env := wire.Envelope{Flags: wire.Required, Root: root, OOLObjects: ool, Sequence: sequence, HasSequence: true}
	if sendErr := c.transport.Send(env); sendErr != nil {
		log.WithError(sendErr).Warning("connection: failed to send reply")
	}
}

func (c *Connection) takePending(sequence uint64) (*pendingReply, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	slot, ok := c.pending[sequence]
	if ok {
		delete(c.pending, sequence)
		metrics.Inc(metrics.OutstandingReplies, -1)
	}
	return slot, ok
}

func (c *Connection) incrementOutstanding() { metrics.Inc(metrics.OutstandingReplies, 1) }
func (c *Connection) decrementOutstanding() { metrics.Inc(metrics.OutstandingReplies, -1) }

func (c *Connection) sendDesist(proxyNum uint64) {
	c.post(func() {
		env := wire.Envelope{
			Flags:       wire.Required | wire.Noninvocation | wire.DesistProxy,
			ProxyNum:    proxyNum,
			HasProxyNum: true,
		}
		if err := c.transport.Send(env); err != nil {
			log.WithError(err).Warning("connection: failed to send desist")
		}
	})
}

// onInterrupt implements spec.md §4.5: "bump generation; fail every
// pending reply with connection interrupted; drop all imported proxies;
// retain exported records."
func (c *Connection) onInterrupt() {
	atomic.StoreInt32(&c.state, int32(stateInterrupted))
	atomic.AddUint64(&c.generation, 1)

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingReply)
	c.pendingMu.Unlock()

	for seq, slot := range pending {
		slot.err = xpcerr.NewInterruptedError("connection: interrupted while reply for sequence %d was outstanding", seq)
		if slot.async != nil {
			slot.async(objcoder.Reply{}, slot.err)
		}
		close(slot.done)
	}

	c.Imports.Invalidate()
	c.Progress.InvalidateAll()
	metrics.Inc(metrics.Interruptions, 1)

	if c.InterruptHandler != nil {
		c.InterruptHandler()
	}
}

// onInvalidate implements spec.md §4.5: terminal invalidation — fail all
// pending replies, fire the invalidation handler, block all future
// operations. Idempotent: both the transport's read loop (on a closed
// connection) and a local Invalidate() call can reach this, racing each
// other, and the queue must only be closed once.
func (c *Connection) onInvalidate() {
	if !c.transitionToInvalidated() {
		return
	}

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingReply)
	c.pendingMu.Unlock()

	for _, slot := range pending {
		slot.err = xpcerr.NewConnectionInvalidError("connection: invalidated while a reply was outstanding")
		if slot.async != nil {
			slot.async(objcoder.Reply{}, slot.err)
		}
		close(slot.done)
	}

	c.Progress.InvalidateAll()
	metrics.Inc(metrics.Invalidations, 1)

	c.queueMu.Lock()
	c.queueClosed = true
	close(c.queue)
	c.queueMu.Unlock()

	if c.InvalidateHandler != nil {
		c.InvalidateHandler()
	}
}

// Invalidate tears the connection down from the local side.
func (c *Connection) Invalidate() error {
	err := c.transport.Invalidate()
	c.onInvalidate()
	return err
}

// IsInvalidated reports whether the connection has been torn down.
func (c *Connection) IsInvalidated() bool {
	return state(atomic.LoadInt32(&c.state)) == stateInvalidated
}

// transitionToInvalidated CASes the state to stateInvalidated exactly
// once, reporting false to every caller after the first.
func (c *Connection) transitionToInvalidated() bool {
	for {
		old := atomic.LoadInt32(&c.state)
		if state(old) == stateInvalidated {
			return false
		}
		if atomic.CompareAndSwapInt32(&c.state, old, int32(stateInvalidated)) {
			return true
		}
	}
}
