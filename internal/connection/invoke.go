package connection

import (
	"sync/atomic"
	"time"

	"github.com/trivago/nsxpcd/internal/metrics"
	"github.com/trivago/nsxpcd/internal/objcoder"
	"github.com/trivago/nsxpcd/internal/progress"
	"github.com/trivago/nsxpcd/internal/proxytable"
	"github.com/trivago/nsxpcd/internal/wire"
	"github.com/trivago/nsxpcd/internal/xpcerr"
)

// Invoke implements spec.md §4.5's outbound invocation: selects a
// sequence, assembles the encoded message on the connection's serial
// queue, sends it, and — for a synchronous call — blocks the calling
// goroutine on a reply channel (spec.md §5: "sending a sync invocation
// blocks the calling thread on a reply semaphore; all other threads
// continue").
//
// protocol/selector resolve the method's signature through the same
// iface.Registry the inbound dispatcher consults, since both peers of
// an NSXPC-style connection share one protocol definition. If sig.HasReply
// is true the call carries ExpectsReply automatically, mirroring
// spec.md's "locate any block argument, treat it as the reply-block."
//
// sync selects between the blocking and fire-and-forget forms; when sync
// is false, asyncReply (which may be nil) is invoked later, from the
// connection's queue goroutine, once the reply arrives.
func (c *Connection) Invoke(proxyNum uint64, protocol, selector string, args []interface{}, timeout time.Duration, sync bool, asyncReply func(objcoder.Reply, error)) (objcoder.Reply, error) {
	if state(atomic.LoadInt32(&c.state)) == stateInvalidated {
		return objcoder.Reply{}, xpcerr.NewConnectionInvalidError("connection: invoke on an invalidated connection")
	}

	sig, ok, err := c.registry.Signature(protocol, selector)
	if err != nil {
		return objcoder.Reply{}, err
	}
	if !ok {
		return objcoder.Reply{}, xpcerr.NewUnknownSelectorError("connection: %q has no selector %q", protocol, selector)
	}
	if len(args) != len(sig.Args) {
		return objcoder.Reply{}, xpcerr.NewInvariantViolationError("connection: selector %q expects %d arguments, got %d", selector, len(sig.Args), len(args))
	}

	sequence := c.seq.Next()
	expectsReply := sig.HasReply

	done := make(chan struct{})
	slot := &pendingReply{specs: sig.ReplyArgs, done: done, async: asyncReply}
	sendErrCh := make(chan error, 1)

	c.post(func() {
		if state(atomic.LoadInt32(&c.state)) != stateRunning {
			sendErrCh <- xpcerr.NewConnectionInvalidError("connection: invoke while connection is not running")
			close(done)
			return
		}

		ctx := c.connCtx()
		inv := objcoder.Invocation{Selector: selector, Signature: signatureString(sig.Args), Args: args}
		root, encErr := objcoder.EncodeInvocation(ctx, inv, sig.Args)
		if encErr != nil {
			sendErrCh <- encErr
			close(done)
			return
		}

		flags := wire.Required
		env := wire.Envelope{Flags: flags, Root: root, OOLObjects: ctx.OOL, ProxyNum: proxyNum, HasProxyNum: true}
		if expectsReply {
			env.Flags |= wire.ExpectsReply
			env.ReplySig = signatureString(sig.ReplyArgs)
			env.Sequence = sequence
			env.HasSequence = true
			c.pendingMu.Lock()
			c.pending[sequence] = slot
			c.pendingMu.Unlock()
			metrics.Inc(metrics.OutstandingReplies, 1)
		}

		if sendErr := c.transport.Send(env); sendErr != nil {
			if expectsReply {
				c.takePending(sequence)
			}
			sendErrCh <- sendErr
			close(done)
			return
		}
		sendErrCh <- nil
		if !expectsReply {
			close(done)
		}
	})

	if sendErr := <-sendErrCh; sendErr != nil {
		return objcoder.Reply{}, sendErr
	}
	if !expectsReply || !sync {
		return objcoder.Reply{}, nil
	}

	effectiveTimeout := timeout
	if effectiveTimeout == 0 {
		effectiveTimeout = c.DefaultTimeout
	}
	if effectiveTimeout > 0 {
		select {
		case <-done:
		case <-time.After(effectiveTimeout):
			c.takePending(sequence)
			return objcoder.Reply{}, xpcerr.NewTimeoutError("connection: synchronous call to %q timed out after %s", selector, effectiveTimeout)
		}
	} else {
		<-done
	}
	return slot.reply, slot.err
}

// SendDesistForRoot is exposed for tests and for a daemon's graceful
// shutdown path that wants to release its root export explicitly rather
// than waiting for the peer to notice invalidation.
func (c *Connection) SendDesistForRoot() {
	c.sendDesist(proxytable.RootProxyNumber)
}

// SendProgress mirrors a local progress update across the wire, per
// spec.md §4.6: "the sender's progress object's fields are mirrored in
// messages with ProgressMessage set." extra carries CancelProgress/
// PauseProgress/ResumeProgress when propagating one of those requests
// alongside the snapshot.
func (c *Connection) SendProgress(sequence uint64, snap progress.Snapshot, extra wire.Flags) error {
	root, err := encodeProgressSnapshot(snap)
	if err != nil {
		return err
	}
	env := wire.Envelope{
		Flags:       wire.Required | wire.Noninvocation | wire.ProgressMessage | extra,
		Root:        root,
		Sequence:    sequence,
		HasSequence: true,
	}
	return c.transport.Send(env)
}
