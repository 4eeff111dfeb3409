// Command filecoordinationd runs spec.md §4.7's FileCoordination arbiter
// as a standalone daemon: each accepted connection's client requests path
// access through internal/filecoord.Arbiter, and the arbiter treats the
// requesting connection itself as that path's presenter, mirroring
// NSFileCoordinator's common case where the requester also observes its
// own working copy. Structured after cmd/nsxpcd's listener/signal
// lifecycle, generalized from one shared root protocol to the arbiter's
// per-connection message dispatch.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/trivago/tgo"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/trivago/nsxpcd/internal/config"
	"github.com/trivago/nsxpcd/internal/filecoord"
	"github.com/trivago/nsxpcd/internal/logging"
	"github.com/trivago/nsxpcd/internal/metrics"
	"github.com/trivago/nsxpcd/internal/transport"
	"github.com/trivago/nsxpcd/internal/wire"
)

var (
	flagConfig  = flag.String("config", "", "path to the filecoordinationd YAML configuration file")
	flagVersion = flag.Bool("version", false, "print version information and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Println("filecoordinationd (development build)")
		return
	}
	if *flagConfig == "" {
		fmt.Fprintln(os.Stderr, "usage: filecoordinationd -config <file>")
		os.Exit(2)
	}

	hook := logging.Init()
	hook.SetTargetWriter(logging.FallbackDevice)

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.WithError(err).Fatal("filecoordinationd: failed to load configuration")
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	undoMaxProcs, err := maxprocs.Set(maxprocs.Logger(log.Infof))
	if err != nil {
		log.WithError(err).Warning("filecoordinationd: failed to set GOMAXPROCS")
	}
	defer undoMaxProcs()

	if cfg.Metrics.Address != "" {
		stopMetrics := metrics.StartServer(cfg.Metrics.Address, cfg.Metrics.Namespace)
		defer stopMetrics()
	}

	arbiter := filecoord.NewArbiter()
	if cfg.FileCoordination.PresenterTimeoutSeconds > 0 {
		arbiter.PresenterTimeout = cfg.FileCoordination.PresenterTimeout()
	}

	var presence *filecoord.Presence
	if cfg.FileCoordination.RedisPresenceAddress != "" {
		presence = filecoord.NewPresence(cfg.FileCoordination.RedisPresenceAddress, hostDaemonID(), 30*time.Second)
		defer presence.Close()
	}

	var policy *config.PathPolicyWatcher
	if cfg.FileCoordination.PathPolicyFile != "" {
		policy, err = config.WatchPathPolicy(cfg.FileCoordination.PathPolicyFile)
		if err != nil {
			log.WithError(err).Fatal("filecoordinationd: failed to load path policy")
		}
		defer policy.Close()
	}

	listener, err := newListener(cfg.FileCoordination.Listener)
	if err != nil {
		log.WithError(err).Fatal("filecoordinationd: failed to start listener")
	}
	defer listener.Close()

	var mu sync.Mutex
	handlers := make(map[*connHandler]struct{})

	go tgo.WithRecoverShutdown(func() {
		for t := range listener.Accepted {
			h := newConnHandler(t, arbiter, presence, policy)
			mu.Lock()
			handlers[h] = struct{}{}
			mu.Unlock()
			t.SetEventHandler(h)
			t.Resume()
			log.WithField("peer", t.PeerDescription()).Info("filecoordinationd: accepted connection")
		}
	})

	log.WithField("address", cfg.FileCoordination.Listener.Address).Info("filecoordinationd: listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("filecoordinationd: shutting down")
	mu.Lock()
	for h := range handlers {
		_ = h.transport.Invalidate()
	}
	mu.Unlock()
}

func newListener(cfg config.ListenerConfig) (*transport.Listener, error) {
	switch {
	case cfg.Privileged:
		return transport.NewPrivilegedListener(cfg.Network, cfg.Address, transport.RequireUID(uint32(os.Getuid())))
	case cfg.Service != "":
		return transport.NewServiceListener(cfg.Network, cfg.Address, transport.AcceptAll)
	default:
		return transport.NewAnonymousListener(cfg.Network, cfg.Address)
	}
}

func hostDaemonID() string {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("filecoordinationd-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// connHandler dispatches one connection's FC wire messages against the
// shared arbiter, and doubles as that connection's filecoord.Presenter:
// a PresenterNotification sent to the client is answered with a
// PresenterReply carrying the same sequence number.
type connHandler struct {
	transport transport.Transport
	arbiter   *filecoord.Arbiter
	presence  *filecoord.Presence
	policy    *config.PathPolicyWatcher

	mu          sync.Mutex
	nextSeq     uint64
	pending     map[uint64]chan filecoord.PresenterResult
	presenterOf map[string]bool // paths this connection has registered as a presenter for
}

func newConnHandler(t transport.Transport, arbiter *filecoord.Arbiter, presence *filecoord.Presence, policy *config.PathPolicyWatcher) *connHandler {
	return &connHandler{
		transport:   t,
		arbiter:     arbiter,
		presence:    presence,
		policy:      policy,
		pending:     make(map[uint64]chan filecoord.PresenterResult),
		presenterOf: make(map[string]bool),
	}
}

func (h *connHandler) HandleInterrupt() {}

func (h *connHandler) HandleInvalidate() {
	if h.presence == nil {
		return
	}
	h.mu.Lock()
	paths := make([]string, 0, len(h.presenterOf))
	for p := range h.presenterOf {
		paths = append(paths, p)
	}
	h.mu.Unlock()
	for _, p := range paths {
		if err := h.presence.Withdraw(p); err != nil {
			log.WithError(err).Warning("filecoordinationd: presence withdraw failed")
		}
	}
}

func (h *connHandler) HandleMessage(env wire.Envelope) {
	msg, err := filecoord.DecodeMessage(env.Root)
	if err != nil {
		log.WithError(err).Warning("filecoordinationd: malformed message")
		return
	}

	switch msg.Type {
	case filecoord.MsgIntent:
		go h.handleIntent(env, msg)
	case filecoord.MsgIntentCompletion:
		go h.handleCompletion(env, msg)
	case filecoord.MsgCancellation:
		go h.handleCancellation(msg)
	case filecoord.MsgPresenterReply:
		h.handlePresenterReply(env, msg)
	default:
		log.WithField("type", msg.Type).Warning("filecoordinationd: unexpected message type")
	}
}

func (h *connHandler) handleIntent(env wire.Envelope, msg filecoord.Message) {
	h.registerSelfAsPresenter(msg.Path)
	if h.presence != nil {
		if err := h.presence.Announce(msg.Path); err != nil {
			log.WithError(err).Warning("filecoordinationd: presence announce failed")
		}
	}
	if h.policy != nil && msg.Kind() == filecoord.KindWrite && h.policy.Current().RequiresElevation(msg.Path) && msg.PurposeID == "" {
		h.reply(env, filecoord.Message{Type: filecoord.MsgIntentReply, Result: filecoord.WireError})
		return
	}

	intent := filecoord.Intent{Path: msg.Path, Kind: msg.Kind(), Options: msg.Options, PurposeID: msg.PurposeID}
	grant, err := h.arbiter.Request(context.Background(), intent)
	if err != nil {
		h.reply(env, filecoord.Message{Type: filecoord.MsgIntentReply, Result: filecoord.WireError})
		return
	}
	h.reply(env, filecoord.Message{
		Type:              filecoord.MsgIntentReply,
		Result:            filecoord.WireOk,
		Path:              grant.Path,
		CancellationToken: grant.Token,
	})
}

func (h *connHandler) handleCompletion(env wire.Envelope, msg filecoord.Message) {
	result := filecoord.WireOk
	if err := h.arbiter.Complete(msg.CancellationToken); err != nil {
		result = filecoord.WireError
	}
	h.reply(env, filecoord.Message{Type: filecoord.MsgIntentCompletionReply, Result: result})
}

func (h *connHandler) handleCancellation(msg filecoord.Message) {
	if err := h.arbiter.Cancel(msg.CancellationToken); err != nil {
		log.WithError(err).Debug("filecoordinationd: cancellation of unknown token")
	}
}

func (h *connHandler) handlePresenterReply(env wire.Envelope, msg filecoord.Message) {
	if !env.HasSequence {
		return
	}
	h.mu.Lock()
	ch, ok := h.pending[env.Sequence]
	if ok {
		delete(h.pending, env.Sequence)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	result := filecoord.ResultOk
	if msg.Result == filecoord.WireError {
		result = filecoord.ResultError
	}
	ch <- result
}

func (h *connHandler) registerSelfAsPresenter(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.presenterOf[path] {
		return
	}
	h.presenterOf[path] = true
	h.arbiter.RegisterPresenter(path, h)
}

// Notify implements filecoord.Presenter by round-tripping a
// PresenterNotification to the connected client and waiting for its
// PresenterReply, correlated by the envelope's sequence number.
func (h *connHandler) Notify(ctx context.Context, n filecoord.Notification) (filecoord.PresenterResult, error) {
	h.mu.Lock()
	h.nextSeq++
	seq := h.nextSeq
	ch := make(chan filecoord.PresenterResult, 1)
	h.pending[seq] = ch
	h.mu.Unlock()

	payload, err := filecoord.EncodeMessage(filecoord.Message{
		Type:             filecoord.MsgPresenterNotification,
		Path:             n.Path,
		NewPath:          n.NewPath,
		NotificationType: n.Type,
		Details:          n.Details,
	})
	if err != nil {
		h.dropPending(seq)
		return filecoord.ResultError, err
	}

	env := wire.Envelope{
		Flags:       wire.Required | wire.ExpectsReply,
		Root:        payload,
		Sequence:    seq,
		HasSequence: true,
	}
	if err := h.transport.Send(env); err != nil {
		h.dropPending(seq)
		return filecoord.ResultError, err
	}

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		h.dropPending(seq)
		return filecoord.ResultError, ctx.Err()
	}
}

func (h *connHandler) dropPending(seq uint64) {
	h.mu.Lock()
	delete(h.pending, seq)
	h.mu.Unlock()
}

func (h *connHandler) reply(req wire.Envelope, msg filecoord.Message) {
	payload, err := filecoord.EncodeMessage(msg)
	if err != nil {
		log.WithError(err).Warning("filecoordinationd: failed to encode reply")
		return
	}
	env := wire.Envelope{
		Flags:       wire.Required,
		Root:        payload,
		Sequence:    req.Sequence,
		HasSequence: req.HasSequence,
	}
	if err := h.transport.Send(env); err != nil {
		log.WithError(err).Warning("filecoordinationd: failed to send reply")
	}
}
