// Command nsxpcd runs the NSXPC wire engine as a standalone listener
// daemon: it accepts connections, synthesizes method signatures from a
// small built-in root protocol, and dispatches invocations through
// internal/connection. Adapted from the teacher's main.go (flag parsing,
// GOMAXPROCS tuning, metrics server startup, signal-driven shutdown)
// generalized from gollum's multiplexer lifecycle to one listener loop.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/trivago/tgo"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/trivago/nsxpcd/internal/config"
	"github.com/trivago/nsxpcd/internal/connection"
	"github.com/trivago/nsxpcd/internal/iface"
	"github.com/trivago/nsxpcd/internal/logging"
	"github.com/trivago/nsxpcd/internal/metrics"
	"github.com/trivago/nsxpcd/internal/objcoder"
	"github.com/trivago/nsxpcd/internal/transport"
)

var (
	flagConfig  = flag.String("config", "", "path to the nsxpcd YAML configuration file")
	flagVersion = flag.Bool("version", false, "print version information and exit")
)

const rootProtocol = "com.trivago.nsxpcd.Root"

// rootDelegate exports a minimal built-in root object at proxy number 1,
// standing in for spec.md §8 scenario 1/2's "Hello"/"Greet" services until
// an embedding application registers its own protocol and delegate.
type rootDelegate struct{}

func (rootDelegate) ExportedProtocol(proxyNum uint64) (string, bool) {
	if proxyNum == 1 {
		return rootProtocol, true
	}
	return "", false
}

func (rootDelegate) Dispatch(proxyNum uint64, selector string, args []interface{}, replyFn func([]interface{}, *objcoder.RemoteError)) {
	switch selector {
	case "ping:reply:":
		msg, _ := args[0].(string)
		if replyFn != nil {
			replyFn([]interface{}{"pong: " + msg}, nil)
		}
	default:
		if replyFn != nil {
			replyFn(nil, &objcoder.RemoteError{
				Domain:   "nsxpcd",
				Code:     1,
				UserInfo: map[string]string{"message": fmt.Sprintf("unknown selector %q", selector)},
			})
		}
	}
}

func rootRegistry() *iface.Registry {
	r := iface.NewRegistry()
	r.DeclareProtocol(rootProtocol).Method("ping:reply:", func(msg string, reply func(response string)) {}, nil)
	return r
}

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Println("nsxpcd (development build)")
		return
	}
	if *flagConfig == "" {
		fmt.Fprintln(os.Stderr, "usage: nsxpcd -config <file>")
		os.Exit(2)
	}

	hook := logging.Init()
	hook.SetTargetWriter(logging.FallbackDevice)

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.WithError(err).Fatal("nsxpcd: failed to load configuration")
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	undoMaxProcs, err := maxprocs.Set(maxprocs.Logger(log.Infof))
	if err != nil {
		log.WithError(err).Warning("nsxpcd: failed to set GOMAXPROCS")
	}
	defer undoMaxProcs()

	if cfg.Metrics.Address != "" {
		stopMetrics := metrics.StartServer(cfg.Metrics.Address, cfg.Metrics.Namespace)
		defer stopMetrics()
	}

	listener, err := newListener(cfg.Connection.Listener)
	if err != nil {
		log.WithError(err).Fatal("nsxpcd: failed to start listener")
	}
	defer listener.Close()

	registry := rootRegistry()
	classes := objcoder.NewRegistry()

	var mu sync.Mutex
	conns := make(map[*connection.Connection]struct{})

	go tgo.WithRecoverShutdown(func() {
		for t := range listener.Accepted {
			conn := connection.New(t, registry, classes, rootDelegate{})
			conn.DefaultTimeout = cfg.Connection.DefaultTimeout()
			mu.Lock()
			conns[conn] = struct{}{}
			mu.Unlock()
			conn.InvalidateHandler = func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
			}
			conn.Resume()
			log.WithField("peer", t.PeerDescription()).Info("nsxpcd: accepted connection")
		}
	})

	log.WithField("address", cfg.Connection.Listener.Address).Info("nsxpcd: listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("nsxpcd: shutting down")
	shutdown(&mu, conns)
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

func shutdown(mu *sync.Mutex, conns map[*connection.Connection]struct{}) {
	mu.Lock()
	snapshot := make([]*connection.Connection, 0, len(conns))
	for c := range conns {
		snapshot = append(snapshot, c)
	}
	mu.Unlock()

	for _, c := range snapshot {
		c.SendDesistForRoot()
		_ = c.Invalidate()
	}
}
