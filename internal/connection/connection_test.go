package connection

import (
	"net"
	"testing"
	"time"

	"github.com/trivago/nsxpcd/internal/iface"
	"github.com/trivago/nsxpcd/internal/objcoder"
	"github.com/trivago/nsxpcd/internal/transport"
)

const echoProtocol = "com.example.Echo"

type noopDelegate struct{}

func (noopDelegate) ExportedProtocol(uint64) (string, bool) { return "", false }
func (noopDelegate) Dispatch(uint64, string, []interface{}, func([]interface{}, *objcoder.RemoteError)) {
}

type echoDelegate struct{}

func (echoDelegate) ExportedProtocol(proxyNum uint64) (string, bool) {
	if proxyNum == 1 {
		return echoProtocol, true
	}
	return "", false
}

func (echoDelegate) Dispatch(proxyNum uint64, selector string, args []interface{}, replyFn func([]interface{}, *objcoder.RemoteError)) {
	msg := args[0].(string)
	replyFn([]interface{}{msg + " echoed"}, nil)
}

func echoRegistry() *iface.Registry {
	fn := func(msg string, reply func(result string)) {}
	r := iface.NewRegistry()
	r.DeclareProtocol(echoProtocol).Method("echo:reply:", fn, nil)
	return r
}

func TestSyncInvokeRoundTrip(t *testing.T) {
	clientConnPipe, serverConnPipe := net.Pipe()
	clientTransport := transport.NewStreamTransport(clientConnPipe)
	serverTransport := transport.NewStreamTransport(serverConnPipe)

	registry := echoRegistry()
	classes := objcoder.NewRegistry()

	client := New(clientTransport, registry, classes, noopDelegate{})
	server := New(serverTransport, registry, classes, echoDelegate{})

	client.Resume()
	server.Resume()
	defer client.Invalidate()
	defer server.Invalidate()

	reply, err := client.Invoke(1, echoProtocol, "echo:reply:", []interface{}{"hi"}, 2*time.Second, true, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(reply.Values) != 1 || reply.Values[0].(string) != "hi echoed" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestAsyncInvokeDeliversViaCallback(t *testing.T) {
	clientConnPipe, serverConnPipe := net.Pipe()
	clientTransport := transport.NewStreamTransport(clientConnPipe)
	serverTransport := transport.NewStreamTransport(serverConnPipe)

	registry := echoRegistry()
	classes := objcoder.NewRegistry()

	client := New(clientTransport, registry, classes, noopDelegate{})
	server := New(serverTransport, registry, classes, echoDelegate{})

	client.Resume()
	server.Resume()
	defer client.Invalidate()
	defer server.Invalidate()

	got := make(chan string, 1)
	_, err := client.Invoke(1, echoProtocol, "echo:reply:", []interface{}{"async"}, 2*time.Second, false, func(reply objcoder.Reply, err error) {
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- reply.Values[0].(string)
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	select {
	case v := <-got:
		if v != "async echoed" {
			t.Fatalf("unexpected async reply: %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async reply")
	}
}

func TestInvokeOnInvalidatedConnectionFails(t *testing.T) {
	clientConnPipe, serverConnPipe := net.Pipe()
	clientTransport := transport.NewStreamTransport(clientConnPipe)
	serverTransport := transport.NewStreamTransport(serverConnPipe)

	registry := echoRegistry()
	classes := objcoder.NewRegistry()

	client := New(clientTransport, registry, classes, noopDelegate{})
	server := New(serverTransport, registry, classes, echoDelegate{})
	client.Resume()
	server.Resume()

	client.Invalidate()
	server.Invalidate()

	_, err := client.Invoke(1, echoProtocol, "echo:reply:", []interface{}{"hi"}, time.Second, true, nil)
	if err == nil {
		t.Fatal("expected invoke on invalidated connection to fail")
	}
}
