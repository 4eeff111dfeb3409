package objcoder

import (
	"testing"

	"github.com/trivago/nsxpcd/internal/xpcerr"
)

type greeting struct {
	Text string
}

func (g *greeting) ClassName() string { return "greeting" }

func (g *greeting) EncodeFields(enc *Encoder) error {
	enc.W.WriteString("text")
	return enc.EncodeArgument(KindCString, g.Text, ClassAllowList{}, "")
}

func (g *greeting) DecodeFields(fr *FieldReader) error {
	v, err := fr.Field("text", KindCString, ClassAllowList{})
	if err != nil {
		return err
	}
	g.Text = v.(string)
	return nil
}

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register("greeting", func() Decodable { return &greeting{} })
	return r
}

func TestInvocationRoundTrip(t *testing.T) {
	ctx := &Context{ConnID: "conn-1"}
	allow := NewClassAllowList("greeting")

	inv := Invocation{
		Selector:  "sayHello:count:",
		Signature: "v@:@i",
		Args:      []interface{}{&greeting{Text: "hi"}, int64(3)},
	}
	specs := []ArgSpec{
		{Kind: KindObject, Allow: allow},
		{Kind: KindInt},
	}

	root, err := EncodeInvocation(ctx, inv, specs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	registry := newTestRegistry()
	decodeCtx := &Context{ConnID: "conn-1"}
	got, err := DecodeInvocation(decodeCtx, registry, root, specs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Selector != inv.Selector || got.Signature != inv.Signature {
		t.Fatalf("selector/signature mismatch: %+v", got)
	}
	g, ok := got.Args[0].(*greeting)
	if !ok || g.Text != "hi" {
		t.Fatalf("unexpected first argument: %#v", got.Args[0])
	}
	if got.Args[1].(int64) != 3 {
		t.Fatalf("unexpected second argument: %#v", got.Args[1])
	}
}

func TestInsecureDecodeRejectsUnlistedClass(t *testing.T) {
	ctx := &Context{}
	inv := Invocation{
		Selector:  "accept:",
		Signature: "v@:@",
		Args:      []interface{}{&greeting{Text: "hi"}},
	}
	specs := []ArgSpec{{Kind: KindObject, Allow: NewClassAllowList("greeting")}}
	root, err := EncodeInvocation(ctx, inv, specs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	restrictiveSpecs := []ArgSpec{{Kind: KindObject, Allow: NewClassAllowList("somethingElse")}}
	registry := newTestRegistry()
	_, err = DecodeInvocation(ctx, registry, root, restrictiveSpecs)
	if err == nil {
		t.Fatal("expected insecure decode error, got nil")
	}
	if _, ok := err.(xpcerr.InsecureDecodeError); !ok {
		t.Fatalf("expected an InsecureDecodeError, got %T: %v", err, err)
	}
}

func TestReplyErrorRoundTrip(t *testing.T) {
	re := RemoteError{Domain: "com.example.test", Code: 7, UserInfo: map[string]string{"reason": "boom"}}
	root, err := EncodeReplyError(re)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ctx := &Context{}
	registry := NewRegistry()
	reply, err := DecodeReply(ctx, registry, root, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Err == nil {
		t.Fatal("expected reply to carry an error")
	}
	if reply.Err.Domain != re.Domain || reply.Err.Code != re.Code {
		t.Fatalf("unexpected remote error: %+v", reply.Err)
	}
	if reply.Err.UserInfo["reason"] != "boom" {
		t.Fatalf("unexpected userinfo: %+v", reply.Err.UserInfo)
	}

	xpcErr := reply.Err.ToXPCError()
	if xpcErr.Domain != re.Domain {
		t.Fatalf("ToXPCError domain mismatch: %+v", xpcErr)
	}
}

func TestProxyMarkerEncodesOnSameConnection(t *testing.T) {
	ctx := &Context{ConnID: "conn-a"}
	e := NewEncoder(ctx)
	if err := e.EncodeArgument(KindObject, Proxy{Num: 42, ConnID: "conn-a"}, ClassAllowList{}, ""); err != nil {
		t.Fatalf("encode proxy: %v", err)
	}
	if _, err := e.W.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
}
