package iface

import (
	"testing"

	"github.com/trivago/nsxpcd/internal/objcoder"
)

func TestSynthesizeDerivesReplyBlockSignature(t *testing.T) {
	fn := func(name string, count int64, reply func(ok bool, message string)) {}

	reg := NewRegistry()
	reg.DeclareProtocol("com.example.Greeter").Method("greet:count:reply:", fn, nil)

	sig, ok, err := reg.Signature("com.example.Greeter", "greet:count:reply:")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !ok {
		t.Fatal("expected selector to be found")
	}
	if len(sig.Args) != 2 {
		t.Fatalf("expected 2 plain args, got %d", len(sig.Args))
	}
	if sig.Args[0].Kind != objcoder.KindCString {
		t.Fatalf("expected first arg to be a cstring, got %s", sig.Args[0].Kind)
	}
	if sig.Args[1].Kind != objcoder.KindInt {
		t.Fatalf("expected second arg to be an int, got %s", sig.Args[1].Kind)
	}
	if !sig.HasReply {
		t.Fatal("expected a reply block to be detected")
	}
	if len(sig.ReplyArgs) != 2 || sig.ReplyArgs[0].Kind != objcoder.KindBool || sig.ReplyArgs[1].Kind != objcoder.KindCString {
		t.Fatalf("unexpected reply args: %+v", sig.ReplyArgs)
	}
}

func TestUnknownSelectorReturnsEmptyOverride(t *testing.T) {
	reg := NewRegistry()
	reg.DeclareProtocol("com.example.Greeter")

	ov := reg.ArgOverrideFor("com.example.Greeter", "missing:", 0)
	if ov.AllowedClasses.Allows("anything") {
		t.Fatal("expected empty allow-list for unknown selector")
	}

	_, ok, err := reg.Signature("com.example.Greeter", "missing:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected unknown selector to report not-found rather than a synthesized signature")
	}
}

func TestArgOverrideAppliesAllowList(t *testing.T) {
	fn := func(target *struct{}) {}
	reg := NewRegistry()
	allow := objcoder.NewClassAllowList("Target")
	reg.DeclareProtocol("com.example.Sink").Method("accept:", fn, map[int]ArgOverride{
		0: {AllowedClasses: allow},
	})

	sig, ok, err := reg.Signature("com.example.Sink", "accept:")
	if err != nil || !ok {
		t.Fatalf("signature: ok=%v err=%v", ok, err)
	}
	if !sig.Args[0].Allow.Allows("Target") {
		t.Fatal("expected override allow-list to carry through synthesis")
	}
}
