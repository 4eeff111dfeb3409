// Package iface implements spec.md §4.3's interface registry: given a
// protocol and selector, it synthesizes the method's argument signature
// and, when the method's last parameter is a reply block, the reply
// block's own signature. NSXPC synthesizes this from Objective-C runtime
// metadata (method_getArgumentType); Go has no such runtime, so the
// nearest equivalent — and the one gollum itself reaches for whenever it
// needs to inspect a plugin's shape (core/pluginconfig.go's struct-tag
// driven config binding) — is reflection over the registered Go method
// value.
package iface

import (
	"reflect"

	"github.com/trivago/nsxpcd/internal/objcoder"
	"github.com/trivago/nsxpcd/internal/xpcerr"
)

// kindForType maps a Go parameter type to the objcoder.Kind the wire
// encoding uses for it, mirroring Objective-C's @encode type letters.
func kindForType(t reflect.Type) (objcoder.Kind, error) {
	switch t.Kind() {
	case reflect.Bool:
		return objcoder.KindBool, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return objcoder.KindInt, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return objcoder.KindUint, nil
	case reflect.Float32:
		return objcoder.KindFloat, nil
	case reflect.Float64:
		return objcoder.KindDouble, nil
	case reflect.String:
		return objcoder.KindCString, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return objcoder.KindData, nil
		}
		return objcoder.KindArray, nil
	case reflect.Struct:
		return objcoder.KindStruct, nil
	case reflect.Func:
		return objcoder.KindBlock, nil
	case reflect.Ptr, reflect.Interface:
		return objcoder.KindObject, nil
	default:
		return 0, xpcerr.NewInvariantViolationError("iface: cannot represent Go type %s on the wire", t)
	}
}

// MethodSignature is the synthesized shape of one selector: its
// argument specs (for objcoder.EncodeArgument/DecodeArgument) and, if
// present, the reply block's own argument specs.
type MethodSignature struct {
	Selector  string
	Args      []objcoder.ArgSpec
	HasReply  bool
	ReplyArgs []objcoder.ArgSpec
}

// Synthesize derives a MethodSignature from a Go function value's
// parameter list, per spec.md §4.3: "derives the reply-block signature
// by parsing the type of the last argument if it is a block whose return
// is void." A trailing parameter of func(...) with no return values is
// treated as the reply block; fn itself must return nothing (the actual
// reply travels through the block, mirroring an NSXPC method whose
// Objective-C declaration returns void and replies via its block arg).
func Synthesize(selector string, fn interface{}, overrides map[int]ArgOverride) (MethodSignature, error) {
	t := reflect.TypeOf(fn)
	if t == nil || t.Kind() != reflect.Func {
		return MethodSignature{}, xpcerr.NewInvariantViolationError("iface: Synthesize requires a function value for selector %q", selector)
	}
	if t.NumOut() != 0 {
		return MethodSignature{}, xpcerr.NewInvariantViolationError("iface: selector %q's Go method must return nothing; replies travel through the reply block", selector)
	}

	n := t.NumIn()
	sig := MethodSignature{Selector: selector}

	argCount := n
	var replyType reflect.Type
	if n > 0 {
		last := t.In(n - 1)
		if last.Kind() == reflect.Func && last.NumOut() == 0 {
			replyType = last
			argCount = n - 1
		}
	}

	for i := 0; i < argCount; i++ {
		kind, err := kindForType(t.In(i))
		if err != nil {
			return MethodSignature{}, err
		}
		spec := objcoder.ArgSpec{Kind: kind}
		if ov, ok := overrides[i]; ok {
			spec.Allow = ov.AllowedClasses
			spec.SubInterface = ov.SubInterface
		}
		sig.Args = append(sig.Args, spec)
	}

	if replyType != nil {
		sig.HasReply = true
		for i := 0; i < replyType.NumIn(); i++ {
			kind, err := kindForType(replyType.In(i))
			if err != nil {
				return MethodSignature{}, err
			}
			spec := objcoder.ArgSpec{Kind: kind}
			if ov, ok := overrides[argCount+i]; ok {
				spec.Allow = ov.AllowedClasses
				spec.SubInterface = ov.SubInterface
			}
			sig.ReplyArgs = append(sig.ReplyArgs, spec)
		}
	}

	return sig, nil
}
