package objcoder

import (
	"github.com/trivago/nsxpcd/internal/bplist"
	"github.com/trivago/nsxpcd/internal/xpcerr"
)

// ArgSpec names one invocation argument's wire kind plus its decode-time
// allow-list and sub-interface, mirroring what internal/iface's method
// signature synthesis produces per spec.md §4.3.
type ArgSpec struct {
	Kind         Kind
	Allow        ClassAllowList
	SubInterface string
}

// Invocation is spec.md §4.2's invocation encoding: one dict holding
// "selector", "signature" and an "args" dict in which every
// non-self/non-selector argument sits, in order, under a null
// (positional) key.
type Invocation struct {
	Selector  string
	Signature string
	Args      []interface{}
}

// EncodeInvocation writes an Invocation as the Root payload of an
// outbound message. argSpecs must have the same length as inv.Args.
func EncodeInvocation(ctx *Context, inv Invocation, argSpecs []ArgSpec) ([]byte, error) {
	if len(inv.Args) != len(argSpecs) {
		return nil, xpcerr.NewInvariantViolationError("objcoder: invocation has %d arguments but %d arg specs", len(inv.Args), len(argSpecs))
	}
	e := NewEncoder(ctx)
	e.W.OpenDict()
	e.W.WriteString("selector")
	e.W.WriteString(inv.Selector)
	e.W.WriteString("signature")
	e.W.WriteString(inv.Signature)
	e.W.WriteString("args")
	e.W.OpenDict() // positional-null-keyed, per spec.md §4.2
	for i, arg := range inv.Args {
		spec := argSpecs[i]
		e.W.WriteNull()
		if err := e.EncodeArgument(spec.Kind, arg, spec.Allow, spec.SubInterface); err != nil {
			return nil, err
		}
	}
	e.W.Close()
	e.W.Close()
	return e.W.Finish()
}

// DecodeInvocation parses a Root payload previously produced by
// EncodeInvocation. argSpecs describes the selector's method signature as
// resolved by the interface registry; it is supplied by the caller
// because the registry lookup (protocol + selector) happens outside this
// package.
func DecodeInvocation(ctx *Context, registry *Registry, root []byte, argSpecs []ArgSpec) (Invocation, error) {
	r, err := bplist.NewReader(root)
	if err != nil {
		return Invocation{}, err
	}
	top, err := r.Root()
	if err != nil {
		return Invocation{}, err
	}

	selVal, ok, err := top.LookupString("selector")
	if err != nil {
		return Invocation{}, err
	}
	if !ok {
		return Invocation{}, xpcerr.NewMalformedWireError("objcoder: invocation missing selector")
	}
	selector, err := selVal.String()
	if err != nil {
		return Invocation{}, err
	}

	sigVal, ok, err := top.LookupString("signature")
	if err != nil {
		return Invocation{}, err
	}
	if !ok {
		return Invocation{}, xpcerr.NewMalformedWireError("objcoder: invocation missing signature")
	}
	signature, err := sigVal.String()
	if err != nil {
		return Invocation{}, err
	}

	argsVal, ok, err := top.LookupString("args")
	if err != nil {
		return Invocation{}, err
	}
	var args []interface{}
	if ok {
		entries, err := argsVal.DictEntries()
		if err != nil {
			return Invocation{}, err
		}
		if len(entries) != len(argSpecs) {
			return Invocation{}, xpcerr.NewMalformedWireError("objcoder: invocation carries %d arguments, selector %q expects %d", len(entries), selector, len(argSpecs))
		}
		d := NewDecoder(ctx, registry)
		args = make([]interface{}, len(entries))
		for i, entry := range entries {
			val, err := d.DecodeArgument(entry.Value, argSpecs[i].Kind, argSpecs[i].Allow)
			if err != nil {
				return Invocation{}, err
			}
			args[i] = val
		}
	}

	return Invocation{Selector: selector, Signature: signature, Args: args}, nil
}

// Reply is spec.md §4.2's reply encoding: "one dict containing the
// return value (if any) plus any by-reference out-parameters," or,
// on the exception path, a RemoteError.
type Reply struct {
	Values []interface{}
	Err    *RemoteError
}

// RemoteError mirrors the `{"error": {domain, code, userinfo}}` dict
// spec.md §4.2 specifies for a thrown exception on the remote side.
type RemoteError struct {
	Domain   string
	Code     int64
	UserInfo map[string]string
}

// ToXPCError converts a decoded RemoteError into the typed error
// xpcerr's RemoteExceptionError carries to the caller's error handler.
func (re RemoteError) ToXPCError() xpcerr.RemoteExceptionError {
	info := make(map[string]interface{}, len(re.UserInfo))
	for k, v := range re.UserInfo {
		info[k] = v
	}
	return xpcerr.RemoteExceptionError{Domain: re.Domain, Code: int(re.Code), UserInfo: info}
}

// EncodeReply writes a successful reply's return values.
func EncodeReply(ctx *Context, values []interface{}, specs []ArgSpec) ([]byte, error) {
	e := NewEncoder(ctx)
	e.W.OpenDict()
	e.W.WriteString("values")
	e.W.OpenDict() // positional-null-keyed, per spec.md §4.2
	for i, v := range values {
		e.W.WriteNull()
		if err := e.EncodeArgument(specs[i].Kind, v, specs[i].Allow, specs[i].SubInterface); err != nil {
			return nil, err
		}
	}
	e.W.Close()
	e.W.Close()
	return e.W.Finish()
}

// EncodeReplyError writes the `{"error": {...}}` dict for a thrown
// exception, per spec.md §4.2.
func EncodeReplyError(re RemoteError) ([]byte, error) {
	w := bplist.NewWriter()
	w.OpenDict()
	w.WriteString("error")
	w.OpenDict()
	w.WriteString("domain")
	w.WriteString(re.Domain)
	w.WriteString("code")
	w.WriteInt(re.Code)
	w.WriteString("userinfo")
	w.OpenDict()
	for k, v := range re.UserInfo {
		w.WriteString(k)
		w.WriteString(v)
	}
	w.Close()
	w.Close()
	w.Close()
	return w.Finish()
}

// DecodeReply parses a Root payload produced by either EncodeReply or
// EncodeReplyError, distinguishing the two by the presence of an "error"
// key per spec.md §4.2.
func DecodeReply(ctx *Context, registry *Registry, root []byte, specs []ArgSpec) (Reply, error) {
	r, err := bplist.NewReader(root)
	if err != nil {
		return Reply{}, err
	}
	top, err := r.Root()
	if err != nil {
		return Reply{}, err
	}

	if errVal, ok, err := top.LookupString("error"); err != nil {
		return Reply{}, err
	} else if ok {
		domainVal, _, err := errVal.LookupString("domain")
		if err != nil {
			return Reply{}, err
		}
		domain, err := domainVal.String()
		if err != nil {
			return Reply{}, err
		}
		codeVal, _, err := errVal.LookupString("code")
		if err != nil {
			return Reply{}, err
		}
		code, err := codeVal.Int()
		if err != nil {
			return Reply{}, err
		}
		userInfo := map[string]string{}
		if uiVal, ok, err := errVal.LookupString("userinfo"); err == nil && ok {
			entries, err := uiVal.DictEntries()
			if err != nil {
				return Reply{}, err
			}
			for _, ent := range entries {
				k, err := ent.Key.String()
				if err != nil {
					continue
				}
				v, err := ent.Value.String()
				if err != nil {
					continue
				}
				userInfo[k] = v
			}
		}
		re := RemoteError{Domain: domain, Code: code, UserInfo: userInfo}
		return Reply{Err: &re}, nil
	}

	valuesVal, ok, err := top.LookupString("values")
	if err != nil {
		return Reply{}, err
	}
	var values []interface{}
	if ok {
		entries, err := valuesVal.DictEntries()
		if err != nil {
			return Reply{}, err
		}
		if len(entries) != len(specs) {
			return Reply{}, xpcerr.NewMalformedWireError("objcoder: reply carries %d values, expected %d", len(entries), len(specs))
		}
		d := NewDecoder(ctx, registry)
		values = make([]interface{}, len(entries))
		for i, entry := range entries {
			val, err := d.DecodeArgument(entry.Value, specs[i].Kind, specs[i].Allow)
			if err != nil {
				return Reply{}, err
			}
			values[i] = val
		}
	}
	return Reply{Values: values}, nil
}
