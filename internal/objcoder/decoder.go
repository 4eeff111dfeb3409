package objcoder

import (
	"github.com/trivago/nsxpcd/internal/bplist"
	"github.com/trivago/nsxpcd/internal/xpcerr"
)

// Decoder mirrors Encoder, reading argument values out of a bplist.Value
// tree and applying the allow-list/proxy/OOL rules spec.md §4.2
// describes as the decoder's side of the same five-step protocol.
type Decoder struct {
	Ctx      *Context
	Registry *Registry
}

// NewDecoder builds a Decoder sharing ctx with whatever Encoder produced
// the message being decoded (same connection identity, same OOL list).
func NewDecoder(ctx *Context, registry *Registry) *Decoder {
	return &Decoder{Ctx: ctx, Registry: registry}
}

// DecodeArgument is the inverse of Encoder.EncodeArgument.
func (d *Decoder) DecodeArgument(v bplist.Value, kind Kind, allow ClassAllowList) (interface{}, error) {
	if kind != KindObject && kind != KindBlock {
		return decodeScalar(kind, v)
	}

	if v.IsNull() {
		return nil, nil
	}

	typ, ok, err := v.LookupString("type")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xpcerr.NewMalformedWireError("objcoder: object argument missing \"type\" discriminator")
	}
	typName, err := typ.String()
	if err != nil {
		return nil, err
	}

	switch typName {
	case "proxy":
		numVal, ok, err := v.LookupString("proxynum")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, xpcerr.NewMalformedWireError("objcoder: proxy marker missing proxynum")
		}
		num, err := numVal.Uint64()
		if err != nil {
			return nil, err
		}
		if d.Ctx.Importer == nil {
			return nil, xpcerr.NewInsecureDecodeError("objcoder: no import table available to resolve proxy %d", num)
		}
		return d.Ctx.Importer.Import(num), nil

	case "ool":
		idxVal, ok, err := v.LookupString("index")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, xpcerr.NewMalformedWireError("objcoder: ool marker missing index")
		}
		idx, err := idxVal.Int()
		if err != nil {
			return nil, err
		}
		return d.Ctx.ResolveOOL(int(idx))

	case "object":
		classVal, ok, err := v.LookupString("class")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, xpcerr.NewMalformedWireError("objcoder: object marker missing class")
		}
		class, err := classVal.String()
		if err != nil {
			return nil, err
		}
		if !allow.Allows(class) {
			return nil, xpcerr.NewInsecureDecodeError("objcoder: insecure decode, class %q not in allow-list", class)
		}
		inst, ok := d.Registry.New(class)
		if !ok {
			return nil, xpcerr.NewInsecureDecodeError("objcoder: insecure decode, class %q has no registered factory", class)
		}
		fields, ok, err := v.LookupString("fields")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, xpcerr.NewMalformedWireError("objcoder: object marker missing fields")
		}
		if err := inst.DecodeFields(&FieldReader{d: d, v: fields}); err != nil {
			return nil, err
		}
		return inst, nil

	default:
		return nil, xpcerr.NewMalformedWireError("objcoder: unknown object marker type %q", typName)
	}
}

// FieldReader adapts a Decoder positioned at a specific dict value into
// the shape Decodable.DecodeFields expects: DecodeFields reads named
// fields out of the fields dict by calling back into d with v as the
// enclosing scope.
type FieldReader struct {
	d *Decoder
	v bplist.Value
}

// Field decodes the named field of the enclosing fields dict.
func (c *FieldReader) Field(name string, kind Kind, allow ClassAllowList) (interface{}, error) {
	val, ok, err := c.v.LookupString(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xpcerr.NewMalformedWireError("objcoder: field %q missing", name)
	}
	return c.d.DecodeArgument(val, kind, allow)
}

func decodeScalar(kind Kind, v bplist.Value) (interface{}, error) {
	switch kind {
	case KindBool:
		return v.Bool()
	case KindInt:
		return v.Int()
	case KindUint:
		return v.Uint64()
	case KindFloat:
		return v.Float32()
	case KindDouble:
		return v.Float64()
	case KindCString, KindSEL:
		return v.String()
	case KindData:
		return v.Data()
	default:
		return nil, xpcerr.NewInsecureDecodeError("objcoder: unsupported scalar kind %s", kind)
	}
}
