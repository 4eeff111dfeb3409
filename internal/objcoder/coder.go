package objcoder

import (
	"github.com/trivago/nsxpcd/internal/bplist"
	"github.com/trivago/nsxpcd/internal/transport"
	"github.com/trivago/nsxpcd/internal/xpcerr"
)

// ObjectCoder is implemented by application types that can appear as an
// object-pointer argument and be sent by value (spec.md §4.2 rule 5:
// "recursively encode via the value's own coder protocol"), mirroring
// NSSecureCoding's encodeWithCoder:/initWithCoder:.
type ObjectCoder interface {
	ClassName() string
	EncodeFields(enc *Encoder) error
}

// Decodable is the receiving half: a zero-value instance that knows how
// to populate itself from a Decoder. Registry maps class names to
// factories producing one of these, which is how the decoder's allow-list
// check ("checks that the encoded class name is in the allow-list... else
// fails with insecure decode") gets a concrete type to materialize.
type Decodable interface {
	ObjectCoder
	DecodeFields(fr *FieldReader) error
}

// Registry is the process-wide class-name -> factory table the decoder
// consults once an argument has passed its allow-list check.
type Registry struct {
	factories map[string]func() Decodable
}

// NewRegistry returns an empty class registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Decodable)}
}

// Register associates a class name with a zero-value factory.
func (r *Registry) Register(class string, factory func() Decodable) {
	r.factories[class] = factory
}

// New instantiates a fresh zero value for class, if registered.
func (r *Registry) New(class string) (Decodable, bool) {
	f, ok := r.factories[class]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Proxy is the in-memory marker for "value is a *proxy*" (spec.md §4.2
// rule 2): a reference to an object exported on some connection,
// identified by its proxy number and the identity of the connection it
// was exported on. ConnID is deliberately an opaque comparable value —
// objcoder never needs to know what a connection *is*, only whether two
// proxies share one.
type Proxy struct {
	Num    uint64
	ConnID interface{}
}

// Exporter is the hook the connection engine supplies so the encoder can
// perform spec.md §4.2 rule 3: "If the argument's sub-interface is
// non-empty, wrap value in a freshly exported proxy." Implemented by
// internal/proxytable.ExportTable.
type Exporter interface {
	Export(obj ObjectCoder, subInterface string) (num uint64)
}

// Importer is the decode-side counterpart consulted for a proxy marker
// ("it consults the imported-proxy table"). Implemented by
// internal/proxytable.ImportTable.
type Importer interface {
	Import(num uint64) Proxy
}

// Context carries everything an Encoder/Decoder pair needs beyond the raw
// bytes: the identity of "the current connection" (rule 2), the exporter/
// importer hooks (rules 3 and decode-side proxy resolution), and the
// out-of-line object list an invocation's OOLObjects accumulates.
type Context struct {
	ConnID   interface{}
	Exporter Exporter
	Importer Importer

	OOL []transport.OOLObject
}

// AppendOOL records a transport-native value and returns its index,
// implementing spec.md §4.2 rule 4 ("append to ool_objects and encode
// the index").
func (c *Context) AppendOOL(obj transport.OOLObject) int {
	c.OOL = append(c.OOL, obj)
	return len(c.OOL) - 1
}

// ResolveOOL returns the out-of-line object at idx. For an inbound
// message the connection engine fills OOL from the envelope's OOLObjects
// before decoding.
func (c *Context) ResolveOOL(idx int) (transport.OOLObject, error) {
	if idx < 0 || idx >= len(c.OOL) {
		return nil, xpcerr.NewMalformedWireError("objcoder: ool_object index %d out of range (have %d)", idx, len(c.OOL))
	}
	return c.OOL[idx], nil
}

// Encoder wraps a bplist.Writer with the argument-encoding rules of
// spec.md §4.2.
type Encoder struct {
	W   *bplist.Writer
	Ctx *Context
}

// NewEncoder wraps a fresh bplist.Writer; callers open the top-level dict
// (an invocation or reply body) themselves.
func NewEncoder(ctx *Context) *Encoder {
	w := bplist.NewWriter()
	return &Encoder{W: w, Ctx: ctx}
}

// EncodeArgument applies spec.md §4.2's five-step object-pointer
// encoding rule when kind is KindObject; scalar kinds are written
// directly. allow and subInterface come from the argument's iface.ArgSpec
// (internal/iface); registry-based allow-list subclass checks are
// resolved by the caller before calling this for KindObject values whose
// ObjectCoder path is taken (step 5).
func (e *Encoder) EncodeArgument(kind Kind, value interface{}, allow ClassAllowList, subInterface string) error {
	if kind != KindObject && kind != KindBlock {
		return e.encodeScalar(kind, value)
	}

	if value == nil {
		e.W.WriteNull()
		return nil
	}

	if p, ok := value.(Proxy); ok {
		if e.Ctx.ConnID != nil && p.ConnID == e.Ctx.ConnID {
			e.W.OpenDict()
			e.W.WriteString("type")
			e.W.WriteString("proxy")
			e.W.WriteString("proxynum")
			e.W.WriteUnsigned(p.Num)
			e.W.Close()
			return nil
		}
	}

	if subInterface != "" {
		oc, ok := value.(ObjectCoder)
		if !ok {
			return xpcerr.NewInsecureDecodeError("objcoder: value for sub-interface %q does not implement ObjectCoder", subInterface)
		}
		num := e.Ctx.Exporter.Export(oc, subInterface)
		e.W.OpenDict()
		e.W.WriteString("type")
		e.W.WriteString("proxy")
		e.W.WriteString("proxynum")
		e.W.WriteUnsigned(num)
		e.W.Close()
		return nil
	}

	if oolObj, ok := value.(transport.OOLObject); ok {
		idx := e.Ctx.AppendOOL(oolObj)
		e.W.OpenDict()
		e.W.WriteString("type")
		e.W.WriteString("ool")
		e.W.WriteString("index")
		e.W.WriteInt(int64(idx))
		e.W.Close()
		return nil
	}

	oc, ok := value.(ObjectCoder)
	if !ok {
		return xpcerr.NewInsecureDecodeError("objcoder: value does not implement ObjectCoder and is not a recognized transport-native or proxy value")
	}
	if !allow.Allows(oc.ClassName()) {
		return xpcerr.NewInsecureDecodeError("objcoder: class %q not in allow-list for this argument", oc.ClassName())
	}
	e.W.OpenDict()
	e.W.WriteString("type")
	e.W.WriteString("object")
	e.W.WriteString("class")
	e.W.WriteString(oc.ClassName())
	e.W.WriteString("fields")
	e.W.OpenDict()
	if err := oc.EncodeFields(e); err != nil {
		return err
	}
	e.W.Close()
	e.W.Close()
	return nil
}

func (e *Encoder) encodeScalar(kind Kind, value interface{}) error {
	switch kind {
	case KindBool:
		b, _ := value.(bool)
		e.W.WriteBool(b)
	case KindInt:
		n, _ := value.(int64)
		e.W.WriteInt(n)
	case KindUint:
		n, _ := value.(uint64)
		e.W.WriteUnsigned(n)
	case KindFloat:
		f, _ := value.(float32)
		e.W.WriteFloat32(f)
	case KindDouble:
		f, _ := value.(float64)
		e.W.WriteFloat64(f)
	case KindCString, KindSEL:
		s, _ := value.(string)
		e.W.WriteString(s)
	case KindData:
		b, _ := value.([]byte)
		e.W.WriteData(b)
	default:
		return xpcerr.NewInsecureDecodeError("objcoder: unsupported scalar kind %s", kind)
	}
	return nil
}
