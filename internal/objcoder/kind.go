// Package objcoder implements spec.md §4.2's object serializer: a
// type-directed encoder/decoder for invocation and reply payloads, built
// on internal/bplist the way gollum's format plugins build on its
// core.Message (data in, typed transformation, data out), but here the
// "type" driving the transformation is the argument's runtime signature
// rather than a configured formatter chain.
package objcoder

// Kind enumerates the primitive categories spec.md §4.2 lists: "signed/
// unsigned integers of all widths, float, double, C-string pointer...,
// SEL..., bool, structs..., arrays of primitives, object pointers, and
// blocks."
type Kind byte

const (
	KindInt Kind = iota
	KindUint
	KindFloat
	KindDouble
	KindCString
	KindSEL
	KindBool
	KindStruct
	KindArray
	KindObject
	KindBlock
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindCString:
		return "cstring"
	case KindSEL:
		return "sel"
	case KindBool:
		return "bool"
	case KindStruct:
		return "struct"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindBlock:
		return "block"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// ClassAllowList is the per-argument allow-list spec.md §4.2/4.3
// describes: "before materializing any...object it checks that the
// encoded class name is in the allow-list for this argument slot (or a
// subclass of any member)". Subclassing is modeled as a parent-name
// lookup: a class is allowed if it, or any name reachable by repeatedly
// consulting Parents, is a member.
type ClassAllowList struct {
	Names   map[string]struct{}
	Parents map[string]string // child class name -> parent class name
}

// NewClassAllowList builds an allow-list from a set of class names.
func NewClassAllowList(names ...string) ClassAllowList {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return ClassAllowList{Names: m}
}

// Allows reports whether class (or an ancestor of it, per Parents)
// appears in the allow-list. An empty allow-list (per spec.md §4.3,
// "lookups against an unknown selector return an empty set") allows
// nothing beyond the zero-argument default — callers that want "anything
// goes" must say so explicitly by registering "*".
func (c ClassAllowList) Allows(class string) bool {
	if _, ok := c.Names["*"]; ok {
		return true
	}
	for name := class; name != ""; name = c.Parents[name] {
		if _, ok := c.Names[name]; ok {
			return true
		}
	}
	return false
}
