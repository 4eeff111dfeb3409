package objcoder

import (
	"github.com/trivago/nsxpcd/internal/bplist"
	"github.com/trivago/nsxpcd/internal/xpcerr"
)

// StructField is one field of a struct argument. Structs are encoded per
// spec.md §4.2 as "a dict with positional null-keyed fields" — the same
// shape bplist.Writer/Reader use for invocation arguments, so a struct
// nested inside another argument round-trips through the identical
// LookupPositional machinery.
type StructField struct {
	Kind  Kind
	Value interface{}
}

// WriteStruct encodes fields as a positional-null-keyed dict.
func (e *Encoder) WriteStruct(fields []StructField) error {
	e.W.OpenDict()
	for _, f := range fields {
		e.W.WriteNull() // positional key
		if err := e.encodeScalar(f.Kind, f.Value); err != nil {
			return err
		}
	}
	e.W.Close()
	return nil
}

// WriteArray encodes a homogeneous array of primitives (spec.md §4.2:
// "arrays of primitives").
func (e *Encoder) WriteArray(kind Kind, values []interface{}) error {
	e.W.OpenArray()
	for _, v := range values {
		if err := e.encodeScalar(kind, v); err != nil {
			return err
		}
	}
	e.W.Close()
	return nil
}

// ReadStruct decodes a positional-null-keyed dict previously written by
// WriteStruct. kinds must list the expected field kinds in order.
func ReadStruct(v bplist.Value, kinds []Kind) ([]interface{}, error) {
	entries, err := v.DictEntries()
	if err != nil {
		return nil, err
	}
	if len(entries) != len(kinds) {
		return nil, xpcerr.NewMalformedWireError("objcoder: struct field count %d does not match expected %d", len(entries), len(kinds))
	}
	out := make([]interface{}, len(kinds))
	for i, kind := range kinds {
		val, err := decodeScalar(kind, entries[i].Value)
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

// ReadArray decodes an array of homogeneous primitives previously written
// by WriteArray.
func ReadArray(v bplist.Value, kind Kind) ([]interface{}, error) {
	items, err := v.ArrayItems()
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		val, err := decodeScalar(kind, item)
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}
