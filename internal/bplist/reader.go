package bplist

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/trivago/nsxpcd/internal/xpcerr"
)

// Reader borrows a whole message buffer and parses bplist16-encoded values
// out of it without copying. Every dereference is bounds-checked; malformed
// input yields a MalformedWireError, never a panic or an out-of-bounds
// read (spec.md §4.1).
type Reader struct {
	buf []byte
}

// NewReader validates the 8-byte magic header and returns a Reader over buf.
// buf is borrowed, not copied; the caller must keep it alive and must not
// mutate it while the Reader or any Value derived from it is in use.
func NewReader(buf []byte) (*Reader, error) {
	if len(buf) < HeaderLen {
		return nil, xpcerr.NewMalformedWireError("bplist: buffer shorter than header (%d bytes)", len(buf))
	}
	if string(buf[:HeaderLen]) != Header {
		return nil, xpcerr.NewMalformedWireError("bplist: bad magic %q", buf[:HeaderLen])
	}
	return &Reader{buf: buf}, nil
}

// Value is a handle into a Reader's buffer: an offset plus the depth at
// which it was produced. It does not copy any data until a scalar accessor
// is called.
type Value struct {
	r      *Reader
	offset int
	depth  int
}

// Root returns the value stored at the start of the payload (immediately
// after the header).
func (r *Reader) Root() (Value, error) {
	return Value{r: r, offset: HeaderLen, depth: 0}, r.checkOffset(HeaderLen)
}

func (r *Reader) checkOffset(off int) error {
	if off < HeaderLen || off >= len(r.buf) {
		return xpcerr.NewMalformedWireError("bplist: offset %d out of bounds [%d,%d)", off, HeaderLen, len(r.buf))
	}
	return nil
}

func (r *Reader) checkRange(off, size int) error {
	if off < HeaderLen || size < 0 || off+size > len(r.buf) {
		return xpcerr.NewMalformedWireError("bplist: range [%d,%d) out of bounds", off, off+size)
	}
	return nil
}

// Kind reports the shape of v without reading its payload.
func (v Value) Kind() (Kind, error) {
	if err := v.r.checkOffset(v.offset); err != nil {
		return KindInvalid, err
	}
	b := v.r.buf[v.offset]
	switch {
	case b == tagUint64:
		return KindUint64, nil
	case b&tagIntMask == 0x10 && (b == tagInt1 || b == tagInt2 || b == tagInt4 || b == tagInt8):
		return KindInt, nil
	case b == tagFloat32:
		return KindFloat32, nil
	case b == tagFloat64:
		return KindFloat64, nil
	case b&tagDataMask == tagData:
		return KindData, nil
	case b&tagUTF16Mask == tagUTF16:
		return KindString, nil
	case b&tagASCIIMask == tagASCII:
		return KindString, nil
	case b == tagArray:
		return KindArray, nil
	case b == tagTrue:
		return KindTrue, nil
	case b == tagFalse:
		return KindFalse, nil
	case b == tagDict:
		return KindDict, nil
	case b == tagNull:
		return KindNull, nil
	default:
		return KindInvalid, xpcerr.NewMalformedWireError("bplist: unknown tag byte 0x%02x at offset %d", b, v.offset)
	}
}

// IsNull reports whether v is the null marker, treating parse errors as
// "not null" (the caller will hit the same error on the next real access).
func (v Value) IsNull() bool {
	k, err := v.Kind()
	return err == nil && k == KindNull
}

// Int decodes a two's-complement integer of 1, 2, 4 or 8 bytes.
func (v Value) Int() (int64, error) {
	if err := v.r.checkOffset(v.offset); err != nil {
		return 0, err
	}
	tagByte := v.r.buf[v.offset]
	start := v.offset + 1
	switch tagByte {
	case tagInt1:
		if err := v.r.checkRange(start, 1); err != nil {
			return 0, err
		}
		return int64(int8(v.r.buf[start])), nil
	case tagInt2:
		if err := v.r.checkRange(start, 2); err != nil {
			return 0, err
		}
		return int64(int16(binary.LittleEndian.Uint16(v.r.buf[start : start+2]))), nil
	case tagInt4:
		if err := v.r.checkRange(start, 4); err != nil {
			return 0, err
		}
		return int64(int32(binary.LittleEndian.Uint32(v.r.buf[start : start+4]))), nil
	case tagInt8:
		if err := v.r.checkRange(start, 8); err != nil {
			return 0, err
		}
		return int64(binary.LittleEndian.Uint64(v.r.buf[start : start+8])), nil
	default:
		return 0, xpcerr.NewMalformedWireError("bplist: value at %d is not an integer (tag 0x%02x)", v.offset, tagByte)
	}
}

// Uint64 decodes either a dedicated 0xf8 64-bit unsigned value or falls back
// to Int for values encoded in the smaller integer tags.
func (v Value) Uint64() (uint64, error) {
	if err := v.r.checkOffset(v.offset); err != nil {
		return 0, err
	}
	if v.r.buf[v.offset] == tagUint64 {
		start := v.offset + 1
		if err := v.r.checkRange(start, 8); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(v.r.buf[start : start+8]), nil
	}
	i, err := v.Int()
	if err != nil {
		return 0, err
	}
	return uint64(i), nil
}

// Float32 decodes a 4-byte IEEE-754 float.
func (v Value) Float32() (float32, error) {
	if err := v.r.checkOffset(v.offset); err != nil {
		return 0, err
	}
	if v.r.buf[v.offset] != tagFloat32 {
		return 0, xpcerr.NewMalformedWireError("bplist: value at %d is not a float32", v.offset)
	}
	start := v.offset + 1
	if err := v.r.checkRange(start, 4); err != nil {
		return 0, err
	}
	return float32frombits(binary.LittleEndian.Uint32(v.r.buf[start : start+4])), nil
}

// Float64 decodes an 8-byte IEEE-754 double.
func (v Value) Float64() (float64, error) {
	if err := v.r.checkOffset(v.offset); err != nil {
		return 0, err
	}
	if v.r.buf[v.offset] != tagFloat64 {
		return 0, xpcerr.NewMalformedWireError("bplist: value at %d is not a float64", v.offset)
	}
	start := v.offset + 1
	if err := v.r.checkRange(start, 8); err != nil {
		return 0, err
	}
	return float64frombits(binary.LittleEndian.Uint64(v.r.buf[start : start+8])), nil
}

// Bool decodes the true/false tags.
func (v Value) Bool() (bool, error) {
	if err := v.r.checkOffset(v.offset); err != nil {
		return false, err
	}
	switch v.r.buf[v.offset] {
	case tagTrue:
		return true, nil
	case tagFalse:
		return false, nil
	default:
		return false, xpcerr.NewMalformedWireError("bplist: value at %d is not a bool", v.offset)
	}
}

// readLength decodes a tag|nibble-or-overflow length header starting at
// v.offset, returning the declared length and the offset of the first
// content byte.
func (v Value) readLength(mask, wantBase byte) (length int, contentStart int, err error) {
	if err = v.r.checkOffset(v.offset); err != nil {
		return 0, 0, err
	}
	b := v.r.buf[v.offset]
	if b&mask != wantBase {
		return 0, 0, xpcerr.NewMalformedWireError("bplist: value at %d has wrong tag family (0x%02x)", v.offset, b)
	}
	nibble := b & 0x0f
	if nibble != lengthOverflowNibble {
		return int(nibble), v.offset + 1, nil
	}

	overflow := Value{r: v.r, offset: v.offset + 1, depth: v.depth}
	n, err := overflow.Int()
	if err != nil {
		return 0, 0, err
	}
	if n < 0 {
		return 0, 0, xpcerr.NewMalformedWireError("bplist: negative length at %d", v.offset)
	}
	overflowEnd, err := overflow.selfWidth()
	if err != nil {
		return 0, 0, err
	}
	return int(n), overflow.offset + 1 + overflowEnd, nil
}

// selfWidth returns the payload width, in bytes, of an integer tag object,
// not counting its tag byte (used to skip over an overflow-length integer).
func (v Value) selfWidth() (int, error) {
	if err := v.r.checkOffset(v.offset); err != nil {
		return 0, err
	}
	switch v.r.buf[v.offset] {
	case tagInt1:
		return 1, nil
	case tagInt2:
		return 2, nil
	case tagInt4:
		return 4, nil
	case tagInt8, tagUint64:
		return 8, nil
	default:
		return 0, xpcerr.NewMalformedWireError("bplist: expected integer width at %d", v.offset)
	}
}

// Data decodes a raw data blob.
func (v Value) Data() ([]byte, error) {
	length, start, err := v.readLength(tagDataMask, tagData)
	if err != nil {
		return nil, err
	}
	if err := v.r.checkRange(start, length); err != nil {
		return nil, err
	}
	return v.r.buf[start : start+length], nil
}

// String decodes either ASCII+NUL or UTF-16 string encodings.
func (v Value) String() (string, error) {
	if err := v.r.checkOffset(v.offset); err != nil {
		return "", err
	}
	if v.r.buf[v.offset]&tagASCIIMask == tagASCII {
		length, start, err := v.readLength(tagASCIIMask, tagASCII)
		if err != nil {
			return "", err
		}
		if err := v.r.checkRange(start, length); err != nil {
			return "", err
		}
		return string(v.r.buf[start : start+length]), nil
	}
	if v.r.buf[v.offset]&tagUTF16Mask == tagUTF16 {
		units, start, err := v.readLength(tagUTF16Mask, tagUTF16)
		if err != nil {
			return "", err
		}
		if err := v.r.checkRange(start, units*2); err != nil {
			return "", err
		}
		return decodeUTF16(v.r.buf[start : start+units*2]), nil
	}
	return "", xpcerr.NewMalformedWireError("bplist: value at %d is not a string", v.offset)
}

func decodeUTF16(raw []byte) string {
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
	}
	return string(utf16.Decode(units))
}

// containerBounds reads the marker byte and the 8-byte end offset that
// follows it for an array or dict, validating the recursion depth bound.
func (v Value) containerBounds(wantTag byte) (contentStart, end int, err error) {
	if v.depth >= MaxDepth {
		return 0, 0, xpcerr.NewMalformedWireError("bplist: container depth exceeds %d at offset %d", MaxDepth, v.offset)
	}
	if err := v.r.checkOffset(v.offset); err != nil {
		return 0, 0, err
	}
	if v.r.buf[v.offset] != wantTag {
		return 0, 0, xpcerr.NewMalformedWireError("bplist: value at %d is not the expected container tag", v.offset)
	}
	slot := v.offset + 1
	if err := v.r.checkRange(slot, 8); err != nil {
		return 0, 0, err
	}
	end = int(binary.LittleEndian.Uint64(v.r.buf[slot : slot+8]))
	if end < slot+8 || end > len(v.r.buf) {
		return 0, 0, xpcerr.NewMalformedWireError("bplist: container end offset %d out of bounds", end)
	}
	return slot + 8, end, nil
}

// ArrayItems returns every item of an array value in order.
func (v Value) ArrayItems() ([]Value, error) {
	start, end, err := v.containerBounds(tagArray)
	if err != nil {
		return nil, err
	}
	var items []Value
	offset := start
	for offset < end {
		item := Value{r: v.r, offset: offset, depth: v.depth + 1}
		width, err := item.width()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		offset += width
	}
	if offset != end {
		return nil, xpcerr.NewMalformedWireError("bplist: array contents overrun end offset at %d", v.offset)
	}
	return items, nil
}

// DictEntry is one key/value pair of a decoded dict.
type DictEntry struct {
	Key   Value
	Value Value
}

// DictEntries returns every key/value pair of a dict value in order.
func (v Value) DictEntries() ([]DictEntry, error) {
	start, end, err := v.containerBounds(tagDict)
	if err != nil {
		return nil, err
	}
	var entries []DictEntry
	offset := start
	for offset < end {
		key := Value{r: v.r, offset: offset, depth: v.depth + 1}
		kw, err := key.width()
		if err != nil {
			return nil, err
		}
		offset += kw

		val := Value{r: v.r, offset: offset, depth: v.depth + 1}
		vw, err := val.width()
		if err != nil {
			return nil, err
		}
		offset += vw

		entries = append(entries, DictEntry{Key: key, Value: val})
	}
	if offset != end {
		return nil, xpcerr.NewMalformedWireError("bplist: dict contents overrun end offset at %d", v.offset)
	}
	return entries, nil
}

// LookupString returns the value for the first entry whose key decodes as
// the given string (spec.md §4.1: "stop on first match").
func (v Value) LookupString(key string) (Value, bool, error) {
	entries, err := v.DictEntries()
	if err != nil {
		return Value{}, false, err
	}
	for _, e := range entries {
		if e.Key.IsNull() {
			continue
		}
		k, err := e.Key.String()
		if err != nil {
			continue
		}
		if k == key {
			return e.Value, true, nil
		}
	}
	return Value{}, false, nil
}

// LookupPositional performs the "generic-key" lookup used for invocation
// argument lists: it selects the N-th dict entry whose key is the null
// marker (the positional/unkeyed encoding described in spec.md §4.2/§4.3),
// returning that entry's value.
func (v Value) LookupPositional(n int) (Value, bool, error) {
	entries, err := v.DictEntries()
	if err != nil {
		return Value{}, false, err
	}
	count := 0
	for _, e := range entries {
		if !e.Key.IsNull() {
			continue
		}
		if count == n {
			return e.Value, true, nil
		}
		count++
	}
	return Value{}, false, nil
}

// width returns the total encoded size, in bytes, of the value at v's
// offset (including its tag/length header), used to step over it while
// iterating a container without decoding its payload.
func (v Value) width() (int, error) {
	k, err := v.Kind()
	if err != nil {
		return 0, err
	}
	switch k {
	case KindInt:
		w, err := v.selfWidth()
		if err != nil {
			return 0, err
		}
		return 1 + w, nil
	case KindUint64:
		return 1 + 8, nil
	case KindFloat32:
		return 1 + 4, nil
	case KindFloat64:
		return 1 + 8, nil
	case KindTrue, KindFalse, KindNull:
		return 1, nil
	case KindData:
		length, start, err := v.readLength(tagDataMask, tagData)
		if err != nil {
			return 0, err
		}
		return start - v.offset + length, nil
	case KindString:
		if v.r.buf[v.offset]&tagASCIIMask == tagASCII {
			length, start, err := v.readLength(tagASCIIMask, tagASCII)
			if err != nil {
				return 0, err
			}
			return start - v.offset + length + 1, nil // +1 for NUL terminator
		}
		units, start, err := v.readLength(tagUTF16Mask, tagUTF16)
		if err != nil {
			return 0, err
		}
		return start - v.offset + units*2, nil
	case KindArray:
		_, end, err := v.containerBounds(tagArray)
		if err != nil {
			return 0, err
		}
		return end - v.offset, nil
	case KindDict:
		_, end, err := v.containerBounds(tagDict)
		if err != nil {
			return 0, err
		}
		return end - v.offset, nil
	default:
		return 0, xpcerr.NewMalformedWireError("bplist: cannot size value of unknown kind at %d", v.offset)
	}
}
