package bplist

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// Writer serializes scalars and containers into the bplist16 wire format.
// It owns its output buffer exclusively until Finish is called, at which
// point ownership transfers to the caller (normally a transport.Send),
// matching spec.md §5's "serializer's output buffer is owned exclusively
// until handed to the transport".
type Writer struct {
	buf   []byte
	stack []int // offsets of reserved 8-byte end-offset slots, one per open container
}

// NewWriter returns a Writer with a reasonable initial capacity.
func NewWriter() *Writer {
	w := &Writer{buf: make([]byte, 0, 256)}
	return w
}

func (w *Writer) reserveEndOffsetSlot() int {
	slot := len(w.buf)
	w.buf = append(w.buf, make([]byte, 8)...)
	return slot
}

// OpenArray begins a new array container; the matching Close writes its end offset.
func (w *Writer) OpenArray() {
	w.buf = append(w.buf, tagArray)
	w.stack = append(w.stack, w.reserveEndOffsetSlot())
}

// OpenDict begins a new dict container; the matching Close writes its end offset.
func (w *Writer) OpenDict() {
	w.buf = append(w.buf, tagDict)
	w.stack = append(w.stack, w.reserveEndOffsetSlot())
}

// Close ends the most recently opened container, filling in its reserved
// 8-byte end-offset slot with the current buffer length. The stored value
// is offset by HeaderLen: Finish prepends the 8-byte Header to w.buf, and
// every offset a Reader sees is absolute into that header-framed buffer
// (Root starts reading at HeaderLen), so the slot must record where the
// container ends in the final framed output, not in w.buf alone.
func (w *Writer) Close() {
	n := len(w.stack)
	if n == 0 {
		panic("bplist: Close with no open container")
	}
	slot := w.stack[n-1]
	w.stack = w.stack[:n-1]
	binary.LittleEndian.PutUint64(w.buf[slot:slot+8], uint64(len(w.buf)+HeaderLen))
}

// WriteNull appends the null marker.
func (w *Writer) WriteNull() { w.buf = append(w.buf, tagNull) }

// WriteBool appends a bool tag.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, tagTrue)
	} else {
		w.buf = append(w.buf, tagFalse)
	}
}

// WriteInt appends a signed integer using the smallest of {1,2,4,8} bytes
// that fits its two's-complement width, as spec.md §4.1 requires.
func (w *Writer) WriteInt(v int64) {
	switch {
	case v >= -(1<<7) && v < 1<<7:
		w.buf = append(w.buf, tagInt1, byte(v))
	case v >= -(1<<15) && v < 1<<15:
		w.buf = append(w.buf, tagInt2)
		w.appendUint16(uint16(v))
	case v >= -(1<<31) && v < 1<<31:
		w.buf = append(w.buf, tagInt4)
		w.appendUint32(uint32(v))
	default:
		w.buf = append(w.buf, tagInt8)
		w.appendUint64(uint64(v))
	}
}

// WriteUnsigned appends an unsigned magnitude. Values that do not fit in
// int64 use the dedicated 0xf8 tag (spec.md §4.1), everything else picks
// the smallest signed-compatible width like WriteInt.
func (w *Writer) WriteUnsigned(v uint64) {
	if v > (1<<63 - 1) {
		w.buf = append(w.buf, tagUint64)
		w.appendUint64(v)
		return
	}
	w.WriteInt(int64(v))
}

// WriteFloat32 appends a 4-byte IEEE-754 float.
func (w *Writer) WriteFloat32(v float32) {
	w.buf = append(w.buf, tagFloat32)
	w.appendUint32(float32bits(v))
}

// WriteFloat64 appends an 8-byte IEEE-754 double.
func (w *Writer) WriteFloat64(v float64) {
	w.buf = append(w.buf, tagFloat64)
	w.appendUint64(float64bits(v))
}

// WriteData appends a raw data blob, framed with its length.
func (w *Writer) WriteData(data []byte) {
	w.appendLengthTag(tagData, len(data))
	w.buf = append(w.buf, data...)
}

// WriteString appends a string, choosing ASCII+NUL when every rune is below
// code point 128 and UTF-16 (no BOM) otherwise, per spec.md §4.1.
func (w *Writer) WriteString(s string) {
	if isASCII(s) {
		w.appendLengthTag(tagASCII, len(s))
		w.buf = append(w.buf, s...)
		w.buf = append(w.buf, 0) // NUL terminator
		return
	}

	units := utf16.Encode([]rune(s))
	w.appendLengthTag(tagUTF16, len(units))
	for _, u := range units {
		w.appendUint16(u)
	}
}

func isASCII(s string) bool {
	for _, r := range s {
		if r >= 128 {
			return false
		}
	}
	return true
}

// appendLengthTag writes tag|nibble and, if the length doesn't fit in the
// low nibble, an overflow integer object carrying the real length.
func (w *Writer) appendLengthTag(base byte, length int) {
	if length < 15 {
		w.buf = append(w.buf, base|byte(length))
		return
	}
	w.buf = append(w.buf, base|lengthOverflowNibble)
	w.WriteUnsigned(uint64(length))
}

func (w *Writer) appendUint16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) appendUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) appendUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// Finish frames the written payload with the bplist16 header and returns
// it. The Writer must not be reused afterward; ownership of the returned
// slice transfers to the caller.
func (w *Writer) Finish() ([]byte, error) {
	if len(w.stack) != 0 {
		return nil, fmt.Errorf("bplist: %d unclosed container(s) at Finish", len(w.stack))
	}
	out := make([]byte, 0, HeaderLen+len(w.buf))
	out = append(out, Header...)
	out = append(out, w.buf...)
	return out, nil
}
