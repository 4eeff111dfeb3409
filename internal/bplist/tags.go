// Package bplist implements the bplist16 wire codec: spec.md §3's
// "Codec value tags" and §4.1. Bounds checking follows the same
// accounting style as gollum's shared.BufferedReader (explicit
// offset/end tracking over a borrowed byte slice, grown rather than
// reallocated per read) but is written from scratch since no example
// repo carries a binary property-list codec.
package bplist

// Header is the literal 8-byte magic every message is framed with.
const Header = "bplist16"

// HeaderLen is len(Header); also the minimum valid buffer size.
const HeaderLen = 8

// MaxDepth bounds recursive container nesting (spec.md §4.1: "max
// container depth 1024"). The decoder walks containers iteratively with
// an explicit depth counter rather than recursing so a crafted buffer
// cannot exhaust the goroutine stack.
const MaxDepth = 1024

// tag is the low nibble (when fixed) or full byte (when not) that
// identifies a wire value's shape.
type tag byte

const (
	tagIntMask   = 0xf0
	tagInt1      = 0x11
	tagInt2      = 0x12
	tagInt4      = 0x14
	tagInt8      = 0x18
	tagFloat32   = 0x22
	tagFloat64   = 0x23
	tagDataMask  = 0xf0
	tagData      = 0x40
	tagUTF16Mask = 0xf0
	tagUTF16     = 0x60
	tagASCIIMask = 0xf0
	tagASCII     = 0x70
	tagArray     = 0xa0
	tagTrue      = 0xb0
	tagFalse     = 0xc0
	tagDict      = 0xd0
	tagNull      = 0xe0
	tagUint64    = 0xf8

	lengthOverflowNibble = 0x0f // low nibble 0xf => real length follows as an integer object
)

// Kind is the decoded shape of a value, exposed to callers of Reader.
type Kind int

const (
	KindInvalid Kind = iota
	KindInt
	KindUint64
	KindFloat32
	KindFloat64
	KindData
	KindString
	KindArray
	KindDict
	KindTrue
	KindFalse
	KindNull
)
