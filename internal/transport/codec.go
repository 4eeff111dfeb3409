package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/trivago/nsxpcd/internal/wire"
	"github.com/trivago/nsxpcd/internal/xpcerr"
)

// Wire framing: EncodeEnvelope writes the fields below in a fixed order.
// StreamTransport sends each encoding behind a 4-byte big-endian length
// prefix (gollum's "binary_be" MLE32 partitioner, see consumer/proxy.go);
// wstransport sends it as one WebSocket message with no prefix. This
// is the on-the-wire shape of spec.md §6's message dictionary, not the
// bplist16 payload it carries in Root (the codec package's concern).
const (
	oolKindEndpoint = 1
	oolKindFD       = 2
	maxFrameBytes   = 64 << 20 // 64 MiB, generous upper bound against a hostile peer
)

func EncodeEnvelope(e wire.Envelope) ([]byte, error) {
	buf := make([]byte, 0, 64+len(e.Root))
	buf = appendUint64(buf, uint64(e.Flags))
	buf = appendBool(buf, e.HasSequence)
	if e.HasSequence {
		buf = appendUint64(buf, e.Sequence)
	}
	buf = appendBool(buf, e.HasProxyNum)
	if e.HasProxyNum {
		buf = appendUint64(buf, e.ProxyNum)
	}
	buf = appendString(buf, e.ReplySig)
	buf = appendBytes(buf, e.Root)

	buf = appendUint16(buf, uint16(len(e.OOLObjects)))
	for _, obj := range e.OOLObjects {
		switch o := obj.(type) {
		case Endpoint:
			buf = append(buf, oolKindEndpoint)
			buf = appendString(buf, o.Network)
			buf = appendString(buf, o.Address)
		case FileDescriptor:
			buf = append(buf, oolKindFD)
			buf = appendUint64(buf, uint64(int64(o.FD)))
		default:
			return nil, fmt.Errorf("transport: cannot serialize out-of-line object %s over a byte-stream transport", obj.OOLDescription())
		}
	}
	return buf, nil
}

func DecodeEnvelope(buf []byte) (wire.Envelope, error) {
	var e wire.Envelope
	var ok bool
	var flags uint64

	flags, buf, ok = readUint64(buf)
	if !ok {
		return e, xpcerr.NewMalformedWireError("transport: truncated flags field")
	}
	e.Flags = wire.Flags(flags)

	e.HasSequence, buf, ok = readBool(buf)
	if !ok {
		return e, xpcerr.NewMalformedWireError("transport: truncated sequence presence byte")
	}
	if e.HasSequence {
		e.Sequence, buf, ok = readUint64(buf)
		if !ok {
			return e, xpcerr.NewMalformedWireError("transport: truncated sequence field")
		}
	}

	e.HasProxyNum, buf, ok = readBool(buf)
	if !ok {
		return e, xpcerr.NewMalformedWireError("transport: truncated proxynum presence byte")
	}
	if e.HasProxyNum {
		e.ProxyNum, buf, ok = readUint64(buf)
		if !ok {
			return e, xpcerr.NewMalformedWireError("transport: truncated proxynum field")
		}
	}

	e.ReplySig, buf, ok = readString(buf)
	if !ok {
		return e, xpcerr.NewMalformedWireError("transport: truncated replysig field")
	}

	e.Root, buf, ok = readBytes(buf)
	if !ok {
		return e, xpcerr.NewMalformedWireError("transport: truncated root field")
	}

	var oolCount uint16
	oolCount, buf, ok = readUint16(buf)
	if !ok {
		return e, xpcerr.NewMalformedWireError("transport: truncated ool_objects count")
	}
	for i := uint16(0); i < oolCount; i++ {
		if len(buf) < 1 {
			return e, xpcerr.NewMalformedWireError("transport: truncated ool_object kind")
		}
		kind := buf[0]
		buf = buf[1:]
		switch kind {
		case oolKindEndpoint:
			var network, address string
			network, buf, ok = readString(buf)
			if !ok {
				return e, xpcerr.NewMalformedWireError("transport: truncated ool endpoint network")
			}
			address, buf, ok = readString(buf)
			if !ok {
				return e, xpcerr.NewMalformedWireError("transport: truncated ool endpoint address")
			}
			e.OOLObjects = append(e.OOLObjects, Endpoint{Network: network, Address: address})
		case oolKindFD:
			var raw uint64
			raw, buf, ok = readUint64(buf)
			if !ok {
				return e, xpcerr.NewMalformedWireError("transport: truncated ool fd")
			}
			e.OOLObjects = append(e.OOLObjects, FileDescriptor{FD: int(int64(raw))})
		default:
			return e, xpcerr.NewMalformedWireError("transport: unknown ool_object kind %d", kind)
		}
	}

	return e, nil
}

// writeFrame writes a length-prefixed frame to w.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, xpcerr.NewMalformedWireError("transport: frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint64(buf, uint64(len(b)))
	return append(buf, b...)
}

func readUint64(buf []byte) (uint64, []byte, bool) {
	if len(buf) < 8 {
		return 0, buf, false
	}
	return binary.BigEndian.Uint64(buf[:8]), buf[8:], true
}

func readUint16(buf []byte) (uint16, []byte, bool) {
	if len(buf) < 2 {
		return 0, buf, false
	}
	return binary.BigEndian.Uint16(buf[:2]), buf[2:], true
}

func readBool(buf []byte) (bool, []byte, bool) {
	if len(buf) < 1 {
		return false, buf, false
	}
	return buf[0] != 0, buf[1:], true
}

func readString(buf []byte) (string, []byte, bool) {
	n, rest, ok := readUint16(buf)
	if !ok || len(rest) < int(n) {
		return "", buf, false
	}
	return string(rest[:n]), rest[n:], true
}

func readBytes(buf []byte) ([]byte, []byte, bool) {
	n, rest, ok := readUint64(buf)
	if !ok || uint64(len(rest)) < n {
		return nil, buf, false
	}
	return rest[:n], rest[n:], true
}
