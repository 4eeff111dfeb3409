package bplist

import (
	"testing"

	"github.com/trivago/nsxpcd/internal/xpcerr"
)

func roundTrip(t *testing.T, build func(w *Writer)) *Reader {
	t.Helper()
	w := NewWriter()
	build(w)
	buf, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	r, err := NewReader(buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

func TestScalarRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		build func(w *Writer)
		check func(t *testing.T, v Value)
	}{
		{"int1", func(w *Writer) { w.WriteInt(42) }, func(t *testing.T, v Value) {
			n, err := v.Int()
			if err != nil || n != 42 {
				t.Fatalf("got %d, %v", n, err)
			}
		}},
		{"int-negative", func(w *Writer) { w.WriteInt(-1000) }, func(t *testing.T, v Value) {
			n, err := v.Int()
			if err != nil || n != -1000 {
				t.Fatalf("got %d, %v", n, err)
			}
		}},
		{"int8width", func(w *Writer) { w.WriteInt(1 << 40) }, func(t *testing.T, v Value) {
			n, err := v.Int()
			if err != nil || n != 1<<40 {
				t.Fatalf("got %d, %v", n, err)
			}
		}},
		{"uint64-overflow", func(w *Writer) { w.WriteUnsigned(1 << 63) }, func(t *testing.T, v Value) {
			n, err := v.Uint64()
			if err != nil || n != 1<<63 {
				t.Fatalf("got %d, %v", n, err)
			}
		}},
		{"float64", func(w *Writer) { w.WriteFloat64(3.5) }, func(t *testing.T, v Value) {
			f, err := v.Float64()
			if err != nil || f != 3.5 {
				t.Fatalf("got %v, %v", f, err)
			}
		}},
		{"bool-true", func(w *Writer) { w.WriteBool(true) }, func(t *testing.T, v Value) {
			b, err := v.Bool()
			if err != nil || !b {
				t.Fatalf("got %v, %v", b, err)
			}
		}},
		{"ascii-string", func(w *Writer) { w.WriteString("hello") }, func(t *testing.T, v Value) {
			s, err := v.String()
			if err != nil || s != "hello" {
				t.Fatalf("got %q, %v", s, err)
			}
		}},
		{"utf16-string", func(w *Writer) { w.WriteString("héllo→") }, func(t *testing.T, v Value) {
			s, err := v.String()
			if err != nil || s != "héllo→" {
				t.Fatalf("got %q, %v", s, err)
			}
		}},
		{"data", func(w *Writer) { w.WriteData([]byte{1, 2, 3, 4}) }, func(t *testing.T, v Value) {
			d, err := v.Data()
			if err != nil || len(d) != 4 || d[2] != 3 {
				t.Fatalf("got %v, %v", d, err)
			}
		}},
		{"null", func(w *Writer) { w.WriteNull() }, func(t *testing.T, v Value) {
			if !v.IsNull() {
				t.Fatalf("expected null")
			}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := roundTrip(t, tc.build)
			v, err := r.Root()
			if err != nil {
				t.Fatalf("Root: %v", err)
			}
			tc.check(t, v)
		})
	}
}

func TestLongStringUsesOverflowLength(t *testing.T) {
	long := make([]byte, 0, 40)
	for i := 0; i < 40; i++ {
		long = append(long, 'a')
	}
	r := roundTrip(t, func(w *Writer) { w.WriteString(string(long)) })
	v, _ := r.Root()
	s, err := v.String()
	if err != nil || s != string(long) {
		t.Fatalf("got %q (%d), %v", s, len(s), err)
	}
}

func TestArrayRoundTrip(t *testing.T) {
	r := roundTrip(t, func(w *Writer) {
		w.OpenArray()
		w.WriteInt(1)
		w.WriteInt(2)
		w.WriteString("three")
		w.Close()
	})
	v, _ := r.Root()
	items, err := v.ArrayItems()
	if err != nil {
		t.Fatalf("ArrayItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items", len(items))
	}
	if n, _ := items[0].Int(); n != 1 {
		t.Fatalf("item0 = %d", n)
	}
	if s, _ := items[2].String(); s != "three" {
		t.Fatalf("item2 = %q", s)
	}
}

func TestDictLookupAndPositional(t *testing.T) {
	r := roundTrip(t, func(w *Writer) {
		w.OpenDict()
		w.WriteString("selector")
		w.WriteString("greet:")
		w.WriteNull()
		w.WriteString("world")
		w.WriteNull()
		w.WriteInt(7)
		w.Close()
	})
	v, _ := r.Root()

	sel, found, err := v.LookupString("selector")
	if err != nil || !found {
		t.Fatalf("LookupString: found=%v err=%v", found, err)
	}
	if s, _ := sel.String(); s != "greet:" {
		t.Fatalf("selector = %q", s)
	}

	arg0, found, err := v.LookupPositional(0)
	if err != nil || !found {
		t.Fatalf("LookupPositional(0): found=%v err=%v", found, err)
	}
	if s, _ := arg0.String(); s != "world" {
		t.Fatalf("arg0 = %q", s)
	}

	arg1, found, err := v.LookupPositional(1)
	if err != nil || !found {
		t.Fatalf("LookupPositional(1): found=%v err=%v", found, err)
	}
	if n, _ := arg1.Int(); n != 7 {
		t.Fatalf("arg1 = %d", n)
	}
}

func TestNestedContainers(t *testing.T) {
	r := roundTrip(t, func(w *Writer) {
		w.OpenArray()
		w.OpenDict()
		w.WriteString("k")
		w.WriteString("v")
		w.Close()
		w.Close()
	})
	v, _ := r.Root()
	items, err := v.ArrayItems()
	if err != nil || len(items) != 1 {
		t.Fatalf("ArrayItems: %v %v", items, err)
	}
	val, found, err := items[0].LookupString("k")
	if err != nil || !found {
		t.Fatalf("nested lookup: %v %v", found, err)
	}
	if s, _ := val.String(); s != "v" {
		t.Fatalf("nested value = %q", s)
	}
}

func TestTruncationYieldsMalformedWire(t *testing.T) {
	w := NewWriter()
	w.OpenDict()
	w.WriteString("selector")
	w.WriteString("greet:")
	w.Close()
	full, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	for cut := HeaderLen; cut < len(full); cut++ {
		truncated := full[:cut]
		r, err := NewReader(truncated)
		if err != nil {
			continue // header itself was truncated, already typed
		}
		v, err := r.Root()
		if err != nil {
			continue
		}
		_, parseErr := v.DictEntries()
		if parseErr == nil {
			continue // some cut points still parse a valid, shorter prefix; that's fine
		}
		if _, ok := parseErr.(xpcerr.MalformedWireError); !ok {
			t.Fatalf("truncation at %d produced %T, not a MalformedWireError", cut, parseErr)
		}
	}
}

func TestMaxDepthRejected(t *testing.T) {
	w := NewWriter()
	for i := 0; i < MaxDepth+5; i++ {
		w.OpenArray()
	}
	for i := 0; i < MaxDepth+5; i++ {
		w.Close()
	}
	buf, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	r, err := NewReader(buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	v, err := r.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}

	depth := 0
	cur := v
	var walkErr error
	for {
		items, err := cur.ArrayItems()
		if err != nil {
			walkErr = err
			break
		}
		if len(items) == 0 {
			break
		}
		cur = items[0]
		depth++
		if depth > MaxDepth+10 {
			break
		}
	}
	if walkErr == nil {
		t.Fatalf("expected MalformedWireError once depth exceeded %d, walked to depth %d with no error", MaxDepth, depth)
	}
}
