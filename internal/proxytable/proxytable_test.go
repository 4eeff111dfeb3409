package proxytable

import (
	"testing"

	"github.com/trivago/nsxpcd/internal/objcoder"
)

type stubObject struct{ name string }

func (s *stubObject) ClassName() string { return "stub" }
func (s *stubObject) EncodeFields(_ *objcoder.Encoder) error { return nil }

func TestExportAllocatesAndReexports(t *testing.T) {
	tbl := NewExportTable()
	obj := &stubObject{name: "a"}

	n1 := tbl.Export(obj, "")
	if n1 == RootProxyNumber {
		t.Fatalf("expected first non-root export to avoid proxy number %d", RootProxyNumber)
	}
	n2 := tbl.Export(obj, "")
	if n1 != n2 {
		t.Fatalf("expected re-export of the same object to reuse its number: %d != %d", n1, n2)
	}

	rec, ok := tbl.Lookup(n1)
	if !ok || rec.ExternalRefs != 2 {
		t.Fatalf("expected external ref count 2 after two exports, got %+v", rec)
	}
}

func TestDesistDropsRecordAtZero(t *testing.T) {
	tbl := NewExportTable()
	obj := &stubObject{name: "b"}
	n := tbl.Export(obj, "")

	tbl.Desist(n)
	if _, ok := tbl.Lookup(n); ok {
		t.Fatal("expected record to be dropped after desist brings refs to zero")
	}
}

func TestRootRecordSurvivesDesist(t *testing.T) {
	tbl := NewExportTable()
	root := &stubObject{name: "root"}
	tbl.SetRoot(root, "")

	tbl.Desist(RootProxyNumber)
	rec, ok := tbl.Lookup(RootProxyNumber)
	if !ok || rec.Object != root {
		t.Fatal("expected root record to survive desist")
	}
}

func TestImportBumpsRefCountAndDesistsAtZero(t *testing.T) {
	var desisted []uint64
	tbl := NewImportTable()
	tbl.DesistSink = func(num uint64) { desisted = append(desisted, num) }

	p1 := tbl.Import(7)
	_ = tbl.Import(7)
	if p1.Num != 7 {
		t.Fatalf("expected proxy number 7, got %d", p1.Num)
	}

	tbl.Release(7)
	if len(desisted) != 0 {
		t.Fatalf("expected no desist yet, refs still held: %v", desisted)
	}
	tbl.Release(7)
	if len(desisted) != 1 || desisted[0] != 7 {
		t.Fatalf("expected a single desist for proxy 7, got %v", desisted)
	}
}

func TestInvalidateStalesImportedProxiesWithoutDesist(t *testing.T) {
	var desisted []uint64
	tbl := NewImportTable()
	tbl.DesistSink = func(num uint64) { desisted = append(desisted, num) }

	p := tbl.Import(3)
	genBefore := p.ConnID

	tbl.Invalidate()
	if len(desisted) != 0 {
		t.Fatalf("expected invalidate not to send desist messages, got %v", desisted)
	}

	genAfter := tbl.CurrentGeneration()
	if genBefore == genAfter {
		t.Fatal("expected generation to change after invalidate, staling old proxies")
	}
}

func TestSequenceAllocatorMonotonic(t *testing.T) {
	seq := NewSequenceAllocator()
	a := seq.Next()
	b := seq.Next()
	if b <= a {
		t.Fatalf("expected monotonically increasing sequence, got %d then %d", a, b)
	}
}
