package progress

import "testing"

func TestEstablishReturnsSameHandleForSequence(t *testing.T) {
	b := NewBridge()
	h1 := b.Establish(5)
	h2 := b.Establish(5)
	if h1 != h2 {
		t.Fatal("expected repeated Establish for the same sequence to return the same handle")
	}
}

func TestUpdateNotifiesObserver(t *testing.T) {
	b := NewBridge()
	h := b.Establish(1)

	var got Snapshot
	h.OnUpdate(func(s Snapshot) { got = s })

	h.Update(Snapshot{Completed: 3, Total: 10, Cancellable: true})
	if got.Completed != 3 || got.Total != 10 || !got.Cancellable {
		t.Fatalf("unexpected snapshot observed: %+v", got)
	}
	if h.Snapshot() != got {
		t.Fatalf("Snapshot() should reflect the last Update: %+v vs %+v", h.Snapshot(), got)
	}
}

func TestCancelInvokesLocalHook(t *testing.T) {
	b := NewBridge()
	h := b.Establish(2)

	cancelled := false
	h.CancelFunc = func() { cancelled = true }
	h.Cancel()
	if !cancelled {
		t.Fatal("expected Cancel to invoke CancelFunc")
	}
}

func TestRetireAndInvalidateAllClearHandles(t *testing.T) {
	b := NewBridge()
	b.Establish(1)
	b.Establish(2)

	b.Retire(1)
	if _, ok := b.Lookup(1); ok {
		t.Fatal("expected retired sequence to be gone")
	}
	if _, ok := b.Lookup(2); !ok {
		t.Fatal("expected sequence 2 to still be tracked")
	}

	b.InvalidateAll()
	if _, ok := b.Lookup(2); ok {
		t.Fatal("expected InvalidateAll to drop every handle")
	}
}
