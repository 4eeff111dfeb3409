package filecoord

import (
	"context"
	"testing"
	"time"
)

type stubPresenter struct {
	deny bool
}

func (s *stubPresenter) Notify(ctx context.Context, n Notification) (PresenterResult, error) {
	if s.deny {
		return ResultError, nil
	}
	return ResultOk, nil
}

func TestSingleWriterGrantedImmediately(t *testing.T) {
	a := NewArbiter()
	grant, err := a.Request(context.Background(), Intent{Path: "/x", Kind: KindWrite})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if grant.Token == "" {
		t.Fatal("expected a non-empty cancellation token")
	}
}

func TestReadersCooperateOnSameMember(t *testing.T) {
	a := NewArbiter()
	ctx := context.Background()

	// A member stops accepting cooperating requests once it is ongoing, so
	// a writer holds /x while both readers queue up behind it.
	writeGrant, err := a.Request(ctx, Intent{Path: "/x", Kind: KindWrite})
	if err != nil {
		t.Fatalf("writer request: %v", err)
	}

	type result struct {
		grant *Grant
		err   error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			g, err := a.Request(ctx, Intent{Path: "/x", Kind: KindRead, PurposeID: "p"})
			results <- result{g, err}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	if err := a.Complete(writeGrant.Token); err != nil {
		t.Fatalf("complete writer: %v", err)
	}

	var grants []*Grant
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				t.Fatalf("reader request %d: %v", i+1, r.err)
			}
			grants = append(grants, r.grant)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for the cooperating readers")
		}
	}
	if grants[0].Token == grants[1].Token {
		t.Fatal("expected distinct tokens even for cooperating readers")
	}

	a.mu.Lock()
	r1, r2 := a.tokens[grants[0].Token], a.tokens[grants[1].Token]
	a.mu.Unlock()
	if r1 == nil || r2 == nil || r1.member != r2.member {
		t.Fatal("expected both readers to share one queue member")
	}
}

func TestWriterBlocksUntilReaderCompletes(t *testing.T) {
	a := NewArbiter()
	ctx := context.Background()

	readGrant, err := a.Request(ctx, Intent{Path: "/x", Kind: KindRead})
	if err != nil {
		t.Fatalf("reader request: %v", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := a.Request(writeCtx, Intent{Path: "/x", Kind: KindWrite}); err == nil {
		t.Fatal("expected writer to still be waiting on the ongoing reader")
	}

	if err := a.Complete(readGrant.Token); err != nil {
		t.Fatalf("complete: %v", err)
	}

	writeGrant, err := a.Request(ctx, Intent{Path: "/x", Kind: KindWrite})
	if err != nil {
		t.Fatalf("writer request after reader completed: %v", err)
	}
	if writeGrant.Token == "" {
		t.Fatal("expected a token for the now-ongoing writer")
	}
}

func TestDescendantWriterBlocksOnAncestorReader(t *testing.T) {
	a := NewArbiter()
	ctx := context.Background()

	if _, err := a.Request(ctx, Intent{Path: "/a", Kind: KindRead}); err != nil {
		t.Fatalf("ancestor reader: %v", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := a.Request(writeCtx, Intent{Path: "/a/b", Kind: KindWrite}); err == nil {
		t.Fatal("expected descendant writer to wait on the ancestor's ongoing reader")
	}
}

func TestCancelBeforeOngoingIsSilent(t *testing.T) {
	a := NewArbiter()
	ctx := context.Background()

	if _, err := a.Request(ctx, Intent{Path: "/x", Kind: KindWrite}); err != nil {
		t.Fatalf("first writer: %v", err)
	}

	queuedCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := a.Request(queuedCtx, Intent{Path: "/x", Kind: KindWrite})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the cancelled queued request to return an error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation to resolve")
	}
}

func TestPresenterDenialFailsRequest(t *testing.T) {
	a := NewArbiter()
	a.RegisterPresenter("/x", &stubPresenter{deny: true})

	_, err := a.Request(context.Background(), Intent{Path: "/x", Kind: KindWrite})
	if err == nil {
		t.Fatal("expected presenter denial to fail the request")
	}
}

func TestDidMoveRedirectsFutureRequests(t *testing.T) {
	a := NewArbiter()
	ctx := context.Background()

	grant, err := a.Request(ctx, Intent{Path: "/old", Kind: KindWrite})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := a.Complete(grant.Token); err != nil {
		t.Fatalf("complete: %v", err)
	}

	a.DidMove("/old", "/new")

	g2, err := a.Request(ctx, Intent{Path: "/old", Kind: KindWrite})
	if err != nil {
		t.Fatalf("request after move: %v", err)
	}
	if g2.Path != "/new" {
		t.Fatalf("expected redirected path /new, got %q", g2.Path)
	}
}

func TestRequestBatchEnqueuesBeforeGranting(t *testing.T) {
	a := NewArbiter()
	batch, err := a.RequestBatch(context.Background(), []Intent{
		{Path: "/a", Kind: KindWrite},
		{Path: "/b", Kind: KindWrite},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(batch.Grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(batch.Grants))
	}
}
