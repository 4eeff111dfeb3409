// Package filecoord implements spec.md §4.7's FileCoordination arbiter: a
// singleton per daemon process that serializes concurrent file-access
// requests across untrusted clients, enforcing reader/writer exclusion,
// queue fairness, presenter notification round-trips, and cancellation.
//
// Grounded on gollum's core.StreamRegistry (name -> single-mutex-guarded
// map) for the path -> queue / token -> request tables, and on
// core.Router's "wait for upstream before accepting downstream" ordering
// discipline, generalized here into the ancestor/descendant write-barrier
// rule spec.md §5 describes.
package filecoord

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/trivago/nsxpcd/internal/metrics"
	"github.com/trivago/nsxpcd/internal/xpcerr"
)

// Kind distinguishes a read intent from a write intent.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
)

func (k Kind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "read"
}

// Options holds the reading/writing option modifiers that affect
// member-cooperation compatibility. They occupy bits 0 and 1 of their own
// field; the read/write kind is not packed into it and travels separately
// (Intent.Kind, and the "kind" key of an Intent message).
type Options uint32

const (
	OptForUploading Options = 1 << iota
	OptImmediatelyAvailableMetadataOnly
)

// Intent is a client's access request, spec.md §4.7.
type Intent struct {
	Path      string
	Kind      Kind
	Options   Options
	PurposeID string
}

// RequestState is a Request's lifecycle position, spec.md §3's "request"
// entity: state ∈ {new, queued, ongoing, complete, failed}.
type RequestState int32

const (
	StateNew RequestState = iota
	StateQueued
	StateOngoing
	StateComplete
	StateFailed
)

// Grant is handed back to the client once its request's member becomes
// ongoing: a cancellation token plus the (possibly rename-redirected) path.
type Grant struct {
	Token string
	Path  string
}

// Request is one client's admission request against a path queue.
type Request struct {
	Token  string
	Intent Intent

	mu    sync.Mutex
	state RequestState

	replyCh chan outcome
	queue   *pathQueue
	member  *queueMember
}

type outcome struct {
	grant *Grant
	err   error
}

func (r *Request) setState(s RequestState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Request) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// queueMember is spec.md glossary's "a set of one or more cooperating
// requests treated as one scheduling unit".
type queueMember struct {
	requests  []*Request
	accepting bool // still open to new cooperating requests
	ongoing   bool
}

func (m *queueMember) kind() Kind { return m.requests[0].Intent.Kind }

// pathQueue is spec.md §3's "path queue": the FIFO of queue members
// waiting on, or holding, access to one absolute path.
type pathQueue struct {
	path    string
	members []*queueMember
}

// Presenter observes a coordinated path and must acknowledge every
// notification the arbiter routes to it (spec.md §4.7 step 3).
type Presenter interface {
	Notify(ctx context.Context, n Notification) (PresenterResult, error)
}

// NotificationType enumerates spec.md §6's presenter notification item
// types.
type NotificationType int

const (
	NotifyRelinquishToReader NotificationType = iota
	NotifyRelinquishToWriter
	NotifyReacquire
	NotifySave
	NotifyPrepareForDeletion
	NotifyDidMove
	NotifyDidChange
	NotifyDidGainVersion
	NotifyDidLoseVersion
	NotifyDidResolveVersionConflict
	NotifyDidChangeUbiquity
	NotifyNewChildDidAppear
)

// Notification is one presenter round-trip message.
type Notification struct {
	Type    NotificationType
	Path    string
	NewPath string
	Details map[string]string
}

// PresenterResult is a presenter's acknowledgement.
type PresenterResult int

const (
	ResultOk PresenterResult = iota
	ResultError
)

// Arbiter is the per-daemon singleton, spec.md §4.7: "Tables: paths ->
// queue, token -> request."
type Arbiter struct {
	mu sync.Mutex

	queues map[string]*pathQueue
	tokens map[string]*Request

	presenters map[string][]Presenter // path -> registered presenters
	renames    map[string]string      // old (cleaned) path -> new path

	// PresenterTimeout bounds each presenter round-trip; zero means the
	// teacher's gometrics-style "no timeout configured" default of 30s.
	PresenterTimeout time.Duration
}

// NewArbiter returns an empty Arbiter.
func NewArbiter() *Arbiter {
	return &Arbiter{
		queues:           make(map[string]*pathQueue),
		tokens:           make(map[string]*Request),
		presenters:       make(map[string][]Presenter),
		renames:          make(map[string]string),
		PresenterTimeout: 30 * time.Second,
	}
}

// RegisterPresenter adds p to the set notified about path and its
// descendants/ancestors per spec.md §4.7 step 3.
func (a *Arbiter) RegisterPresenter(path string, p Presenter) {
	path = clean(path)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presenters[path] = append(a.presenters[path], p)
}

func clean(p string) string { return filepath.Clean(p) }

// resolvePath follows the rename-tracking table (SPEC_FULL.md §4's
// supplemental "itemAtURL:didMoveToURL:" redirect) so a request made
// against a path that has since moved is re-targeted when it is enqueued.
// Requests already queued keep the path they were enqueued under.
func (a *Arbiter) resolvePath(path string) string {
	p := clean(path)
	for {
		next, ok := a.renames[p]
		if !ok {
			return p
		}
		p = next
	}
}

// compatible implements spec.md §4.7's compatibility rule: "two requests
// may share a member iff both are reads, share purpose-identifier, and
// neither carries a for-uploading/immediately-available-metadata-only
// modifier that conflicts."
func compatible(a, b Intent) bool {
	if a.Kind != KindRead || b.Kind != KindRead {
		return false
	}
	if a.PurposeID != b.PurposeID {
		return false
	}
	const conflictMask = OptForUploading | OptImmediatelyAvailableMetadataOnly
	return a.Options&conflictMask == b.Options&conflictMask
}

func isAncestor(ancestor, path string) bool {
	if ancestor == path {
		return false
	}
	return strings.HasPrefix(path, ancestor+string(filepath.Separator))
}

// Request implements spec.md §4.7's request lifecycle steps 1-4: enqueue,
// wait for admission, run the presenter round-trip, and return a grant (or
// a typed error) once the member is ongoing, or when ctx is cancelled.
func (a *Arbiter) Request(ctx context.Context, intent Intent) (*Grant, error) {
	req := a.enqueue(intent)
	return a.awaitGrant(ctx, req)
}

// BatchGrant is SPEC_FULL.md §4's batch accessor result: one Grant per
// intent, in the same order as the RequestBatch call.
type BatchGrant struct {
	Grants []*Grant
}

// RequestBatch implements SPEC_FULL.md §4's coordinateAccessWithIntents:
// equivalent: every member request is enqueued before any is released to
// the admission loop, avoiding the lock-ordering deadlock a naive
// sequential Request/Request would risk when two batches touch the same
// paths in opposite orders.
func (a *Arbiter) RequestBatch(ctx context.Context, intents []Intent) (*BatchGrant, error) {
	a.mu.Lock()
	reqs := make([]*Request, len(intents))
	queues := make(map[*pathQueue]struct{})
	for i, intent := range intents {
		req := a.enqueueLocked(intent)
		reqs[i] = req
		queues[req.queue] = struct{}{}
	}
	for q := range queues {
		a.tryAdmitLocked(q)
	}
	a.mu.Unlock()

	grants := make([]*Grant, len(reqs))
	for i, req := range reqs {
		g, err := a.awaitGrant(ctx, req)
		if err != nil {
			for _, sib := range reqs {
				if sib != req {
					a.Cancel(sib.Token)
				}
			}
			return nil, err
		}
		grants[i] = g
	}
	return &BatchGrant{Grants: grants}, nil
}

func (a *Arbiter) enqueue(intent Intent) *Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	req := a.enqueueLocked(intent)
	a.tryAdmitLocked(req.queue)
	return req
}

func (a *Arbiter) enqueueLocked(intent Intent) *Request {
	path := a.resolvePath(intent.Path)
	intent.Path = path

	req := &Request{
		Token:   uuid.NewString(),
		Intent:  intent,
		state:   StateNew,
		replyCh: make(chan outcome, 1),
	}

	q, ok := a.queues[path]
	if !ok {
		q = &pathQueue{path: path}
		a.queues[path] = q
	}
	req.queue = q

	if n := len(q.members); n > 0 {
		tail := q.members[n-1]
		if tail.accepting && !tail.ongoing && compatible(tail.requests[0].Intent, intent) {
			tail.requests = append(tail.requests, req)
			req.member = tail
			req.setState(StateQueued)
			a.tokens[req.Token] = req
			return req
		}
	}

	m := &queueMember{requests: []*Request{req}, accepting: intent.Kind == KindRead}
	q.members = append(q.members, m)
	req.member = m
	req.setState(StateQueued)
	a.tokens[req.Token] = req
	metrics.SetGauge(metrics.FCQueueDepthPrefix+path, int64(len(q.members)))
	return req
}

func (a *Arbiter) awaitGrant(ctx context.Context, req *Request) (*Grant, error) {
	select {
	case o := <-req.replyCh:
		return o.grant, o.err
	case <-ctx.Done():
		a.Cancel(req.Token)
		return nil, xpcerr.NewCancelledError("filecoord: request for %q cancelled: %v", req.Intent.Path, ctx.Err())
	}
}

// tryAdmitLocked attempts to move q's head member into the ongoing state,
// per spec.md §5's waiting rules. Caller holds a.mu.
func (a *Arbiter) tryAdmitLocked(q *pathQueue) {
	if len(q.members) == 0 {
		return
	}
	head := q.members[0]
	if head.ongoing {
		return
	}
	if a.hasOngoingWriterInAncestorsLocked(q.path) || a.hasOngoingWriterInDescendantsLocked(q.path) {
		return
	}
	if head.kind() == KindWrite && a.hasOngoingReaderInSubtreeLocked(q.path) {
		return
	}

	head.ongoing = true
	head.accepting = false
	for _, req := range head.requests {
		req.setState(StateOngoing)
	}
	members := append([]*Request(nil), head.requests...)
	go a.runPresenterRoundTrip(q, head, members)
}

func (a *Arbiter) hasOngoingWriterInAncestorsLocked(path string) bool {
	for qp, q := range a.queues {
		if isAncestor(qp, path) && len(q.members) > 0 && q.members[0].ongoing && q.members[0].kind() == KindWrite {
			return true
		}
	}
	return false
}

func (a *Arbiter) hasOngoingWriterInDescendantsLocked(path string) bool {
	for qp, q := range a.queues {
		if isAncestor(path, qp) && len(q.members) > 0 && q.members[0].ongoing && q.members[0].kind() == KindWrite {
			return true
		}
	}
	return false
}

// hasOngoingReaderInSubtreeLocked implements spec.md §5's symmetric writer
// rule. A coordinated read on a directory is treated, like the original
// NSFileCoordinator, as covering its whole subtree, so a reader anywhere
// related to path (path itself, an ancestor, or a descendant) blocks a new
// writer at path exactly as an ongoing writer would.
func (a *Arbiter) hasOngoingReaderInSubtreeLocked(path string) bool {
	for qp, q := range a.queues {
		related := qp == path || isAncestor(path, qp) || isAncestor(qp, path)
		if related && len(q.members) > 0 && q.members[0].ongoing && q.members[0].kind() == KindRead {
			return true
		}
	}
	return false
}

// runPresenterRoundTrip implements spec.md §4.7 step 3: notify every
// registered presenter for path's ancestors/self/descendants, with the
// item type chosen per the member's kind, then either grant (all Ok) or
// fail the request and advance the queue (any Error).
func (a *Arbiter) runPresenterRoundTrip(q *pathQueue, m *queueMember, reqs []*Request) {
	notifyType := NotifyRelinquishToReader
	if m.kind() == KindWrite {
		notifyType = NotifyRelinquishToWriter
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.presenterTimeout())
	defer cancel()

	if err := a.notifyPresenters(ctx, q.path, Notification{Type: notifyType, Path: q.path}); err != nil {
		a.failMember(q, m, xpcerr.NewOperationDeniedError("filecoord: presenter denied access to %q: %v", q.path, err))
		return
	}

	grant := &Grant{Path: q.path}
	for _, req := range reqs {
		g := *grant
		g.Token = req.Token
		req.replyCh <- outcome{grant: &g}
	}
}

func (a *Arbiter) presenterTimeout() time.Duration {
	if a.PresenterTimeout <= 0 {
		return 30 * time.Second
	}
	return a.PresenterTimeout
}

// notifyPresenters fans a notification out to every presenter registered
// on path, its ancestors, and its descendants, failing on the first error
// response (spec.md §4.7 step 3: "on any Error -> fail the request").
func (a *Arbiter) notifyPresenters(ctx context.Context, path string, n Notification) error {
	a.mu.Lock()
	var targets []Presenter
	for p, ps := range a.presenters {
		if p == path || isAncestor(p, path) || isAncestor(path, p) {
			targets = append(targets, ps...)
		}
	}
	a.mu.Unlock()

	for _, p := range targets {
		start := time.Now()
		result, err := p.Notify(ctx, n)
		metrics.ObserveMillis(metrics.FCPresenterRoundTrip, time.Since(start))
		if err != nil {
			return err
		}
		if result == ResultError {
			return fmt.Errorf("presenter returned error for %s", n.Type)
		}
	}
	return nil
}

func (n NotificationType) String() string {
	names := [...]string{
		"relinquish-to-reader", "relinquish-to-writer", "reacquire-access",
		"save", "prepare-for-deletion", "did-move", "did-change",
		"did-gain-version", "did-lose-version",
		"did-resolve-version-conflict", "did-change-ubiquity",
		"new-child-did-appear",
	}
	if int(n) < 0 || int(n) >= len(names) {
		return "unknown"
	}
	return names[n]
}

func (a *Arbiter) failMember(q *pathQueue, m *queueMember, err error) {
	a.mu.Lock()
	for _, req := range m.requests {
		req.setState(StateFailed)
		delete(a.tokens, req.Token)
	}
	a.popMemberLocked(q, m)
	a.mu.Unlock()

	for _, req := range m.requests {
		req.replyCh <- outcome{err: err}
	}

	a.admitFollowing(q)
}

// Complete implements spec.md §4.7 step 5 for one request: it marks the
// request complete and, once every request of its member is complete or
// failed, pops the member, sends the presenters a reacquire notification
// and admits whatever can follow. It sends no did-move or did-change
// notifications.
func (a *Arbiter) Complete(token string) error {
	a.mu.Lock()
	req, ok := a.tokens[token]
	if !ok {
		a.mu.Unlock()
		return xpcerr.NewOperationDeniedError("filecoord: unknown cancellation token %q", token)
	}
	q := req.queue
	m := req.member
	delete(a.tokens, token)
	req.setState(StateComplete)
	allDone := a.popMemberIfExhaustedLocked(q, m)
	a.mu.Unlock()

	if allDone {
		ctx, cancel := context.WithTimeout(context.Background(), a.presenterTimeout())
		defer cancel()
		_ = a.notifyPresenters(ctx, q.path, Notification{Type: NotifyReacquire, Path: q.path})
		a.admitFollowing(q)
	}
	return nil
}

// Cancel implements spec.md §4.7's cancellation rule: before the request's
// member is ongoing, it is removed silently; afterward, cancellation is a
// best-effort abort that still triggers presenter completion notifications
// (i.e. behaves like Complete).
func (a *Arbiter) Cancel(token string) error {
	a.mu.Lock()
	req, ok := a.tokens[token]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	if req.State() == StateOngoing {
		a.mu.Unlock()
		return a.Complete(token)
	}

	q := req.queue
	m := req.member
	delete(a.tokens, token)
	req.setState(StateFailed)

	for i, r := range m.requests {
		if r == req {
			m.requests = append(m.requests[:i], m.requests[i+1:]...)
			break
		}
	}
	if len(m.requests) == 0 {
		a.popMemberLocked(q, m)
	}
	a.mu.Unlock()

	req.replyCh <- outcome{err: xpcerr.NewCancelledError("filecoord: request for %q cancelled before admission", req.Intent.Path)}
	return nil
}

// DidMove implements SPEC_FULL.md §4's rename-tracking supplement: future
// requests against oldPath resolve to newPath, and any presenters
// registered on oldPath are notified of the move.
func (a *Arbiter) DidMove(oldPath, newPath string) {
	oldPath, newPath = clean(oldPath), clean(newPath)
	a.mu.Lock()
	a.renames[oldPath] = newPath
	ps := a.presenters[oldPath]
	a.mu.Unlock()

	if len(ps) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.presenterTimeout())
	defer cancel()
	for _, p := range ps {
		_, _ = p.Notify(ctx, Notification{Type: NotifyDidMove, Path: oldPath, NewPath: newPath})
	}
}

func (a *Arbiter) popMemberIfExhaustedLocked(q *pathQueue, m *queueMember) bool {
	for _, r := range m.requests {
		if r.State() != StateComplete && r.State() != StateFailed {
			return false
		}
	}
	a.popMemberLocked(q, m)
	return true
}

func (a *Arbiter) popMemberLocked(q *pathQueue, m *queueMember) {
	for i, cand := range q.members {
		if cand == m {
			q.members = append(q.members[:i], q.members[i+1:]...)
			break
		}
	}
	metrics.SetGauge(metrics.FCQueueDepthPrefix+q.path, int64(len(q.members)))
	if len(q.members) == 0 {
		delete(a.queues, q.path)
	}
}

// admitFollowing retries admission across every queue once one queue's
// state changes, since an ancestor/descendant relationship means freeing
// up one path can unblock another.
func (a *Arbiter) admitFollowing(changed *pathQueue) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for pass := 0; pass < len(a.queues)+1; pass++ {
		progressed := false
		for _, q := range a.queues {
			if len(q.members) > 0 && !q.members[0].ongoing {
				before := q.members[0].ongoing
				a.tryAdmitLocked(q)
				if q.members[0].ongoing != before {
					progressed = true
				}
			}
		}
		if !progressed {
			return
		}
	}
	_ = changed
	log.Debug("filecoord: admission loop reached its pass bound")
}
