package invoke

import (
	"context"
	"sync"
)

// cancelRegistry is the per-family, per-invocation cooperative cancellation
// state described in spec.md §3 ("Per-invocation server state (streaming
// output)") and §4.6: a token (here, a context.CancelCauseFunc) populated
// before the producer runs, plus a deferred-abort reason slot for aborts
// that arrive before the token exists.
type cancelRegistry struct {
	mu       sync.Mutex
	tokens   map[string]context.CancelCauseFunc
	deferred map[string]error
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{
		tokens:   make(map[string]context.CancelCauseFunc),
		deferred: make(map[string]error),
	}
}

func (r *cancelRegistry) set(id string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[id] = cancel
}

func (r *cancelRegistry) take(id string) (context.CancelCauseFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.tokens[id]
	if ok {
		delete(r.tokens, id)
	}
	return c, ok
}

func (r *cancelRegistry) clear(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, id)
	delete(r.deferred, id)
}

// setAndTakeDeferred records cancel as id's live token and, in the same
// critical section, drains any deferred abort reason already stashed for
// id. Folding both steps into one lock closes the race where a concurrent
// send-abort could observe "no token yet" and stash a reason after a
// two-step set-then-check had already decided none was waiting.
func (r *cancelRegistry) setAndTakeDeferred(id string, cancel context.CancelCauseFunc) (error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[id] = cancel
	reason, ok := r.deferred[id]
	if ok {
		delete(r.deferred, id)
	}
	return reason, ok
}

// takeOrDefer atomically takes the live token for id if one is already
// registered; otherwise it stashes reason as the deferred abort for id so a
// token registered afterward picks it up via setAndTakeDeferred. Symmetric
// with setAndTakeDeferred for the same reason.
func (r *cancelRegistry) takeOrDefer(id string, reason error) (context.CancelCauseFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.tokens[id]; ok {
		delete(r.tokens, id)
		return c, true
	}
	r.deferred[id] = reason
	return nil, false
}

// pendingTable is the unary client's per-family table mapping invokeId to
// the reject function of its still-outstanding call (spec.md §3). It backs
// the fatal-event rejection described in spec.md §4.6: OnFatal rejects
// every entry still present when a fatal source fires.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]func(error)
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]func(error))}
}

func (t *pendingTable) set(id string, reject func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[id] = reject
}

func (t *pendingTable) delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, id)
}

func (t *pendingTable) rejectAll(err error) {
	t.mu.Lock()
	rejects := make([]func(error), 0, len(t.m))
	for id, r := range t.m {
		rejects = append(rejects, r)
		delete(t.m, id)
	}
	t.mu.Unlock()
	for _, r := range rejects {
		r(err)
	}
}
