package invoke

import (
	"iter"
	"sync"
)

// inputItem is one slot handed from the server-side Send listener to the
// goroutine running the user handler/producer over the resulting sequence.
type inputItem[Req any] struct {
	v   Req
	err error
}

// inputController is the per-invocation streaming-input state described in
// spec.md §3 ("Per-invocation server state (streaming input)"): it buffers
// chunks pushed by the bus-dispatch goroutine and exposes them to the
// handler goroutine as an iter.Seq2, the Go shape of a pull-based sequence.
//
// push/closeNormal/closeWithError all take the same mutex so a concurrent
// abort can never race a chunk push into a channel it just closed.
type inputController[Req any] struct {
	mu     sync.Mutex
	ch     chan inputItem[Req]
	closed bool
}

func newInputController[Req any]() *inputController[Req] {
	return &inputController[Req]{ch: make(chan inputItem[Req], 64)}
}

func (c *inputController[Req]) push(v Req) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.ch <- inputItem[Req]{v: v}
}

func (c *inputController[Req]) closeNormal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

func (c *inputController[Req]) closeWithError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ch <- inputItem[Req]{err: err}
	close(c.ch)
}

// Seq returns the pull-based sequence a handler consumes: chunks in arrival
// order, terminated cleanly by SendStreamEnd or abruptly by an error the
// request pump or an abort delivered.
func (c *inputController[Req]) Seq() iter.Seq2[Req, error] {
	return func(yield func(Req, error) bool) {
		for item := range c.ch {
			if !yield(item.v, item.err) || item.err != nil {
				return
			}
		}
	}
}

// inputRegistry is the per-family map from invokeId to its streaming-input
// controller (spec.md invariant: at most one per live invokeId).
type inputRegistry[Req any] struct {
	mu sync.Mutex
	m  map[string]*inputController[Req]
}

func newInputRegistry[Req any]() *inputRegistry[Req] {
	return &inputRegistry[Req]{m: make(map[string]*inputController[Req])}
}

// getOrCreate returns the controller for id, creating it (created=true) if
// none exists yet.
func (r *inputRegistry[Req]) getOrCreate(id string) (ctrl *inputController[Req], created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.m[id]; ok {
		return c, false
	}
	c := newInputController[Req]()
	r.m[id] = c
	return c, true
}

func (r *inputRegistry[Req]) take(id string) (*inputController[Req], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.m[id]
	if ok {
		delete(r.m, id)
	}
	return c, ok
}

func (r *inputRegistry[Req]) delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}
