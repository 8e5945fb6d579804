// Package broadcast implements a fan-out transport.Transport: one publisher
// side and any number of subscriber sides sharing a single logical stream of
// frames, adapted from the teacher's runtime/mcp channelBroadcaster (an
// in-memory, buffered-channel broadcaster used there to fan server-initiated
// MCP notifications out to subscribers).
package broadcast

import (
	"context"
	"sync"

	"goa.design/eventa/transport"
)

// Broadcaster is the publisher side: every frame Publish sends reaches every
// currently-subscribed Subscription, in publish order per subscriber.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan transport.Frame]struct{}
	buf    int
	drop   bool
	closed bool
	fatal  chan error
}

// New constructs a Broadcaster backed by per-subscriber buffered channels.
// When drop is true, Publish never blocks: a subscriber whose buffer is full
// misses the frame. When drop is false, Publish blocks until every
// subscriber has room, applying back-pressure to the publisher.
func New(buf int, drop bool) *Broadcaster {
	return &Broadcaster{
		subs:  make(map[chan transport.Frame]struct{}),
		buf:   buf,
		drop:  drop,
		fatal: make(chan error),
	}
}

// Subscribe registers a new Transport that observes every frame Publish
// sends from this point on. The returned Subscription must be closed by the
// caller once done with it.
func (b *Broadcaster) Subscribe(ctx context.Context) *Subscription {
	ch := make(chan transport.Frame, b.buf)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return &Subscription{ch: ch, parent: b}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	sub := &Subscription{ch: ch, parent: b}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub
}

// Publish fans frame out to every live subscription.
func (b *Broadcaster) Publish(_ context.Context, frame transport.Frame) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for ch := range b.subs {
		if b.drop {
			select {
			case ch <- frame:
			default:
			}
			continue
		}
		ch <- frame
	}
	return nil
}

// Inbound is unused on the publisher side — a Broadcaster only ever sends.
// Attach a Subscription, not the Broadcaster itself, on the receiving side.
func (b *Broadcaster) Inbound() <-chan transport.Frame { return nil }

// Fatal never fires; closing a Broadcaster is a normal shutdown, not a
// transport failure.
func (b *Broadcaster) Fatal() <-chan error { return b.fatal }

// Close shuts the Broadcaster down: every live subscription's channel is
// closed and future Subscribe calls return an already-closed Subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}

// Subscription is the receiving-side transport.Transport: Inbound delivers
// frames the Broadcaster published after Subscribe was called. Publish is a
// no-op, since a subscriber never talks back through a fan-out broadcast.
type Subscription struct {
	ch     chan transport.Frame
	parent *Broadcaster
	fatal  chan error

	closeOnce sync.Once
}

func (s *Subscription) Publish(context.Context, transport.Frame) error { return nil }

func (s *Subscription) Inbound() <-chan transport.Frame { return s.ch }

func (s *Subscription) Fatal() <-chan error { return s.fatal }

// Close unregisters the subscription from its parent Broadcaster. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.parent.mu.Lock()
		if _, ok := s.parent.subs[s.ch]; ok {
			close(s.ch)
			delete(s.parent.subs, s.ch)
		}
		s.parent.mu.Unlock()
	})
}
