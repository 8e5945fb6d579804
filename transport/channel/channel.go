// Package channel implements the in-process "message port" adapter named in
// spec.md §4.8 step 2: a pair of linked transport.Transport values that
// deliver frames to each other over buffered Go channels, the simplest
// possible carrier and the one every other adapter's tests compare against.
package channel

import (
	"context"

	"goa.design/eventa/transport"
)

// Port is one end of a linked pair. Publish on one Port delivers to the
// other's Inbound; it never fails fatally, since there is no real carrier
// underneath to go bad.
type Port struct {
	out    chan<- transport.Frame
	in     chan transport.Frame
	fatal  chan error
	closed chan struct{}
}

// New builds a connected pair of Ports, A and B: publishing on A arrives on
// B's Inbound channel and vice versa. buf sets each direction's channel
// buffer size.
func New(buf int) (a, b *Port) {
	ab := make(chan transport.Frame, buf)
	ba := make(chan transport.Frame, buf)
	a = &Port{out: ab, in: ba, fatal: make(chan error), closed: make(chan struct{})}
	b = &Port{out: ba, in: ab, fatal: make(chan error), closed: make(chan struct{})}
	return a, b
}

// Publish delivers frame to the peer Port's Inbound channel, respecting ctx
// cancellation if the peer's buffer is full.
func (p *Port) Publish(ctx context.Context, frame transport.Frame) error {
	select {
	case <-p.closed:
		return errClosed
	default:
	}
	select {
	case p.out <- frame:
		return nil
	case <-p.closed:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound returns the channel frames published by the peer arrive on.
func (p *Port) Inbound() <-chan transport.Frame { return p.in }

// Fatal never fires for an in-process port pair; Close is the only way a
// Port's lifetime ends, and it does not count as a fatal transport error.
func (p *Port) Fatal() <-chan error { return p.fatal }

// Close marks the Port closed; subsequent Publish calls fail with errClosed.
// It does not close the shared channel, since the peer Port still owns the
// read side of it.
func (p *Port) Close() {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
}

type closedError struct{}

func (closedError) Error() string { return "eventa/transport/channel: port closed" }

var errClosed error = closedError{}
