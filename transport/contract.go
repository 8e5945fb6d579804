// Package transport implements the adapter contract of spec.md §4.8: a
// narrow interface any wire carrier (an in-process channel pair, a
// WebSocket, a parent/child pipe, a Redis pub/sub topic) implements, plus
// the generic Attach glue that wires one onto a bus.Context. Concrete
// adapters live in transport/channel, transport/broadcast, transport/ws,
// transport/ipc and transport/redisbus; each implements only Transport and
// frame (de)serialization, reusing Attach for everything else.
package transport

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"goa.design/eventa/bus"
	"goa.design/eventa/event"
	"goa.design/eventa/internal/shortid"
	"goa.design/eventa/internal/telemetry"
)

// Frame is the wire-shaped rendering of one bus event: a transport adapter
// never sees the typed event.Envelope, only this JSON-friendly form.
type Frame struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Descriptor string          `json:"descriptor"`
	Body       json.RawMessage `json:"body"`
}

// Transport is the contract a concrete adapter implements (spec.md §4.8).
// Publish sends one outbound frame; Inbound delivers frames the adapter
// received from its peer; Fatal reports carrier-level failures (a closed
// socket, a broken pipe) that should reject every pending invoke call on the
// attached Context. A transport that never fails fatally can return a nil
// channel from Fatal — a nil channel blocks forever in a select, which is
// exactly "never fires".
type Transport interface {
	Publish(ctx context.Context, frame Frame) error
	Inbound() <-chan Frame
	Fatal() <-chan error
}

// Detach stops forwarding events between the bus and the transport. It does
// not close the underlying Transport; callers that own the Transport's
// lifecycle close it themselves after Detach returns.
type Detach func()

type attachConfig struct {
	logger   telemetry.Logger
	outbound func(id string) bool
}

// AttachOption configures one Attach call.
type AttachOption func(*attachConfig)

// WithLogger overrides the logger Attach uses for marshal/publish failures.
// Defaults to the Context's own logger.
func WithLogger(l telemetry.Logger) AttachOption {
	return func(c *attachConfig) { c.logger = l }
}

// WithOutboundFilter restricts which descriptor ids Attach forwards onto the
// transport; by default every event on the bus is a candidate for
// forwarding. Adapters that only want to carry, say, invoke-family traffic
// pass a filter built from the family's descriptor ids.
func WithOutboundFilter(fn func(id string) bool) AttachOption {
	return func(c *attachConfig) { c.outbound = fn }
}

// Attach wires t onto ctx in both directions: every matching bus event is
// marshaled to a Frame and published through t, and every Frame t delivers
// is unmarshaled and re-emitted on the bus under its carried descriptor id.
// A frame Attach just delivered inbound is never turned around and
// published back out, which is what keeps two Attach calls on either end of
// the same transport from echoing a message back and forth forever.
//
// A body round-tripped through json.Marshal/json.Unmarshal comes back as
// the generic map[string]any/[]any/primitive shape JSON decodes to, not the
// original Go struct type — so a typed bus.On[T] listener's body.(T)
// assertion misses (and yields T's zero value) for invoke traffic carried
// over one of these JSON adapters. Only listeners that take the decoded
// shape itself (OnMatch, or On with T = any) see the body's content; invoke
// bodies, the remote package's included, are structs and do not survive,
// and bus.Options are not carried in a Frame at all. Serialization format is an adapter concern
// per spec.md §1; a transport wanting typed invoke traffic to survive needs
// its own (de)serialization step between Frame.Body and T, which this
// package does not attempt.
func Attach(ctx *bus.Context, t Transport, opts ...AttachOption) Detach {
	cfg := attachConfig{logger: ctx.Logger()}
	for _, o := range opts {
		o(&cfg)
	}

	var suppress int32
	fatalDesc := event.Define[error]("")
	unsubFatal := bus.RegisterFatal(ctx, fatalDesc, func(err error) error { return err })

	unsubOut := bus.OnMatch(ctx, event.MatchAny(), func(meta event.Meta, body any, _ bus.Options) {
		if atomic.LoadInt32(&suppress) != 0 {
			return
		}
		if cfg.outbound != nil && !cfg.outbound(meta.ID) {
			return
		}
		raw, err := json.Marshal(body)
		if err != nil {
			cfg.logger.Error(context.Background(), "eventa/transport: marshal outbound frame failed", "id", meta.ID, "err", err)
			return
		}
		frame := Frame{ID: shortid.New(), Type: "event", Descriptor: meta.ID, Body: raw}
		if err := t.Publish(context.Background(), frame); err != nil {
			cfg.logger.Error(context.Background(), "eventa/transport: publish failed", "id", meta.ID, "err", err)
		}
	})

	done := make(chan struct{})
	go pump(ctx, t, &suppress, fatalDesc, cfg, done)

	return func() {
		unsubOut()
		unsubFatal()
		close(done)
	}
}

func pump(ctx *bus.Context, t Transport, suppress *int32, fatalDesc event.Descriptor[error], cfg attachConfig, done <-chan struct{}) {
	inbound := t.Inbound()
	fatal := t.Fatal()
	for {
		select {
		case <-done:
			return
		case frame, ok := <-inbound:
			if !ok {
				return
			}
			var body any
			if err := json.Unmarshal(frame.Body, &body); err != nil {
				cfg.logger.Error(context.Background(), "eventa/transport: unmarshal inbound frame failed", "id", frame.Descriptor, "err", err)
				continue
			}
			atomic.StoreInt32(suppress, 1)
			bus.EmitRaw(ctx, frame.Descriptor, body)
			atomic.StoreInt32(suppress, 0)
		case err, ok := <-fatal:
			if !ok {
				fatal = nil
				continue
			}
			bus.Emit(ctx, fatalDesc, err)
		}
	}
}
