package invoke

import (
	"context"
	"iter"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/eventa/bus"
	"goa.design/eventa/event"
	"goa.design/eventa/internal/shortid"
)

type streamItem[Res any] struct {
	v   Res
	err error
	end bool
}

// StreamClient is the client side of a streaming invoke family (spec.md
// §4.5): zero or more reply chunks followed by a terminator, exposed as a
// pull-based iter.Seq2. The request side, as with UnaryClient, may be a
// single value (Call) or a client-streamed sequence (CallStream).
type StreamClient[Req, Res any] struct {
	ctx    *bus.Context
	family Family[Req, Res]
	gen    shortid.Generator
}

// DefineStreamInvoke builds the client side of a streaming invoke family
// (spec.md §6 defineStreamInvoke).
func DefineStreamInvoke[Req, Res any](ctx *bus.Context, f Family[Req, Res]) *StreamClient[Req, Res] {
	return &StreamClient[Req, Res]{ctx: ctx, family: f, gen: shortid.New}
}

// Call emits a single request and returns a sequence yielding every reply
// chunk in arrival order, ending cleanly on the server's stream-end or
// raising the carried error (spec.md §4.5 "Client contract").
func (c *StreamClient[Req, Res]) Call(pctx context.Context, req Req, opts ...CallOption) iter.Seq2[Res, error] {
	return c.invoke(pctx, singleSeq(req), false, opts)
}

// CallStream drives req chunk by chunk as a client-streaming request (the
// bidirectional-streaming combination) and returns the server's reply
// sequence the same way Call does.
func (c *StreamClient[Req, Res]) CallStream(pctx context.Context, req iter.Seq2[Req, error], opts ...CallOption) iter.Seq2[Res, error] {
	return c.invoke(pctx, req, true, opts)
}

func (c *StreamClient[Req, Res]) invoke(pctx context.Context, req iter.Seq2[Req, error], isStream bool, opts []CallOption) iter.Seq2[Res, error] {
	cfg := resolveConfig(opts)
	id := c.gen()

	ch := make(chan streamItem[Res], 64)
	done := make(chan struct{})
	var doneOnce sync.Once

	var unsubRecv, unsubErr, unsubEnd, unsubFatal bus.Unsubscribe
	teardown := func() {
		if unsubRecv != nil {
			unsubRecv()
		}
		if unsubErr != nil {
			unsubErr()
		}
		if unsubEnd != nil {
			unsubEnd()
		}
		if unsubFatal != nil {
			unsubFatal()
		}
	}
	terminate := func(it streamItem[Res]) {
		doneOnce.Do(func() {
			teardown()
			ch <- it
			close(ch)
			close(done)
		})
	}

	unsubRecv = bus.On(c.ctx, c.family.Receive, func(env event.Envelope[recvBody[Res]], _ bus.Options) {
		if env.Body.InvokeID != id {
			return
		}
		select {
		case <-done:
		default:
			ch <- streamItem[Res]{v: env.Body.Content}
		}
	})
	unsubErr = bus.On(c.ctx, c.family.ReceiveError, func(env event.Envelope[recvErrorBody], _ bus.Options) {
		if env.Body.InvokeID != id {
			return
		}
		terminate(streamItem[Res]{err: &HandlerError{Cause: env.Body.Error}})
	})
	unsubEnd = bus.On(c.ctx, c.family.ReceiveStreamEnd, func(env event.Envelope[recvStreamEndBody], _ bus.Options) {
		if env.Body.InvokeID != id {
			return
		}
		terminate(streamItem[Res]{end: true})
	})
	unsubFatal = c.ctx.OnFatal(func(err error) {
		terminate(streamItem[Res]{err: &FatalError{Cause: err}})
	})

	abort := func(reason error) {
		doneOnce.Do(func() {
			teardown()
			bus.Emit(c.ctx, c.family.SendAbort, sendAbortBody{InvokeID: id, Reason: reason}, cfg.opts)
			ch <- streamItem[Res]{err: &AbortedError{Reason: reason}}
			close(ch)
			close(done)
		})
	}

	if pctx != nil && pctx.Err() != nil {
		abort(pctx.Err())
	} else if pctx != nil && pctx.Done() != nil {
		go func() {
			select {
			case <-pctx.Done():
				abort(pctx.Err())
			case <-done:
			}
		}()
	}

	go pumpRequest(c.ctx, c.family, id, req, isStream, done, cfg.opts)

	return func(yield func(Res, error) bool) {
		for item := range ch {
			if item.end {
				return
			}
			if item.err != nil {
				yield(zeroOf[Res](), item.err)
				return
			}
			if !yield(item.v, nil) {
				abort(&AbortedError{})
				return
			}
		}
	}
}

func zeroOf[T any]() T {
	var z T
	return z
}

// StreamProducer is the server-side producer shape for a streaming invoke
// family. Like UnaryHandler, req is always a pull-based sequence so the
// same producer handles a plain Call and a client-streamed CallStream
// request uniformly. ctx carries the cooperative cancellation token
// described in spec.md §4.5/§4.6: it is done, with Cause reporting the
// abort reason, once the client cancels or sends send-abort. The producer's
// returned sequence yields (value, nil) for each reply chunk; a final
// (zero, err) pair ends the call with receive-error instead of
// receive-stream-end.
type StreamProducer[Req, Res any] func(ctx context.Context, req iter.Seq2[Req, error], opts HandlerOptions) iter.Seq2[Res, error]

// DefineStreamInvokeHandler registers producer as the server side of
// streaming family f (spec.md §6 defineStreamInvokeHandler).
func DefineStreamInvokeHandler[Req, Res any](ctx *bus.Context, f Family[Req, Res], producer StreamProducer[Req, Res]) Disposer {
	key := bus.FuncKey(producer)
	inputs := newInputRegistry[Req]()
	cancels := newCancelRegistry()

	unsubSend := bus.OnKeyed(ctx, f.Send, key, func(env event.Envelope[sendBody[Req]], opts bus.Options) {
		id := env.Body.InvokeID
		ctrl, created := inputs.getOrCreate(id)
		ctrl.push(env.Body.Content)
		if !env.Body.IsReqStream {
			ctrl.closeNormal()
		}
		if created {
			go runProducer(ctx, f, producer, id, ctrl, cancels, opts)
		}
	})

	unsubEnd := bus.OnKeyed(ctx, f.SendStreamEnd, key, func(env event.Envelope[sendStreamEndBody], opts bus.Options) {
		id := env.Body.InvokeID
		if ctrl, existed := inputs.take(id); existed {
			ctrl.closeNormal()
			return
		}
		c := newInputController[Req]()
		c.closeNormal()
		go runProducer(ctx, f, producer, id, c, cancels, opts)
	})

	unsubAbort := wireServerAbort(ctx, f, inputs, cancels, func(id string, ctrl *inputController[Req]) {
		go runProducer(ctx, f, producer, id, ctrl, cancels, bus.Options{})
	})

	return func() {
		unsubSend()
		unsubEnd()
		unsubAbort()
	}
}

// UndefineStreamInvokeHandler removes one producer's listeners, or every
// producer's listeners when producer is nil.
func UndefineStreamInvokeHandler[Req, Res any](ctx *bus.Context, f Family[Req, Res], producer StreamProducer[Req, Res]) {
	if producer == nil {
		bus.Off(ctx, f.Send, nil)
		bus.Off(ctx, f.SendStreamEnd, nil)
		bus.Off(ctx, f.SendAbort, nil)
		return
	}
	key := bus.FuncKey(producer)
	bus.OffKeyed(ctx, f.Send, key)
	bus.OffKeyed(ctx, f.SendStreamEnd, key)
	bus.OffKeyed(ctx, f.SendAbort, key)
}

// runProducer drives producer inside an OpenTelemetry span named after the
// family tag, with invokeId as a span attribute, and records an invocation
// counter and duration histogram through the Context's Metrics once the
// stream ends or errors (SPEC_FULL.md §1 "Tracing & metrics"), the streaming
// counterpart of runUnaryHandler's instrumentation.
func runProducer[Req, Res any](ctx *bus.Context, f Family[Req, Res], producer StreamProducer[Req, Res], id string, ctrl *inputController[Req], cancels *cancelRegistry, opts bus.Options) {
	cctx, cancel := context.WithCancelCause(context.Background())
	defer cancels.clear(id)

	if reason, had := cancels.setAndTakeDeferred(id, cancel); had {
		// spec.md §5 "deferred-abort scheduling": trip on the next turn so a
		// producer that installs a ctx.Done() watcher synchronously at start
		// still sees the watcher in place before the trip.
		go cancel(reason)
	}

	start := time.Now()
	spanCtx, span := ctx.Tracer().Start(cctx, f.Tag, trace.WithAttributes(attribute.String("invokeId", id)))
	defer span.End()

	recordInvocation := func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		ctx.Metrics().IncCounter("eventa.invoke.count", 1, "family", f.Tag)
		ctx.Metrics().RecordTimer("eventa.invoke.duration", time.Since(start), "family", f.Tag)
	}

	seq := producer(spanCtx, ctrl.Seq(), HandlerOptions{Raw: opts})
	for v, err := range seq {
		if err != nil {
			recordInvocation(err)
			bus.Emit(ctx, f.ReceiveError, recvErrorBody{InvokeID: id, Error: err})
			return
		}
		bus.Emit(ctx, f.Receive, recvBody[Res]{InvokeID: id, Content: v})
	}
	recordInvocation(nil)
	bus.Emit(ctx, f.ReceiveStreamEnd, recvStreamEndBody{InvokeID: id})
}
