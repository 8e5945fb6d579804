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

// unaryResult is the single slot a pending client call settles into.
type unaryResult[Res any] struct {
	res Res
	err error
}

// UnaryClient is the client side of a unary invoke family (spec.md §4.3):
// exactly one request yields exactly one reply, though the request itself
// may be a single value (Call) or a client-streamed sequence of chunks
// (CallStream) — the two request modes spec.md §1 calls out for the unary
// response combinations. Concurrent calls on the same client are isolated
// purely by a fresh correlation id per call; a UnaryClient is safe for
// concurrent use.
type UnaryClient[Req, Res any] struct {
	ctx     *bus.Context
	family  Family[Req, Res]
	gen     shortid.Generator
	pending *pendingTable

	fatalOnce sync.Once
}

// DefineInvoke builds the client side of a unary invoke family (spec.md §6
// defineInvoke).
func DefineInvoke[Req, Res any](ctx *bus.Context, f Family[Req, Res]) *UnaryClient[Req, Res] {
	return &UnaryClient[Req, Res]{ctx: ctx, family: f, gen: shortid.New, pending: newPendingTable()}
}

// Call emits a single request and resolves with the first reply matching its
// correlation id, or rejects with the peer's handler error, an Aborted error
// on cancellation, or a fatal transport error (spec.md §4.3, §4.6).
func (c *UnaryClient[Req, Res]) Call(pctx context.Context, req Req, opts ...CallOption) (Res, error) {
	return c.invoke(pctx, singleSeq(req), false, opts)
}

// CallStream drives req chunk by chunk as a client-streaming request
// (spec.md §4.3: "if req is a lazy sequence, consume it and emit each chunk
// ... then emit send-stream-end on normal end or send-error on producer
// failure") and resolves with the single reply the server emits once it has
// finished consuming the sequence.
func (c *UnaryClient[Req, Res]) CallStream(pctx context.Context, req iter.Seq2[Req, error], opts ...CallOption) (Res, error) {
	return c.invoke(pctx, req, true, opts)
}

// singleSeq adapts a plain value to the one-chunk-then-end sequence shape a
// non-streaming Call emits, so the request pump below has exactly one code
// path for both request modes.
func singleSeq[Req any](v Req) iter.Seq2[Req, error] {
	return func(yield func(Req, error) bool) { yield(v, nil) }
}

func (c *UnaryClient[Req, Res]) invoke(pctx context.Context, stream iter.Seq2[Req, error], isStream bool, opts []CallOption) (Res, error) {
	cfg := resolveConfig(opts)
	id := c.gen()

	resultCh := make(chan unaryResult[Res], 1)
	var settleOnce sync.Once
	settle := func(res Res, err error) {
		settleOnce.Do(func() { resultCh <- unaryResult[Res]{res: res, err: err} })
	}

	var unsubRecv, unsubErr bus.Unsubscribe
	teardown := func() {
		if unsubRecv != nil {
			unsubRecv()
		}
		if unsubErr != nil {
			unsubErr()
		}
		c.pending.delete(id)
	}

	unsubRecv = bus.On(c.ctx, c.family.Receive, func(env event.Envelope[recvBody[Res]], _ bus.Options) {
		if env.Body.InvokeID != id {
			return
		}
		teardown()
		settle(env.Body.Content, nil)
	})
	unsubErr = bus.On(c.ctx, c.family.ReceiveError, func(env event.Envelope[recvErrorBody], _ bus.Options) {
		if env.Body.InvokeID != id {
			return
		}
		teardown()
		var zero Res
		settle(zero, &HandlerError{Cause: env.Body.Error})
	})
	c.pending.set(id, func(err error) {
		teardown()
		var zero Res
		settle(zero, err)
	})
	c.wireFatalOnce()

	if pctx != nil && pctx.Err() != nil {
		teardown()
		bus.Emit(c.ctx, c.family.SendAbort, sendAbortBody{InvokeID: id, Reason: pctx.Err()}, cfg.opts)
		var zero Res
		return zero, &AbortedError{Reason: pctx.Err()}
	}

	aborted := make(chan struct{})
	var abortOnce sync.Once
	doAbort := func(reason error) {
		abortOnce.Do(func() {
			teardown()
			bus.Emit(c.ctx, c.family.SendAbort, sendAbortBody{InvokeID: id, Reason: reason}, cfg.opts)
			var zero Res
			settle(zero, &AbortedError{Reason: reason})
			close(aborted)
		})
	}

	if pctx != nil {
		done := pctx.Done()
		if done != nil {
			go func() {
				select {
				case <-done:
					doAbort(pctx.Err())
				case <-aborted:
				}
			}()
		}
	}

	go pumpRequest(c.ctx, c.family, id, stream, isStream, aborted, cfg.opts)

	r := <-resultCh
	return r.res, r.err
}

// pumpRequest consumes req — a single value wrapped by singleSeq for Call,
// or a caller-provided client-streaming sequence for CallStream — and emits
// Send chunks (spec.md §4.3). A plain Call emits exactly one Send with
// IsReqStream absent and no terminator; CallStream emits every chunk with
// IsReqStream set followed by SendStreamEnd on a normal end, or SendError on
// producer failure. It stops emitting further chunks, and skips the
// terminator, once aborted is closed — spec.md §4.6: "the request-pump must
// observe the signal and stop emitting further chunks once tripped, and
// must not emit send-error when the abort path is responsible for
// termination."
func pumpRequest[Req, Res any](ctx *bus.Context, f Family[Req, Res], id string, stream iter.Seq2[Req, error], isStream bool, aborted <-chan struct{}, opts bus.Options) {
	for v, err := range stream {
		select {
		case <-aborted:
			return
		default:
		}
		if err != nil {
			if isStream {
				bus.Emit(ctx, f.SendError, sendErrorBody{InvokeID: id, Error: err}, opts)
			}
			return
		}
		bus.Emit(ctx, f.Send, sendBody[Req]{InvokeID: id, Content: v, IsReqStream: isStream}, opts)
	}
	if !isStream {
		return
	}
	select {
	case <-aborted:
	default:
		bus.Emit(ctx, f.SendStreamEnd, sendStreamEndBody{InvokeID: id}, opts)
	}
}

func (c *UnaryClient[Req, Res]) wireFatalOnce() {
	c.fatalOnce.Do(func() {
		c.ctx.OnFatal(func(err error) {
			c.pending.rejectAll(&FatalError{Cause: err})
		})
	})
}

// UnaryHandler is the server-side handler shape for a unary invoke family.
// req is always a pull-based sequence: a plain Call arrives as a single
// already-closed chunk (spec.md §4.4 step 1), a CallStream request as the
// chunks pushed between Send and SendStreamEnd (step 2-3). Handlers that
// only care about a single value should build on Single, below, rather than
// ranging over req themselves.
type UnaryHandler[Req, Res any] func(ctx context.Context, req iter.Seq2[Req, error], opts HandlerOptions) (Res, bus.Options, error)

// Single adapts a handler that only ever expects one request value (the
// common case: spec.md scenarios 1 and 2) into a UnaryHandler. It reads
// exactly the first chunk off req; if that chunk is the carried error of an
// aborted/errored input stream, it returns that error without invoking fn.
func Single[Req, Res any](fn func(ctx context.Context, req Req, opts HandlerOptions) (Res, bus.Options, error)) UnaryHandler[Req, Res] {
	return func(ctx context.Context, req iter.Seq2[Req, error], opts HandlerOptions) (Res, bus.Options, error) {
		var zero Res
		for v, err := range req {
			if err != nil {
				return zero, bus.Options{}, err
			}
			return fn(ctx, v, opts)
		}
		return zero, bus.Options{}, &AbortedError{}
	}
}

// DefineInvokeHandler registers handler as the server side of family f
// (spec.md §6 defineInvokeHandler). Registering the same handler value
// twice against the same family is a no-op, matching the bus's listener
// dedupe rule (spec.md §4.4 "Registration rules").
func DefineInvokeHandler[Req, Res any](ctx *bus.Context, f Family[Req, Res], handler UnaryHandler[Req, Res]) Disposer {
	key := bus.FuncKey(handler)
	inputs := newInputRegistry[Req]()

	unsubSend := bus.OnKeyed(ctx, f.Send, key, func(env event.Envelope[sendBody[Req]], opts bus.Options) {
		id := env.Body.InvokeID
		ctrl, created := inputs.getOrCreate(id)
		ctrl.push(env.Body.Content)
		if !env.Body.IsReqStream {
			ctrl.closeNormal()
		}
		if created {
			go runUnaryHandler(ctx, f, handler, id, ctrl, opts)
		}
	})

	unsubEnd := bus.OnKeyed(ctx, f.SendStreamEnd, key, func(env event.Envelope[sendStreamEndBody], opts bus.Options) {
		id := env.Body.InvokeID
		if ctrl, existed := inputs.take(id); existed {
			ctrl.closeNormal()
			return
		}
		// No chunks observed yet (spec.md §4.4 step 3): synthesize an empty
		// controller, hand it to the handler, then close it immediately so
		// the handler sees "empty then end" rather than nothing at all.
		c := newInputController[Req]()
		c.closeNormal()
		go runUnaryHandler(ctx, f, handler, id, c, opts)
	})

	unsubAbort := wireServerAbort(ctx, f, inputs, nil, func(id string, ctrl *inputController[Req]) {
		go runUnaryHandler(ctx, f, handler, id, ctrl, bus.Options{})
	})

	return func() {
		unsubSend()
		unsubEnd()
		unsubAbort()
	}
}

// UndefineInvokeHandler removes one handler's listeners, or every handler's
// listeners when handler is nil (spec.md §4.4).
func UndefineInvokeHandler[Req, Res any](ctx *bus.Context, f Family[Req, Res], handler UnaryHandler[Req, Res]) {
	if handler == nil {
		bus.Off(ctx, f.Send, nil)
		bus.Off(ctx, f.SendStreamEnd, nil)
		bus.Off(ctx, f.SendAbort, nil)
		return
	}
	key := bus.FuncKey(handler)
	bus.OffKeyed(ctx, f.Send, key)
	bus.OffKeyed(ctx, f.SendStreamEnd, key)
	bus.OffKeyed(ctx, f.SendAbort, key)
}

// runUnaryHandler executes handler inside an OpenTelemetry span named after
// the family tag, with invokeId as a span attribute, and records an
// invocation counter and duration histogram through the Context's Metrics
// (SPEC_FULL.md §1 "Tracing & metrics"), mirroring
// runtime/agent/telemetry.ClueTracer/ClueMetrics in the teacher.
func runUnaryHandler[Req, Res any](ctx *bus.Context, f Family[Req, Res], handler UnaryHandler[Req, Res], id string, ctrl *inputController[Req], opts bus.Options) {
	start := time.Now()
	spanCtx, span := ctx.Tracer().Start(context.Background(), f.Tag, trace.WithAttributes(attribute.String("invokeId", id)))
	res, extra, err := handler(spanCtx, ctrl.Seq(), HandlerOptions{Raw: opts})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	ctx.Metrics().IncCounter("eventa.invoke.count", 1, "family", f.Tag)
	ctx.Metrics().RecordTimer("eventa.invoke.duration", time.Since(start), "family", f.Tag)
	if err != nil {
		bus.Emit(ctx, f.ReceiveError, recvErrorBody{InvokeID: id, Error: err})
		return
	}
	bus.Emit(ctx, f.Receive, recvBody[Res]{InvokeID: id, Content: res, Extra: extra}, extra)
}
