package remote

import (
	"context"
	"sync"
	"time"

	"goa.design/eventa/bus"
	"goa.design/eventa/invoke"
)

// Methods is a remote-methods-capable unary invoke family bound to a bus
// Context, configured once with a set of defaults every Call inherits
// (spec.md §4.7 "remote-methods wrapper"). Req/Res are left as []any/any
// because a remote-methods payload is always the dynamic tree Serialize and
// Deserialize walk; callers who want a typed request/response pair wrap
// Methods rather than replacing it.
type Methods struct {
	ctx    *bus.Context
	cfg    Config
	client *invoke.UnaryClient[[]any, any]
	family invoke.Family[[]any, any]
}

// New builds a Methods wrapper around a freshly defined invoke family tagged
// tag, applying defaults to every Call/CallAsync unless overridden per call.
func New(ctx *bus.Context, tag string, defaults ...Option) *Methods {
	cfg := resolve(defaultConfig(), defaults)
	family := invoke.DefineFamily[[]any, any](tag)
	return &Methods{
		ctx:    ctx,
		cfg:    cfg,
		client: invoke.DefineInvoke(ctx, family),
		family: family,
	}
}

// DefineInvokeHandler registers fn as the server side of m's family. Every
// incoming request is deserialized (rehydrating stubs back into callable
// remote.Func values) before fn sees it, and fn's result is serialized
// (turning any remote.Func it returns into a stub) before it goes back on
// the wire. The returned dispose tears down the registration itself; it
// does not affect the stub handlers installed for fn's result, which are
// disposed only by the AutoDisposeMs timer when one is configured and
// otherwise stay registered.
func (m *Methods) DefineInvokeHandler(fn func(ctx context.Context, args []any) (any, error), opts ...Option) invoke.Disposer {
	cfg := resolve(m.cfg, opts)
	return invoke.DefineInvokeHandler(m.ctx, m.family, invoke.Single(
		func(ctx context.Context, args []any, hopts invoke.HandlerOptions) (any, bus.Options, error) {
			rehydrated, err := deserializeWith(m.ctx, any(args), cfg)
			if err != nil {
				return nil, bus.Options{}, err
			}
			res, err := fn(ctx, rehydrated.([]any))
			if err != nil {
				return nil, bus.Options{}, err
			}
			out, dispose, err := serializeWith(m.ctx, res, cfg)
			if err != nil {
				return nil, bus.Options{}, err
			}
			if cfg.AutoDisposeMs > 0 {
				time.AfterFunc(time.Duration(cfg.AutoDisposeMs)*time.Millisecond, dispose)
			}
			return out, hopts.Raw, nil
		},
	))
}

// Call is a live remote-methods invocation: the handle a caller uses to wait
// for its result and to guarantee the stub handlers Serialize installed for
// this call's request are torn down exactly once.
type Call struct {
	resultCh chan callResult
	dispose  func()
	once     sync.Once
	timer    *time.Timer
}

type callResult struct {
	res any
	err error
}

// CallAsync serializes args (rewriting any remote.Func it contains into
// stubs), issues the request, and returns immediately with a Call handle;
// use Wait to block for the result. The stub handlers Serialize registered
// for this call are disposed as soon as the call settles (fulfilled or
// rejected), when Dispose is called explicitly, or — if AutoDisposeMs is
// configured — after that many milliseconds, whichever comes first: a
// fire-and-forget caller that never calls Wait or Dispose still has its
// stub handlers torn down once the peer responds, per spec.md §4.7's
// "dispose runs exactly once on any terminal outcome" lifecycle.
func (m *Methods) CallAsync(pctx context.Context, args []any, opts ...Option) (*Call, error) {
	cfg := resolve(m.cfg, opts)
	wire, dispose, err := serializeWith(m.ctx, any(args), cfg)
	if err != nil {
		return nil, err
	}

	c := &Call{resultCh: make(chan callResult, 1), dispose: dispose}
	if cfg.AutoDisposeMs > 0 {
		c.timer = time.AfterFunc(time.Duration(cfg.AutoDisposeMs)*time.Millisecond, c.Dispose)
	}

	go func() {
		res, err := m.client.Call(pctx, wire.([]any))
		if err == nil {
			res, err = deserializeWith(m.ctx, res, cfg)
		}
		c.Dispose()
		c.resultCh <- callResult{res: res, err: err}
	}()

	return c, nil
}

// Call is the synchronous convenience form of CallAsync: it issues the call
// and blocks for the result, disposing the call's stub handlers before
// returning either way.
func (m *Methods) Call(pctx context.Context, args []any, opts ...Option) (any, error) {
	c, err := m.CallAsync(pctx, args, opts...)
	if err != nil {
		return nil, err
	}
	defer c.Dispose()
	return c.Wait()
}

// Wait blocks until the call settles and returns its result. By the time
// Wait returns, the call's stub handlers have already been disposed —
// CallAsync disposes them itself as soon as the result is in, so Wait
// needs no matching Dispose call of its own.
func (c *Call) Wait() (any, error) {
	r := <-c.resultCh
	return r.res, r.err
}

// Dispose tears down every stub handler this call's request installed. Safe
// to call more than once and from multiple goroutines; only the first call
// has effect.
func (c *Call) Dispose() {
	c.once.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.dispose()
	})
}
