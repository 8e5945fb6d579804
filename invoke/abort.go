package invoke

import (
	"goa.design/eventa/bus"
	"goa.design/eventa/event"
)

// wireServerAbort registers the shared send-abort handling described in
// spec.md §4.6. inputs may be nil when the handler never accepts a
// streaming request; cancels may be nil when the handler has no
// server-streaming response (and therefore no cooperative cancellation
// token). send-abort is not ordered with respect to send chunks (spec.md
// §5), so both nil checks below must tolerate arriving before, between, or
// after any other event for the same invokeId. onOrphan fires when the
// abort is the first event observed for invokeId (no input controller
// existed yet): the caller uses it to kick off the handler/producer
// immediately against an empty, already-errored input, and the synthesized
// controller left in inputs prevents a Send/SendStreamEnd that arrives
// later from starting a second, duplicate invocation for the same id.
func wireServerAbort[Req, Res any](ctx *bus.Context, f Family[Req, Res], inputs *inputRegistry[Req], cancels *cancelRegistry, onOrphan func(id string, ctrl *inputController[Req])) bus.Unsubscribe {
	if inputs == nil && cancels == nil {
		return func() {}
	}
	return bus.On(ctx, f.SendAbort, func(env event.Envelope[sendAbortBody], _ bus.Options) {
		id := env.Body.InvokeID
		reason := env.Body.Reason
		if reason == nil {
			reason = &AbortedError{}
		}
		abortErr := &AbortedError{Reason: reason}

		if inputs != nil {
			if ctrl, existed := inputs.take(id); existed {
				ctrl.closeWithError(abortErr)
			} else {
				// No chunks observed yet for this invokeId: synthesize an
				// empty, already-errored controller so a Send/SendStreamEnd
				// that arrives later (send-abort is unordered, §5) still
				// drives the handler to an empty-and-aborted invocation
				// instead of silently losing the abort.
				c := newInputController[Req]()
				c.closeWithError(abortErr)
				inputs.mu.Lock()
				inputs.m[id] = c
				inputs.mu.Unlock()
				if onOrphan != nil {
					onOrphan(id, c)
				}
			}
		}

		if cancels != nil {
			if cancel, existed := cancels.takeOrDefer(id, abortErr); existed {
				// Deferred to the next scheduler turn (spec.md §4.5 step 3,
				// §5 "deferred-abort scheduling") so a producer that installs
				// a context.Done() watcher synchronously at start sees the
				// watcher in place before the trip.
				go cancel(abortErr)
			}
		}
	})
}
