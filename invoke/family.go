// Package invoke layers a request/response and streaming RPC protocol
// ("invoke") on top of an event bus.Context. An invoke family derives six
// (seven with abort) correlated event descriptors from one user tag; unary
// and streaming client/server pairs exchange typed requests and responses
// by emitting and listening on those descriptors, correlating concurrent
// calls purely by an invokeId carried in the event body (the bus never sees
// a distinct descriptor per call — see Family).
package invoke

import (
	"goa.design/eventa/bus"
	"goa.design/eventa/event"
	"goa.design/eventa/internal/shortid"
)

// sendBody is the wire shape for every request-side event: a single request
// (IsReqStream false) or one chunk of a client-streaming request
// (IsReqStream true).
type sendBody[Req any] struct {
	InvokeID    string
	Content     Req
	IsReqStream bool
}

type sendErrorBody struct {
	InvokeID string
	Error    error
}

type sendStreamEndBody struct {
	InvokeID string
}

type sendAbortBody struct {
	InvokeID string
	Reason   error
}

// recvBody is the wire shape for every response-side event: a single reply
// (unary) or one chunk of a server-streaming reply.
type recvBody[Res any] struct {
	InvokeID string
	Content  Res
	Extra    bus.Options
}

type recvErrorBody struct {
	InvokeID string
	Error    error
}

type recvStreamEndBody struct {
	InvokeID string
}

// Family is the set of seven correlated descriptors that together implement
// one RPC method. It is derived purely from Tag: re-deriving a family for
// the same tag yields descriptors that compare equal on id, and deriving a
// family allocates no shared mutable state of its own.
type Family[Req, Res any] struct {
	Tag string

	Send          event.Descriptor[sendBody[Req]]
	SendError     event.Descriptor[sendErrorBody]
	SendStreamEnd event.Descriptor[sendStreamEndBody]
	SendAbort     event.Descriptor[sendAbortBody]

	Receive          event.Descriptor[recvBody[Res]]
	ReceiveError     event.Descriptor[recvErrorBody]
	ReceiveStreamEnd event.Descriptor[recvStreamEndBody]
}

// DefineFamily derives the family for tag. If tag is empty a fresh tag is
// generated, matching spec.md's "tag string; generated if omitted" contract
// — used by the remote package to mint one family per function stub.
func DefineFamily[Req, Res any](tag string) Family[Req, Res] {
	if tag == "" {
		tag = shortid.New()
	}
	return Family[Req, Res]{
		Tag:              tag,
		Send:             event.Descriptor[sendBody[Req]]{ID: tag + "-send", Invoke: event.InvokeSend},
		SendError:        event.Descriptor[sendErrorBody]{ID: tag + "-send-error", Invoke: event.InvokeSendError},
		SendStreamEnd:    event.Descriptor[sendStreamEndBody]{ID: tag + "-send-stream-end", Invoke: event.InvokeSendStreamEnd},
		SendAbort:        event.Descriptor[sendAbortBody]{ID: tag + "-send-abort", Invoke: event.InvokeSendAbort},
		Receive:          event.Descriptor[recvBody[Res]]{ID: tag + "-receive", Invoke: event.InvokeReceive},
		ReceiveError:     event.Descriptor[recvErrorBody]{ID: tag + "-receive-error", Invoke: event.InvokeReceiveError},
		ReceiveStreamEnd: event.Descriptor[recvStreamEndBody]{ID: tag + "-receive-stream-end", Invoke: event.InvokeReceiveStreamEnd},
	}
}

// Disposer removes every listener a Define*Handler call registered.
type Disposer = bus.Unsubscribe

// HandlerOptions carries the side-channel bus.Options that accompanied the
// triggering send event through to the user handler or producer.
type HandlerOptions struct {
	Raw bus.Options
}

// CallOption configures a single client call.
type CallOption func(*callConfig)

type callConfig struct {
	opts bus.Options
}

// WithOptions forwards transport-specific side-channel data on every event
// this call emits.
func WithOptions(o bus.Options) CallOption {
	return func(c *callConfig) { c.opts = o }
}

func resolveConfig(opts []CallOption) callConfig {
	var c callConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}
