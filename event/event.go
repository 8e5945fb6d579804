// Package event defines the typed event descriptors and match expressions
// that the bus and invoke packages dispatch on. A descriptor is a stable
// string id plus a couple of metadata fields; it carries no behavior of its
// own and is cheap to create and compare.
package event

import "goa.design/eventa/internal/shortid"

// FlowDirection tags a descriptor with the direction a transport adapter
// observed or produced it in, so an adapter can avoid re-publishing a
// message it just delivered from the wire.
type FlowDirection uint8

const (
	// FlowUndirected is the default: the event did not cross a transport
	// boundary, or the direction is irrelevant to the caller.
	FlowUndirected FlowDirection = iota
	// FlowInbound marks an event an adapter delivered from its transport.
	FlowInbound
	// FlowOutbound marks an event destined for an adapter's transport.
	FlowOutbound
)

// InvokeType discriminates the role a descriptor plays within an invoke
// family. Plain events defined with Define carry InvokeNone.
type InvokeType uint8

const (
	InvokeNone InvokeType = iota
	InvokeSend
	InvokeSendError
	InvokeSendStreamEnd
	InvokeSendAbort
	InvokeReceive
	InvokeReceiveError
	InvokeReceiveStreamEnd
)

// Descriptor identifies a logical message on the bus. Two descriptors are
// equal iff their ID matches; the type parameter T is a compile-time
// annotation of the envelope body shape and has no runtime representation.
type Descriptor[T any] struct {
	ID     string
	Flow   FlowDirection
	Invoke InvokeType
}

// Define creates a descriptor for tag. If tag is empty a fresh id is
// generated with shortid.New, matching the spec's "tag string; generated if
// omitted" contract for ad hoc events (as opposed to invoke families, which
// always derive their ids from a user or generated family tag — see the
// invoke package).
func Define[T any](tag string) Descriptor[T] {
	if tag == "" {
		tag = shortid.New()
	}
	return Descriptor[T]{ID: tag}
}

// WithFlow returns a copy of d tagged with the given flow direction. The
// transport package does not use it: transport.Attach re-emits inbound
// frames with bus.EmitRaw, which carries no flow, and prevents echo with
// its own suppress flag.
func (d Descriptor[T]) WithFlow(flow FlowDirection) Descriptor[T] {
	d.Flow = flow
	return d
}

// Is reports whether d and other refer to the same logical event, i.e.
// whether their ids match. This is the only equality the spec defines for
// descriptors.
func (d Descriptor[T]) Is(otherID string) bool { return d.ID == otherID }

// Meta is the untyped companion of a Descriptor carried across the bus at
// emit time, since Go generics erase T at the call boundary between emitter
// and listener registry.
type Meta struct {
	ID     string
	Flow   FlowDirection
	Invoke InvokeType
}

// Envelope is what actually travels on the bus.
type Envelope[T any] struct {
	ID   string
	Type string // always "event"
	Body T
}

// Match is a predicate over descriptor metadata used to register broad
// listeners ("everything outbound", "everything invoke-shaped").
type Match interface {
	Matches(m Meta) bool
}

type idMatch string

func (m idMatch) Matches(meta Meta) bool { return meta.ID == string(m) }

// MatchID builds a Match that matches exactly one descriptor id.
func MatchID(id string) Match { return idMatch(id) }

type anyMatch struct{}

func (anyMatch) Matches(Meta) bool { return true }

// MatchAny is the "*" wildcard: it matches every descriptor.
func MatchAny() Match { return anyMatch{} }

// MatchFunc adapts a plain predicate function to a Match.
type MatchFunc func(m Meta) bool

func (f MatchFunc) Matches(m Meta) bool { return f(m) }

type andMatch []Match

func (a andMatch) Matches(m Meta) bool {
	for _, x := range a {
		if !x.Matches(m) {
			return false
		}
	}
	return true
}

// And composes matches so the result matches only when every operand does.
func And(matches ...Match) Match { return andMatch(matches) }

type orMatch []Match

func (o orMatch) Matches(m Meta) bool {
	for _, x := range o {
		if x.Matches(m) {
			return true
		}
	}
	return false
}

// Or composes matches so the result matches when any operand does.
func Or(matches ...Match) Match { return orMatch(matches) }
