package remote

import (
	"context"
	"reflect"
	"strings"

	"goa.design/eventa/bus"
	"goa.design/eventa/internal/shortid"
	"goa.design/eventa/invoke"
)

// StubTag is the stub descriptor's payload: the invoke-family tag the
// deserializing side routes calls back through.
type StubTag struct {
	Tag string `json:"tag"`
}

// Stub is the wire shape a function value becomes (spec.md §4.7
// "{ __marker: { tag } }"). It is a plain, prototype-free Go struct — there
// is no dynamic key namespace here for a malicious "__proto__" input key to
// collide with in the first place, which is the Go analogue of the spec's
// "materialize on a prototype-free object type" defense.
type Stub struct {
	Marker StubTag `json:"__marker"`
}

// markerKey is the map-shaped stub's key, used when a payload arrives as
// map[string]any (e.g. after a JSON round trip through a transport adapter)
// rather than as a Stub value constructed in-process.
const markerKey = "__marker"

// Serialize walks v recursively, registering every remote.Func value it
// finds as a freshly tagged unary invoke handler and replacing it with a
// Stub descriptor (spec.md §4.7 "Serialize policy"). The returned dispose
// tears down every handler Serialize registered; the caller must guarantee
// it runs exactly once on any terminal outcome (fulfill, reject, manual
// disposal, or the AutoDisposeMs timer).
func Serialize(ctx *bus.Context, v any, opts ...Option) (value any, dispose func(), err error) {
	return serializeWith(ctx, v, resolve(defaultConfig(), opts))
}

func serializeWith(ctx *bus.Context, v any, cfg Config) (any, func(), error) {
	if !cfg.Allow {
		return v, func() {}, nil
	}
	st := &serializeState{cfg: cfg, ctx: ctx, seen: make(map[uintptr]any)}
	out, err := st.walk(v, 0)
	dispose := disposeAll(st.teardown)
	if err != nil {
		dispose()
		return nil, func() {}, err
	}
	return out, dispose, nil
}

type serializeState struct {
	cfg      Config
	ctx      *bus.Context
	seen     map[uintptr]any
	funcs    int
	teardown []invoke.Disposer
}

func (st *serializeState) walk(v any, depth int) (any, error) {
	if depth > st.cfg.MaxDepth {
		return nil, &ProtocolGuardError{Reason: "max depth exceeded"}
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case Func:
		return st.registerFunc(t)
	case map[string]any:
		return st.walkMap(t, depth)
	case []any:
		return st.walkSlice(t, depth)
	default:
		return v, nil
	}
}

// poisonKeys are the literal keys spec.md §4.7 calls out by name
// ("__proto__", "constructor", "prototype") as the prototype-pollution
// attack surface a hostile payload would use. Go values have no mutable
// shared prototype chain for these keys to reach, but the walk still drops
// them outright so the two sides the key could poison, input and output,
// never carry a key-shaped implementation detail from one language's attack
// model into this one's wire format.
var poisonKeys = map[string]bool{"__proto__": true, "constructor": true, "prototype": true}

func (st *serializeState) walkMap(m map[string]any, depth int) (any, error) {
	ptr := reflect.ValueOf(m).Pointer()
	if shared, ok := st.seen[ptr]; ok {
		return shared, nil
	}
	out := make(map[string]any, len(m))
	st.seen[ptr] = out
	for k, v := range m {
		if poisonKeys[k] {
			continue
		}
		rv, err := st.walk(v, depth+1)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func (st *serializeState) walkSlice(s []any, depth int) (any, error) {
	if len(s) > 0 {
		ptr := reflect.ValueOf(s).Pointer()
		if shared, ok := st.seen[ptr]; ok {
			return shared, nil
		}
		out := make([]any, len(s))
		st.seen[ptr] = out
		for i, v := range s {
			rv, err := st.walk(v, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	}
	return []any{}, nil
}

func (st *serializeState) registerFunc(fn Func) (any, error) {
	st.funcs++
	if st.funcs > st.cfg.MaxFunctions {
		return nil, &ProtocolGuardError{Reason: "max functions exceeded"}
	}
	tag := st.cfg.TagPrefix + shortid.New()
	family := invoke.DefineFamily[[]any, any](tag)
	dispose := invoke.DefineInvokeHandler(st.ctx, family, invoke.Single(
		func(ctx context.Context, args []any, _ invoke.HandlerOptions) (any, bus.Options, error) {
			res, err := fn(ctx, args...)
			return res, bus.Options{}, err
		},
	))
	st.teardown = append(st.teardown, dispose)
	return Stub{Marker: StubTag{Tag: tag}}, nil
}

func disposeAll(ds []invoke.Disposer) func() {
	return func() {
		for _, d := range ds {
			d()
		}
	}
}

// Deserialize is the symmetric walk: it replaces every stub descriptor it
// finds with a remote.Func routed back through the originating process via
// a unary invoke client for the stub's tag (spec.md §4.7 "Deserialize
// policy").
func Deserialize(ctx *bus.Context, v any, opts ...Option) (any, error) {
	return deserializeWith(ctx, v, resolve(defaultConfig(), opts))
}

func deserializeWith(ctx *bus.Context, v any, cfg Config) (any, error) {
	if !cfg.Allow {
		return v, nil
	}
	st := &deserializeState{cfg: cfg, ctx: ctx, seen: make(map[uintptr]any)}
	return st.walk(v, 0)
}

type deserializeState struct {
	cfg   Config
	ctx   *bus.Context
	seen  map[uintptr]any
	funcs int
}

func (st *deserializeState) walk(v any, depth int) (any, error) {
	if depth > st.cfg.MaxDepth {
		return nil, &ProtocolGuardError{Reason: "max depth exceeded"}
	}
	tag, ok, malformed := asStub(v)
	if malformed {
		if st.cfg.Strict {
			return nil, &ProtocolGuardError{Reason: "malformed remote-method stub"}
		}
		return v, nil
	}
	if ok {
		return st.rehydrate(tag)
	}
	switch t := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(t).Pointer()
		if shared, seen := st.seen[ptr]; seen {
			return shared, nil
		}
		out := make(map[string]any, len(t))
		st.seen[ptr] = out
		for k, vv := range t {
			if poisonKeys[k] {
				continue
			}
			rv, err := st.walk(vv, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		if len(t) == 0 {
			return []any{}, nil
		}
		ptr := reflect.ValueOf(t).Pointer()
		if shared, seen := st.seen[ptr]; seen {
			return shared, nil
		}
		out := make([]any, len(t))
		st.seen[ptr] = out
		for i, vv := range t {
			rv, err := st.walk(vv, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (st *deserializeState) rehydrate(tag string) (any, error) {
	if st.cfg.TagPrefix != "" && !strings.HasPrefix(tag, st.cfg.TagPrefix) {
		if st.cfg.OnDisallowedTag == OnDisallowedThrow {
			return nil, &ProtocolGuardError{Reason: "disallowed remote-method tag: " + tag}
		}
		return nil, nil
	}
	st.funcs++
	if st.funcs > st.cfg.MaxFunctions {
		return nil, &ProtocolGuardError{Reason: "max functions exceeded"}
	}
	family := invoke.DefineFamily[[]any, any](tag)
	client := invoke.DefineInvoke(st.ctx, family)
	fn := Func(func(ctx context.Context, args ...any) (any, error) {
		return client.Call(ctx, args)
	})
	return fn, nil
}

// asStub reports whether v is a stub descriptor, recognizing both the
// in-process Stub struct shape and the map[string]any shape a JSON-decoded
// transport adapter payload carries. malformed is true when v carries the
// marker key but not a valid {tag: string} payload under it.
func asStub(v any) (tag string, ok bool, malformed bool) {
	switch t := v.(type) {
	case Stub:
		if t.Marker.Tag == "" {
			return "", false, true
		}
		return t.Marker.Tag, true, false
	case *Stub:
		if t == nil || t.Marker.Tag == "" {
			return "", false, true
		}
		return t.Marker.Tag, true, false
	case map[string]any:
		raw, has := t[markerKey]
		if !has {
			return "", false, false
		}
		m, isMap := raw.(map[string]any)
		if !isMap {
			return "", false, true
		}
		tagVal, isStr := m["tag"].(string)
		if !isStr || tagVal == "" {
			return "", false, true
		}
		return tagVal, true, false
	default:
		return "", false, false
	}
}
