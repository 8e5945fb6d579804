// Package remote implements the "remote methods" adapter (spec.md §4.7): an
// opt-in rewrite of invoke request payloads that lets a caller embed ordinary
// function values in a request, have them replaced by stub descriptors on
// the wire, and rehydrated on the receiving side as callable invoke clients
// routed back to the originating process.
//
// Because the payload is walked and rewritten at runtime, remote-methods
// families are always shaped Family[[]any, any] — a function value has no
// fixed static type the rest of this module's generic invoke API could
// express, so the payload tree is the same dynamic, JSON-shaped any the
// transport adapters already traffic in. A function a caller wants carried
// this way must be exposed as a remote.Func.
package remote

import (
	"context"
	"time"
)

// Func is the canonical shape of a function value carried inside a
// remote-methods payload. Both the call site constructing a request and the
// handler that receives a rehydrated stub interact with it the same way.
type Func func(ctx context.Context, args ...any) (any, error)

// DisallowedTagPolicy controls how the deserializer treats a stub whose tag
// doesn't carry the configured prefix (spec.md §4.7 "Deserialize policy").
type DisallowedTagPolicy int

const (
	// OnDisallowedIgnore silently replaces the stub with nil (the default).
	OnDisallowedIgnore DisallowedTagPolicy = iota
	// OnDisallowedThrow rejects the whole deserialize with a
	// ProtocolGuardError.
	OnDisallowedThrow
)

// Config is the remote-methods configuration bag (spec.md §4.7
// "Configuration"). Per-call Options override the defaults a Methods value
// was constructed with.
type Config struct {
	// Allow is the master switch; Allow=false makes Serialize/Deserialize
	// pass values through unchanged.
	Allow bool
	// MaxDepth bounds recursion through nested maps/slices.
	MaxDepth int
	// MaxFunctions bounds how many function values a single walk may
	// register or rehydrate.
	MaxFunctions int
	// TagPrefix is prepended to every generated stub tag, and required (if
	// non-empty) of every tag the deserializer rehydrates.
	TagPrefix string
	// OnDisallowedTag controls the deserializer's behavior for a
	// prefix-mismatched stub.
	OnDisallowedTag DisallowedTagPolicy
	// AutoDisposeMs, if non-zero, tears down a call's stub handlers this
	// many milliseconds after the call is issued even if it never settles.
	AutoDisposeMs int
	// Strict makes a node that carries the marker key with a malformed
	// descriptor a hard error instead of being passed through or ignored.
	Strict bool
}

func defaultConfig() Config {
	return Config{
		Allow:        true,
		MaxDepth:     32,
		MaxFunctions: 64,
		TagPrefix:    "rpc-",
	}
}

// Option overrides a single Config field.
type Option func(*Config)

func WithAllow(allow bool) Option { return func(c *Config) { c.Allow = allow } }

func WithMaxDepth(n int) Option { return func(c *Config) { c.MaxDepth = n } }

func WithMaxFunctions(n int) Option { return func(c *Config) { c.MaxFunctions = n } }

func WithTagPrefix(prefix string) Option { return func(c *Config) { c.TagPrefix = prefix } }

func WithOnDisallowedTag(p DisallowedTagPolicy) Option {
	return func(c *Config) { c.OnDisallowedTag = p }
}

func WithAutoDispose(d time.Duration) Option {
	return func(c *Config) { c.AutoDisposeMs = int(d.Milliseconds()) }
}

func WithStrict(strict bool) Option { return func(c *Config) { c.Strict = strict } }

func resolve(base Config, opts []Option) Config {
	c := base
	for _, o := range opts {
		o(&c)
	}
	return c
}
