package event_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/eventa/event"
)

func TestDefine(t *testing.T) {
	d := event.Define[string]("greeting")
	assert.Equal(t, "greeting", d.ID)
	assert.True(t, d.Is("greeting"))
	assert.False(t, d.Is("other"))
}

func TestDefineGeneratesIDWhenTagEmpty(t *testing.T) {
	a := event.Define[int]("")
	b := event.Define[int]("")
	require.NotEmpty(t, a.ID)
	require.NotEmpty(t, b.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestWithFlow(t *testing.T) {
	d := event.Define[string]("tag")
	out := d.WithFlow(event.FlowInbound)
	assert.Equal(t, event.FlowInbound, out.Flow)
	assert.Equal(t, event.FlowUndirected, d.Flow, "WithFlow must not mutate the receiver")
}

func TestMatchID(t *testing.T) {
	m := event.MatchID("x")
	assert.True(t, m.Matches(event.Meta{ID: "x"}))
	assert.False(t, m.Matches(event.Meta{ID: "y"}))
}

func TestMatchAny(t *testing.T) {
	m := event.MatchAny()
	assert.True(t, m.Matches(event.Meta{ID: "anything"}))
	assert.True(t, m.Matches(event.Meta{}))
}

func TestAndOr(t *testing.T) {
	isX := event.MatchID("x")
	isInbound := event.MatchFunc(func(m event.Meta) bool { return m.Flow == event.FlowInbound })

	and := event.And(isX, isInbound)
	assert.True(t, and.Matches(event.Meta{ID: "x", Flow: event.FlowInbound}))
	assert.False(t, and.Matches(event.Meta{ID: "x", Flow: event.FlowOutbound}))

	or := event.Or(isX, isInbound)
	assert.True(t, or.Matches(event.Meta{ID: "y", Flow: event.FlowInbound}))
	assert.False(t, or.Matches(event.Meta{ID: "y", Flow: event.FlowOutbound}))
}

// TestDescriptorIDEqualityProperty checks that Is is reflexive and
// discriminates on id alone, for any generated tag.
func TestDescriptorIDEqualityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a descriptor always matches its own id", prop.ForAll(
		func(tag string) bool {
			if tag == "" {
				return true
			}
			d := event.Define[int](tag)
			return d.Is(tag)
		},
		gen.AlphaString(),
	))

	properties.Property("a descriptor never matches a distinct non-empty id", prop.ForAll(
		func(a, b string) bool {
			if a == "" || b == "" || a == b {
				return true
			}
			d := event.Define[int](a)
			return !d.Is(b)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
