package transport_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/eventa/bus"
	"goa.design/eventa/event"
	"goa.design/eventa/transport"
	"goa.design/eventa/transport/channel"
)

type greeting struct{ Name string }

func TestAttachForwardsEventsBothWaysWithoutEchoing(t *testing.T) {
	portA, portB := channel.New(4)

	ctxA := bus.NewContext()
	ctxB := bus.NewContext()

	detachA := transport.Attach(ctxA, portA)
	defer detachA()
	detachB := transport.Attach(ctxB, portB)
	defer detachB()

	greet := event.Define[greeting]("greet")

	var gotOnB greeting
	done := make(chan struct{})
	var echoed bool
	bus.On(ctxB, greet, func(env event.Envelope[greeting], _ bus.Options) {
		select {
		case <-done:
			echoed = true
		default:
			gotOnB = env.Body
			close(done)
		}
	})

	bus.Emit(ctxA, greet, greeting{Name: "alice"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ctxB never observed ctxA's emission")
	}

	assert.Equal(t, greeting{Name: "alice"}, gotOnB)

	// A real echo bug would have ctxB's Attach republish the frame it just
	// received back onto portB, which portA would then redeliver as a second
	// inbound frame — assert neither happened.
	select {
	case <-portA.Inbound():
		t.Fatal("ctxB's attach must not turn an inbound frame back around onto the transport")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, echoed, "ctxB must not observe its own forwarded event a second time")
}

// TestAttachCoexistsWithUserFatalSources confirms Attach's own per-attach
// fatal descriptor doesn't displace a caller's independently registered
// fatal source — both reach OnFatal.
func TestAttachCoexistsWithUserFatalSources(t *testing.T) {
	portA, _ := channel.New(1)
	ctxA := bus.NewContext()
	detach := transport.Attach(ctxA, portA)
	defer detach()

	var got error
	ctxA.OnFatal(func(err error) { got = err })

	fatalSrc := event.Define[error]("")
	bus.RegisterFatal(ctxA, fatalSrc, func(e error) error { return e })
	wantErr := errors.New("carrier died")
	bus.Emit(ctxA, fatalSrc, wantErr)

	require.Error(t, got)
	assert.Equal(t, wantErr, got)
}
