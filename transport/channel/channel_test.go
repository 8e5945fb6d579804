package channel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/eventa/transport"
	"goa.design/eventa/transport/channel"
)

func TestPortPairDeliversBothWays(t *testing.T) {
	a, b := channel.New(4)

	frame := transport.Frame{ID: "1", Type: "event", Descriptor: "greet", Body: []byte(`{"name":"alice"}`)}
	require.NoError(t, a.Publish(context.Background(), frame))

	select {
	case got := <-b.Inbound():
		assert.Equal(t, frame, got)
	case <-time.After(time.Second):
		t.Fatal("b never received a's frame")
	}

	reply := transport.Frame{ID: "2", Type: "event", Descriptor: "ack", Body: []byte(`{}`)}
	require.NoError(t, b.Publish(context.Background(), reply))

	select {
	case got := <-a.Inbound():
		assert.Equal(t, reply, got)
	case <-time.After(time.Second):
		t.Fatal("a never received b's reply")
	}
}

func TestPortPublishRespectsContextCancellation(t *testing.T) {
	a, _ := channel.New(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.Publish(ctx, transport.Frame{ID: "1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPortCloseRejectsFuturePublish(t *testing.T) {
	a, _ := channel.New(1)
	a.Close()

	err := a.Publish(context.Background(), transport.Frame{ID: "1"})
	require.Error(t, err)
}

func TestPortFatalNeverFires(t *testing.T) {
	a, _ := channel.New(1)
	select {
	case <-a.Fatal():
		t.Fatal("an in-process port must never report a fatal error")
	case <-time.After(20 * time.Millisecond):
	}
}
