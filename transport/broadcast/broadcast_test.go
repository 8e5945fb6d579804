package broadcast_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/eventa/transport"
	"goa.design/eventa/transport/broadcast"
)

func TestBroadcastFansOutToEverySubscriber(t *testing.T) {
	b := broadcast.New(4, false)
	defer b.Close()

	sub1 := b.Subscribe(context.Background())
	sub2 := b.Subscribe(context.Background())

	frame := transport.Frame{ID: "1", Descriptor: "greet", Body: []byte(`{}`)}
	require.NoError(t, b.Publish(context.Background(), frame))

	for _, s := range []*broadcast.Subscription{sub1, sub2} {
		select {
		case got := <-s.Inbound():
			assert.Equal(t, frame, got)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received published frame")
		}
	}
}

func TestBroadcastSubscribeAfterPublishMissesEarlierFrames(t *testing.T) {
	b := broadcast.New(4, false)
	defer b.Close()

	require.NoError(t, b.Publish(context.Background(), transport.Frame{ID: "early"}))

	sub := b.Subscribe(context.Background())
	require.NoError(t, b.Publish(context.Background(), transport.Frame{ID: "late"}))

	select {
	case got := <-sub.Inbound():
		assert.Equal(t, "late", got.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received post-subscribe frame")
	}
}

func TestBroadcastDropModeNeverBlocksPublisher(t *testing.T) {
	b := broadcast.New(1, true)
	defer b.Close()

	sub := b.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = b.Publish(context.Background(), transport.Frame{ID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drop-mode publish must never block even when a subscriber's buffer is full")
	}
	sub.Close()
}

func TestBroadcastCloseClosesLiveSubscriptions(t *testing.T) {
	b := broadcast.New(1, false)
	sub := b.Subscribe(context.Background())

	b.Close()

	select {
	case _, ok := <-sub.Inbound():
		assert.False(t, ok, "subscription channel must be closed")
	case <-time.After(time.Second):
		t.Fatal("subscription was never closed")
	}
}

func TestBroadcastSubscriptionContextCancelClosesIt(t *testing.T) {
	b := broadcast.New(1, false)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-sub.Inbound():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("cancelling the subscribe context must close the subscription")
	}
}
