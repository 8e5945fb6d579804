// Package redisbus generalizes the teacher's
// registry.ResultStreamManager — which routes a single tool invocation's
// result back across gateway nodes via a Redis-backed stream keyed by a
// correlation id — into a transport.Transport any two eventa processes can
// share: every frame is published to one Redis pub/sub channel and every
// subscriber on that channel receives it, so a bus.Context in one process
// reaches invoke handlers registered in another.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/eventa/internal/telemetry"
	"goa.design/eventa/transport"
)

// Adapter carries transport.Frame values over a single Redis pub/sub
// channel. Multiple Adapters subscribed to the same channel form one
// logical bus. Redis pub/sub delivers a message to every subscriber of the
// channel, and an Adapter subscribes to the same channel it publishes on,
// so each Adapter also receives its own published frames on Inbound.
type Adapter struct {
	client  *redis.Client
	channel string
	logger  telemetry.Logger

	pubsub  *redis.PubSub
	inbound chan transport.Frame
	fatal   chan error
	done    chan struct{}
}

// Config configures a redisbus Adapter.
type Config struct {
	// Client is the Redis client used for both Publish and the background
	// Subscribe loop.
	Client *redis.Client
	// Channel is the Redis pub/sub channel every Adapter on this logical
	// bus shares.
	Channel string
	// Logger receives decode/marshal failures. Defaults to a no-op logger.
	Logger telemetry.Logger
}

// New subscribes to cfg.Channel and returns an Adapter ready to Attach to a
// bus.Context. The subscription starts immediately; cancelling ctx stops the
// read loop and closes Inbound, while Close is what unsubscribes.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("eventa/transport/redisbus: Client is required")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("eventa/transport/redisbus: Channel is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	pubsub := cfg.Client.Subscribe(ctx, cfg.Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("eventa/transport/redisbus: subscribe: %w", err)
	}

	a := &Adapter{
		client:  cfg.Client,
		channel: cfg.Channel,
		logger:  logger,
		pubsub:  pubsub,
		inbound: make(chan transport.Frame, 64),
		fatal:   make(chan error, 1),
		done:    make(chan struct{}),
	}
	go a.readLoop(ctx)
	return a, nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer close(a.inbound)
	ch := a.pubsub.Channel()
	for {
		select {
		case <-a.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				select {
				case <-a.done:
				default:
					a.fatal <- fmt.Errorf("eventa/transport/redisbus: subscription closed")
				}
				return
			}
			var frame transport.Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				a.logger.Error(ctx, "eventa/transport/redisbus: decode frame failed", "err", err)
				continue
			}
			select {
			case a.inbound <- frame:
			case <-a.done:
				return
			}
		}
	}
}

// Publish marshals frame and publishes it to the channel every Adapter on
// this logical bus subscribes to.
func (a *Adapter) Publish(ctx context.Context, frame transport.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("eventa/transport/redisbus: encode frame: %w", err)
	}
	return a.client.Publish(ctx, a.channel, data).Err()
}

func (a *Adapter) Inbound() <-chan transport.Frame { return a.inbound }

func (a *Adapter) Fatal() <-chan error { return a.fatal }

// Close stops the read loop and unsubscribes from the channel. It does not
// close the Redis client, which the caller owns.
func (a *Adapter) Close() error {
	select {
	case <-a.done:
		return nil
	default:
		close(a.done)
	}
	return a.pubsub.Close()
}
