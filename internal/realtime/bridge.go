package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/mediation/internal/metrics"
)

// DefaultChannel is the Redis Pub/Sub channel carrying dispute events.
const DefaultChannel = "mediation:events"

// Bridge relays hub events through Redis Pub/Sub so that a socket connected
// to any instance sees events raised on every instance.
type Bridge struct {
	rdb     *redis.Client
	hub     *Hub
	channel string
	logger  *slog.Logger
}

// NewBridge creates a bridge on DefaultChannel.
func NewBridge(rdb *redis.Client, hub *Hub, logger *slog.Logger) *Bridge {
	return &Bridge{rdb: rdb, hub: hub, channel: DefaultChannel, logger: logger}
}

// WithChannel overrides the Pub/Sub channel.
func (b *Bridge) WithChannel(ch string) *Bridge {
	b.channel = ch
	return b
}

// Publish sends an event to every subscribed instance, this one included.
func (b *Bridge) Publish(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("realtime: publish: %w", err)
	}
	return nil
}

// Run subscribes to the channel and feeds incoming events to the hub until
// ctx is done. It resubscribes after connection errors.
func (b *Bridge) Run(ctx context.Context) {
	backoff := time.Second
	for {
		err := b.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("realtime bridge subscription lost, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (b *Bridge) consume(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription confirmation so errors surface here.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	b.logger.Info("realtime bridge subscribed", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("realtime: subscription channel closed")
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("realtime bridge: bad payload", "error", err)
				continue
			}
			metrics.RealtimeEventsTotal.WithLabelValues("bridge").Inc()
			b.hub.Broadcast(&ev)
		}
	}
}
