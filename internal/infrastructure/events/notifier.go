package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rideworks/ride-negotiation-backend/internal/service/negotiation"
)

const publishTimeout = 2 * time.Second

// RedisNotifier delivers lifecycle events to a redis pub/sub channel.
// Delivery is strictly best-effort: events are queued to a background
// worker, a full queue drops the event, and publish failures are logged
// but never surfaced to the engine.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	queue chan negotiation.Event
	done  chan struct{}
}

// NewRedisNotifier starts the dispatch worker. Close releases it.
func NewRedisNotifier(client *redis.Client, channel string, logger *slog.Logger) *RedisNotifier {
	n := &RedisNotifier{
		client:  client,
		channel: channel,
		logger:  logger,
		queue:   make(chan negotiation.Event, 256),
		done:    make(chan struct{}),
	}
	go n.dispatch()
	return n
}

// Notify implements negotiation.Notifier.
func (n *RedisNotifier) Notify(_ context.Context, evt negotiation.Event) {
	select {
	case n.queue <- evt:
	default:
		n.logger.Warn("notification queue full, dropping event",
			slog.String("kind", string(evt.Kind)),
			slog.String("request_id", evt.RequestID.String()))
	}
}

// Close stops the worker after draining queued events.
func (n *RedisNotifier) Close() {
	close(n.queue)
	<-n.done
}

func (n *RedisNotifier) dispatch() {
	defer close(n.done)
	for evt := range n.queue {
		payload, err := json.Marshal(evt)
		if err != nil {
			n.logger.Error("failed to encode event", slog.Any("error", err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = n.client.Publish(ctx, n.channel, payload).Err()
		cancel()
		if err != nil {
			n.logger.Warn("failed to publish event",
				slog.String("kind", string(evt.Kind)),
				slog.String("request_id", evt.RequestID.String()),
				slog.Any("error", err))
		}
	}
}

// NopNotifier discards every event; used where notifications are not wired.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, negotiation.Event) {}
