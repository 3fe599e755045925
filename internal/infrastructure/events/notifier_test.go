package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideworks/ride-negotiation-backend/internal/service/negotiation"
)

func TestRedisNotifier_PublishesEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sub := client.Subscribe(context.Background(), "negotiation.events")
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	notifier := NewRedisNotifier(client, "negotiation.events", slog.Default())

	requestID := uuid.New()
	bidID := uuid.New()
	notifier.Notify(context.Background(), negotiation.Event{
		Kind:       negotiation.EventBidSubmitted,
		RequestID:  requestID,
		BidID:      &bidID,
		OccurredAt: time.Now().UTC(),
	})
	notifier.Close()

	select {
	case msg := <-sub.Channel():
		var evt negotiation.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &evt))
		assert.Equal(t, negotiation.EventBidSubmitted, evt.Kind)
		assert.Equal(t, requestID, evt.RequestID)
		require.NotNil(t, evt.BidID)
		assert.Equal(t, bidID, *evt.BidID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a published event")
	}
}

func TestRedisNotifier_SurvivesBrokenConnection(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	notifier := NewRedisNotifier(client, "negotiation.events", slog.Default())
	mr.Close()

	// Must not panic or block the caller.
	notifier.Notify(context.Background(), negotiation.Event{
		Kind:      negotiation.EventRequestCreated,
		RequestID: uuid.New(),
	})
	notifier.Close()
}
