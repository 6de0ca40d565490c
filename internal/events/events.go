// Package events carries relay lifecycle events between relay instances
// over Redis Pub/Sub.
package events

import (
	"context"
	"ctchen222/code-battle/pkg/proto"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Pub/Sub channel constants
const (
	EventsChannel = "channel:events"
)

const (
	TypeGameFinished = "game_finished"
)

var tracer = otel.Tracer("events")

// Event represents a global message published via Pub/Sub.
type Event struct {
	Type    string          `json:"event"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// GameFinishedPayload is the payload for the "game_finished" event.
type GameFinishedPayload struct {
	GameID string            `json:"game_id"`
	Result proto.MatchResult `json:"result"`
}

type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, string, any) error { return nil }

// Bus publishes and receives events on EventsChannel. Origin tags every
// published event so a subscriber can skip its own.
type Bus struct {
	rdb    *redis.Client
	origin string
}

func NewBus(rdb *redis.Client, origin string) *Bus {
	return &Bus{rdb: rdb, origin: origin}
}

func (b *Bus) Origin() string { return b.origin }

func (b *Bus) Publish(ctx context.Context, eventType string, payload any) error {
	ctx, span := tracer.Start(ctx, "events.Publish", trace.WithAttributes(
		attribute.String("event.type", eventType),
	))
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	data, err := json.Marshal(Event{Type: eventType, Origin: b.origin, Payload: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, EventsChannel, data).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to publish event")
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	return nil
}

// Subscribe hands every event from another origin to handle until ctx is
// cancelled.
func (b *Bus) Subscribe(ctx context.Context, handle func(context.Context, Event)) error {
	pubsub := b.rdb.Subscribe(ctx, EventsChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", EventsChannel, err)
	}
	slog.InfoContext(ctx, "Event subscriber started", "channel", EventsChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.ErrorContext(ctx, "Could not unmarshal global event", "error", err)
				continue
			}
			if event.Origin == b.origin {
				continue
			}
			eventCtx, span := tracer.Start(ctx, "events.handle", trace.WithAttributes(
				attribute.String("event.type", event.Type),
				attribute.String("event.origin", event.Origin),
			))
			handle(eventCtx, event)
			span.End()
		}
	}
}
