package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/droverhq/drover/internal/domain/event"
	"github.com/droverhq/drover/internal/port/queue"
)

// EventPublisher implements eventsink.Sink over the queue, giving every
// run event a durable subject external consumers can replay.
type EventPublisher struct {
	q queue.Queue
}

// NewEventPublisher creates an event sink backed by the queue.
func NewEventPublisher(q queue.Queue) *EventPublisher {
	return &EventPublisher{q: q}
}

// Publish implements eventsink.Sink.
func (p *EventPublisher) Publish(ctx context.Context, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats event marshal: %w", err)
	}
	return p.q.Publish(ctx, queue.EventSubject(ev.AgentName), data)
}
