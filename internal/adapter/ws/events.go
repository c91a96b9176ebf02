package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/droverhq/drover/internal/domain/event"
)

// Publish implements eventsink.Sink, delivering a run event to every
// client subscribed to its agent.
func (h *Hub) Publish(ctx context.Context, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ws event marshal: %w", err)
	}
	h.broadcast(ctx, ev.AgentName, Message{
		Type:    string(ev.Type),
		Payload: data,
	})
	return nil
}
