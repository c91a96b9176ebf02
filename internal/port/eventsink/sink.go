// Package eventsink defines the port for delivering run events outward.
package eventsink

import (
	"context"
	"errors"

	"github.com/droverhq/drover/internal/domain/event"
)

// Sink receives run events for delivery to an external audience.
//
// Implementations must not block on slow consumers; the loop's emission
// path has already decoupled via a bounded channel, and a sink that stalls
// here stalls fanout for every other sink.
type Sink interface {
	Publish(ctx context.Context, ev event.Event) error
}

// Fanout delivers each event to every sink, continuing past failures.
type Fanout []Sink

// Publish implements Sink. Errors from individual sinks are joined.
func (f Fanout) Publish(ctx context.Context, ev event.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
