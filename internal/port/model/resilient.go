package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/resilience"
)

// Resilient wraps a provider with a circuit breaker. Repeated stream
// failures open the circuit and subsequent calls fail fast as model
// execution errors instead of waiting out a dead provider.
type Resilient struct {
	inner   Model
	breaker *resilience.Breaker
}

// NewResilient decorates a provider with the given breaker.
func NewResilient(inner Model, b *resilience.Breaker) *Resilient {
	return &Resilient{inner: inner, breaker: b}
}

// Name returns the wrapped provider's identifier.
func (r *Resilient) Name() string { return r.inner.Name() }

// Stream forwards the inner stream through the breaker. A call counts as
// failed only when the provider reports an error; caller cancellation
// does not count against the circuit.
func (r *Resilient) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk)
	errOut := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errOut)

		var aborted error
		err := r.breaker.Execute(func() error {
			chunks, errs := r.inner.Stream(ctx, req)
			var streamErr error
			for chunks != nil || errs != nil {
				select {
				case c, ok := <-chunks:
					if !ok {
						chunks = nil
						continue
					}
					select {
					case out <- c:
					case <-ctx.Done():
						aborted = ctx.Err()
						return nil
					}
				case e, ok := <-errs:
					if !ok {
						errs = nil
						continue
					}
					if e == nil {
						continue
					}
					if errors.Is(e, context.Canceled) || errors.Is(e, context.DeadlineExceeded) {
						if aborted == nil {
							aborted = e
						}
						continue
					}
					if streamErr == nil {
						streamErr = e
					}
				}
			}
			return streamErr
		})

		switch {
		case aborted != nil:
			errOut <- aborted
		case errors.Is(err, resilience.ErrCircuitOpen):
			errOut <- fmt.Errorf("model %s: %w: %w", r.inner.Name(), err, domain.ErrLLMExecution)
		case err != nil:
			errOut <- err
		}
	}()

	return out, errOut
}
