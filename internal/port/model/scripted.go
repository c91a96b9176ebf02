package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/droverhq/drover/internal/domain/run"
)

func init() {
	Register("scripted", func(config map[string]string) (Model, error) {
		reply := config["reply"]
		if reply == "" {
			reply = "scripted reply"
		}
		return NewScripted(Turn{Text: reply}), nil
	})
}

// Turn is one canned completion played back by a Scripted model.
type Turn struct {
	Text      string
	ToolCalls []run.ToolCall
	Err       error
}

// Scripted is an in-memory Model that plays back canned turns in order.
// Useful for tests and dry runs; once the script is exhausted it repeats
// the last turn.
type Scripted struct {
	mu       sync.Mutex
	turns    []Turn
	next     int
	requests []Request

	// FragmentSize splits turn text into fixed-size stream fragments to
	// exercise incremental consumers. Zero emits each turn as one chunk.
	FragmentSize int
}

// NewScripted constructs a Scripted model from an ordered list of turns.
func NewScripted(turns ...Turn) *Scripted {
	return &Scripted{turns: turns}
}

// Name implements Model.
func (s *Scripted) Name() string { return "scripted" }

// Requests returns a copy of every request received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Stream implements Model.
func (s *Scripted) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.turns) == 0 {
		s.mu.Unlock()
		errs <- fmt.Errorf("scripted model has no turns")
		close(chunks)
		close(errs)
		return chunks, errs
	}
	turn := s.turns[s.next]
	if s.next < len(s.turns)-1 {
		s.next++
	}
	size := s.FragmentSize
	s.mu.Unlock()

	go func() {
		defer close(chunks)
		defer close(errs)

		if turn.Err != nil {
			errs <- turn.Err
			return
		}
		text := turn.Text
		if size <= 0 {
			size = len(text)
		}
		for len(text) > 0 {
			n := size
			if n > len(text) {
				n = len(text)
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- Chunk{Text: text[:n]}:
			}
			text = text[n:]
		}
		chunks <- Chunk{ToolCalls: turn.ToolCalls, Done: true}
	}()
	return chunks, errs
}
