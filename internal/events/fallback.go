// ABOUTME: Publishers that do not need a broker: a logging no-op and an in-memory recorder
// ABOUTME: The no-op keeps the gateway running when events are disabled or the broker is unreachable

package events

import (
	"context"
	"log/slog"
	"sync"
)

// FallbackPublisher logs and drops every event.
type FallbackPublisher struct {
	logger *slog.Logger
}

// NewFallback creates a publisher that only logs.
func NewFallback(logger *slog.Logger) *FallbackPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackPublisher{logger: logger.With("component", "events")}
}

func (p *FallbackPublisher) Publish(ctx context.Context, env Envelope) error {
	p.logger.Debug("skipped publish", "type", env.Meta.Type, "id", env.Meta.ID)
	return nil
}

func (p *FallbackPublisher) Close() error {
	return nil
}

// Recorder keeps published envelopes in memory. Tests use it to assert on events.
type Recorder struct {
	mu        sync.Mutex
	envelopes []Envelope
	err       error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent publishes return err without recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Publish(ctx context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.envelopes = append(r.envelopes, env)
	return nil
}

func (r *Recorder) Close() error {
	return nil
}

// Envelopes returns a copy of everything published so far.
func (r *Recorder) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.envelopes))
	copy(out, r.envelopes)
	return out
}

// Types returns the event types published so far, in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.envelopes))
	for _, env := range r.envelopes {
		types = append(types, env.Meta.Type)
	}
	return types
}

var (
	_ Publisher = (*FallbackPublisher)(nil)
	_ Publisher = (*Recorder)(nil)
)
