// Package providertest provides a recording provider.Sink for adapter tests.
package providertest

import (
	"context"
	"sync"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
)

// Recorder captures every event an adapter produces, in order.
type Recorder struct {
	mu       sync.Mutex
	events   []domain.StreamEvent
	finished chan struct{}

	// OnEmit, when set, runs after each content event is recorded.
	OnEmit func(n int)
}

func NewRecorder() *Recorder {
	return &Recorder{finished: make(chan struct{})}
}

func (r *Recorder) Emit(ctx context.Context, ev domain.StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	n := len(r.events)
	hook := r.OnEmit
	r.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

func (r *Recorder) Finish(ev domain.StreamEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	close(r.finished)
}

// Done is closed once Finish has been called.
func (r *Recorder) Done() <-chan struct{} {
	return r.finished
}

func (r *Recorder) Events() []domain.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.StreamEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Tokens joins the text of all TokenDelta events.
func (r *Recorder) Tokens() []string {
	var out []string
	for _, ev := range r.Events() {
		if td, ok := ev.(domain.TokenDelta); ok {
			out = append(out, td.Text)
		}
	}
	return out
}

// TerminalCount returns how many terminal events were recorded.
func (r *Recorder) TerminalCount() int {
	n := 0
	for _, ev := range r.Events() {
		if domain.IsTerminal(ev) {
			n++
		}
	}
	return n
}

// Last returns the final recorded event, or nil.
func (r *Recorder) Last() domain.StreamEvent {
	events := r.Events()
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}
