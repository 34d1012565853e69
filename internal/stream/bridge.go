// Package stream connects an adapter goroutine to the HTTP response that
// relays its output.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/metrics"
	"github.com/felipepmaragno/kb-gateway/internal/provider"
)

const DefaultBufferSize = 64

var ErrClosed = errors.New("stream closed")

// StreamFault is returned by Pump and Collect when the stream terminated with
// a StreamError.
type StreamFault struct {
	Code    int
	Message string
	Err     error
}

func (f *StreamFault) Error() string {
	return f.Message
}

func (f *StreamFault) Unwrap() error {
	return f.Err
}

// Meta labels the frames of one stream.
type Meta struct {
	ID       string
	Model    string
	Provider string
}

// Bridge is the bounded channel between one producer, the adapter, and one
// consumer, the HTTP handler. The producer side implements provider.Sink.
type Bridge struct {
	meta    Meta
	created int64
	events  chan domain.StreamEvent

	closed    chan struct{}
	closeOnce sync.Once
}

var _ provider.Sink = (*Bridge)(nil)

func NewBridge(size int, meta Meta) *Bridge {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Bridge{
		meta:    meta,
		created: time.Now().Unix(),
		events:  make(chan domain.StreamEvent, size),
		closed:  make(chan struct{}),
	}
}

func (b *Bridge) Meta() Meta {
	return b.meta
}

// Emit blocks while the buffer is full. It fails once ctx is done or the
// consumer has closed the bridge.
func (b *Bridge) Emit(ctx context.Context, ev domain.StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return ErrClosed
	}
}

// Finish delivers the terminal event unless the consumer is already gone.
func (b *Bridge) Finish(ev domain.StreamEvent) {
	select {
	case b.events <- ev:
	case <-b.closed:
	}
}

// Close releases a producer blocked in Emit or Finish. It is safe to call
// more than once.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Next blocks until the next event is available.
func (b *Bridge) Next(ctx context.Context) (domain.StreamEvent, error) {
	select {
	case ev := <-b.events:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pump writes events to w as server-sent events until the terminal event.
// Response headers are committed with the first frame, so a fault that
// arrives first is returned with written == false and the caller can still
// answer with an error status. After that the fault is also written as an
// error frame.
func (b *Bridge) Pump(ctx context.Context, w http.ResponseWriter) (written bool, err error) {
	defer b.Close()

	rc := http.NewResponseController(w)
	start := func() {
		if written {
			return
		}
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		written = true
	}

	for {
		ev, err := b.Next(ctx)
		if err != nil {
			return written, err
		}

		switch ev := ev.(type) {
		case domain.TokenDelta:
			start()
			metrics.RecordStreamEvent(b.meta.Provider, "token")
			if err := b.writeFrame(w, b.chunk(domain.Delta{Content: ev.Text})); err != nil {
				return written, err
			}
		case domain.ReasoningBlock:
			start()
			metrics.RecordStreamEvent(b.meta.Provider, "reasoning")
			if err := b.writeFrame(w, b.chunk(domain.Delta{ReasoningContent: ev.Text})); err != nil {
				return written, err
			}
		case domain.StreamError:
			metrics.RecordStreamEvent(b.meta.Provider, "error")
			fault := &StreamFault{Code: ev.Code, Message: ev.Message, Err: ev}
			if written {
				_ = b.writeFrame(w, errorFrame(ev))
				_ = rc.Flush()
			}
			return written, fault
		case domain.StreamEnd:
			start()
			metrics.RecordStreamEvent(b.meta.Provider, "end")
			if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
				return written, err
			}
			_ = rc.Flush()
			return written, nil
		}

		if err := rc.Flush(); err != nil {
			return written, fmt.Errorf("%w: %v", domain.ErrStreamingNotSupported, err)
		}
	}
}

// Collect drains the stream into a single response for clients that did not
// ask for streaming.
func (b *Bridge) Collect(ctx context.Context) (*domain.ChatCompletionResponse, error) {
	defer b.Close()

	var content, reasoning strings.Builder
	for {
		ev, err := b.Next(ctx)
		if err != nil {
			return nil, err
		}

		switch ev := ev.(type) {
		case domain.TokenDelta:
			content.WriteString(ev.Text)
		case domain.ReasoningBlock:
			reasoning.WriteString(ev.Text)
		case domain.StreamError:
			return nil, &StreamFault{Code: ev.Code, Message: ev.Message, Err: ev}
		case domain.StreamEnd:
			return &domain.ChatCompletionResponse{
				ID:      b.meta.ID,
				Object:  "chat.completion",
				Created: b.created,
				Model:   b.meta.Model,
				Choices: []domain.ResponseChoice{{
					Index:            0,
					Message:          domain.Message{Role: "assistant", Content: content.String()},
					ReasoningContent: reasoning.String(),
					FinishReason:     "stop",
				}},
			}, nil
		}
	}
}

func (b *Bridge) chunk(delta domain.Delta) domain.StreamChunk {
	return domain.StreamChunk{
		ID:      b.meta.ID,
		Object:  "chat.completion.chunk",
		Created: b.created,
		Model:   b.meta.Model,
		Choices: []domain.Choice{{
			Index: 0,
			Delta: &delta,
		}},
	}
}

func (b *Bridge) writeFrame(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

func errorFrame(ev domain.StreamError) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": ev.Message,
			"type":    "upstream_error",
			"code":    ev.Code,
		},
	}
}
