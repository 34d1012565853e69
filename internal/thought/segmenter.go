// Package thought separates a model's <think>...</think> reasoning from its
// answer in a token stream.
package thought

import (
	"context"
	"strings"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/provider"
)

const (
	StartMarker = "<think>"
	EndMarker   = "</think>"
)

// Segmenter is a provider.Sink that rewrites TokenDelta events. Text outside
// markers passes through as TokenDelta; text between markers is buffered and
// emitted as a single ReasoningBlock when the end marker arrives. Markers may
// be split across any number of deltas.
//
// A Segmenter serves one stream and is not safe for concurrent use.
type Segmenter struct {
	ctx  context.Context
	next provider.Sink

	inside    bool
	pending   string
	reasoning strings.Builder
}

var _ provider.Sink = (*Segmenter)(nil)

// New wraps next. ctx is used for events the segmenter emits while finishing.
func New(ctx context.Context, next provider.Sink) *Segmenter {
	return &Segmenter{ctx: ctx, next: next}
}

func (s *Segmenter) Emit(ctx context.Context, ev domain.StreamEvent) error {
	delta, ok := ev.(domain.TokenDelta)
	if !ok {
		return s.next.Emit(ctx, ev)
	}
	s.pending += delta.Text
	return s.drain(ctx)
}

// Finish flushes held-back text, and an unterminated reasoning block, ahead of
// the terminal event. Nothing is flushed once the stream context is done.
func (s *Segmenter) Finish(ev domain.StreamEvent) {
	if s.ctx.Err() != nil {
		s.pending = ""
		s.reasoning.Reset()
	} else if s.inside {
		s.reasoning.WriteString(s.pending)
		s.pending = ""
		if s.reasoning.Len() > 0 {
			_ = s.next.Emit(s.ctx, domain.ReasoningBlock{Text: s.reasoning.String()})
		}
		s.reasoning.Reset()
	} else if s.pending != "" {
		_ = s.next.Emit(s.ctx, domain.TokenDelta{Text: s.pending})
		s.pending = ""
	}
	s.next.Finish(ev)
}

func (s *Segmenter) drain(ctx context.Context) error {
	for {
		if !s.inside {
			if i := strings.Index(s.pending, StartMarker); i >= 0 {
				if err := s.forward(ctx, s.pending[:i]); err != nil {
					return err
				}
				s.pending = s.pending[i+len(StartMarker):]
				s.inside = true
				continue
			}
			cut := len(s.pending) - heldBack(s.pending, StartMarker)
			text := s.pending[:cut]
			s.pending = s.pending[cut:]
			return s.forward(ctx, text)
		}

		if i := strings.Index(s.pending, EndMarker); i >= 0 {
			s.reasoning.WriteString(s.pending[:i])
			s.pending = s.pending[i+len(EndMarker):]
			s.inside = false
			block := s.reasoning.String()
			s.reasoning.Reset()
			if block != "" {
				if err := s.next.Emit(ctx, domain.ReasoningBlock{Text: block}); err != nil {
					return err
				}
			}
			continue
		}
		cut := len(s.pending) - heldBack(s.pending, EndMarker)
		s.reasoning.WriteString(s.pending[:cut])
		s.pending = s.pending[cut:]
		return nil
	}
}

func (s *Segmenter) forward(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	return s.next.Emit(ctx, domain.TokenDelta{Text: text})
}

// heldBack returns the length of the longest suffix of s that is a proper
// prefix of marker.
func heldBack(s, marker string) int {
	n := len(marker) - 1
	if len(s) < n {
		n = len(s)
	}
	for k := n; k > 0; k-- {
		if strings.HasSuffix(s, marker[:k]) {
			return k
		}
	}
	return 0
}
