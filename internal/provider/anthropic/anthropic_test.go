package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textDelta(s string) string {
	return fmt.Sprintf(`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, s)
}

func newServer(t *testing.T, got *Request, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		if got != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(got))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
}

func TestStream_TextDeltas(t *testing.T) {
	var got Request
	srv := newServer(t, &got,
		"event: message_start",
		`data: {"type":"message_start","message":{"id":"msg_1"}}`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		textDelta("He"),
		`data: {"type":"ping"}`,
		textDelta("llo"),
		`data: {"type":"message_stop"}`,
		textDelta("after stop"),
	)
	defer srv.Close()

	p := New(domain.ProviderDescriptor{Name: "anthropic", Kind: Kind, BaseURL: srv.URL, APIKey: "key"}, srv.Client())

	rec := providertest.NewRecorder()
	p.Stream(context.Background(), domain.ChatCompletionRequest{
		Model:  "claude-3-5-haiku-20241022",
		Prompt: "hello",
		System: "ground on context",
	}, rec)

	assert.Equal(t, []string{"He", "llo"}, rec.Tokens())
	assert.Equal(t, domain.StreamEnd{}, rec.Last())
	assert.Equal(t, 1, rec.TerminalCount())

	assert.Equal(t, "ground on context", got.System)
	assert.Equal(t, defaultMaxTokens, got.MaxTokens)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
}

func TestStream_InBandError(t *testing.T) {
	srv := newServer(t, nil,
		textDelta("par"),
		`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
	)
	defer srv.Close()

	p := New(domain.ProviderDescriptor{Name: "anthropic", BaseURL: srv.URL, APIKey: "key"}, srv.Client())

	rec := providertest.NewRecorder()
	p.Stream(context.Background(), domain.ChatCompletionRequest{Model: "claude", Prompt: "x"}, rec)

	assert.Equal(t, []string{"par"}, rec.Tokens())
	streamErr, ok := rec.Last().(domain.StreamError)
	require.True(t, ok)
	assert.Contains(t, streamErr.Message, "Overloaded")
	assert.ErrorIs(t, streamErr, domain.ErrUpstreamProtocol)
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantText string
		wantDone bool
	}{
		{"text delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"a"}}`, "a", false},
		{"json delta ignored", `{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{"}}`, "", false},
		{"message delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`, "", false},
		{"stop", `{"type":"message_stop"}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, done, err := DecodeEvent([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.wantDone, done)
		})
	}
}

func TestNewRequest_KeepsExplicitMaxTokens(t *testing.T) {
	req := NewRequest(domain.ChatCompletionRequest{Model: "m", Prompt: "p", MaxTokens: 8000})
	assert.Equal(t, 8000, req.MaxTokens)
	assert.Empty(t, req.System)
}
