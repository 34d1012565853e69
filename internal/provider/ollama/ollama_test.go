package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_NDJSON(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"He"},"done":false}`+"\n")
		io.WriteString(w, "not json\n")
		io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"llo"},"done":false}`+"\n")
		io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"eval_count":2}`+"\n")
	}))
	defer srv.Close()

	p := New(domain.ProviderDescriptor{Name: "ollama", Kind: Kind, BaseURL: srv.URL}, srv.Client())

	rec := providertest.NewRecorder()
	p.Stream(context.Background(), domain.ChatCompletionRequest{Model: "llama3", Prompt: "hi", MaxTokens: 4096}, rec)

	assert.Equal(t, []string{"He", "llo"}, rec.Tokens())
	assert.Equal(t, domain.StreamEnd{}, rec.Last())
	assert.Equal(t, 1, rec.TerminalCount())

	assert.True(t, got.Stream)
	require.NotNil(t, got.Options)
	assert.Equal(t, 4096, got.Options.NumPredict)
}

func TestStream_ErrorLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error":"model 'llama9' not found"}`+"\n")
	}))
	defer srv.Close()

	p := New(domain.ProviderDescriptor{Name: "ollama", BaseURL: srv.URL}, srv.Client())

	rec := providertest.NewRecorder()
	p.Stream(context.Background(), domain.ChatCompletionRequest{Model: "llama9", Prompt: "hi"}, rec)

	require.Len(t, rec.Events(), 1)
	streamErr, ok := rec.Last().(domain.StreamError)
	require.True(t, ok)
	assert.Contains(t, streamErr.Message, "not found")
}

func TestStream_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	p := New(domain.ProviderDescriptor{Name: "ollama", BaseURL: base}, http.DefaultClient)

	rec := providertest.NewRecorder()
	p.Stream(context.Background(), domain.ChatCompletionRequest{Model: "llama3", Prompt: "hi"}, rec)

	streamErr, ok := rec.Last().(domain.StreamError)
	require.True(t, ok)
	assert.ErrorIs(t, streamErr, domain.ErrUpstreamTransport)
	assert.Equal(t, http.StatusBadGateway, streamErr.Code)
}
