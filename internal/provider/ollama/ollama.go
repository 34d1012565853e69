package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/provider"
	"github.com/felipepmaragno/kb-gateway/internal/provider/linestream"
)

const Kind = "ollama"

type Provider struct {
	desc   domain.ProviderDescriptor
	client *http.Client
}

func New(desc domain.ProviderDescriptor, client *http.Client) *Provider {
	return &Provider{
		desc:   desc,
		client: client,
	}
}

func (p *Provider) ID() string {
	return p.desc.Name
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  *options         `json:"options,omitempty"`
}

type options struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// Stream relays /api/chat, which answers with newline-delimited JSON objects
// rather than SSE frames.
func (p *Provider) Stream(ctx context.Context, req domain.ChatCompletionRequest, sink provider.Sink) {
	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: req.Messages(),
		Stream:   true,
		Options: &options{
			Temperature: req.TemperatureOr(0),
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		sink.Finish(provider.RequestFailed(p.desc.Name, fmt.Errorf("marshal request: %w", err)))
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.desc.BaseURL, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		sink.Finish(provider.RequestFailed(p.desc.Name, fmt.Errorf("create request: %w", err)))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	linestream.Relay(ctx, p.client, httpReq, linestream.Options{
		Provider: p.desc.Name,
	}, DecodeLine, sink)
}

type streamChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func DecodeLine(payload []byte) (string, bool, error) {
	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", false, fmt.Errorf("decode line: %w", err)
	}
	if chunk.Error != "" {
		return "", false, &linestream.Fault{Message: chunk.Error}
	}
	return chunk.Message.Content, chunk.Done, nil
}
