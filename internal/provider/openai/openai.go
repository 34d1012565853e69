// Package openai streams completions from OpenAI-compatible chat endpoints:
// OpenAI itself, DeepSeek, and Azure OpenAI deployments.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/provider"
	"github.com/felipepmaragno/kb-gateway/internal/provider/linestream"
)

const (
	KindOpenAI = "openai"
	KindAzure  = "azure"

	defaultAzureAPIVersion = "2024-05-01-preview"
)

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
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature"`
	Stream      bool             `json:"stream"`
}

func (p *Provider) Stream(ctx context.Context, req domain.ChatCompletionRequest, sink provider.Sink) {
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages(),
		MaxTokens:   req.MaxTokens,
		Temperature: req.TemperatureOr(0),
		Stream:      true,
	})
	if err != nil {
		sink.Finish(provider.RequestFailed(p.desc.Name, fmt.Errorf("marshal request: %w", err)))
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(req.Model), bytes.NewReader(body))
	if err != nil {
		sink.Finish(provider.RequestFailed(p.desc.Name, fmt.Errorf("create request: %w", err)))
		return
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.desc.Kind == KindAzure {
		httpReq.Header.Set("api-key", p.desc.APIKey)
	} else if p.desc.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.desc.APIKey)
	}

	linestream.Relay(ctx, p.client, httpReq, linestream.Options{
		Provider: p.desc.Name,
		Prefix:   "data:",
		Sentinel: "[DONE]",
	}, DecodeChunk, sink)
}

// endpoint builds the chat completions URL. Azure addresses deployments by
// name in the path and versions the API through a query parameter.
func (p *Provider) endpoint(model string) string {
	base := strings.TrimRight(p.desc.BaseURL, "/")
	if p.desc.Kind != KindAzure {
		return base + "/chat/completions"
	}

	version := p.desc.APIVersion
	if version == "" {
		version = defaultAzureAPIVersion
	}
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		base, url.PathEscape(model), url.QueryEscape(version))
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// DecodeChunk extracts choices[0].delta.content from one chunk payload.
// Chunks without choices (Azure sends a prompt filter preamble) carry no text.
func DecodeChunk(payload []byte) (string, bool, error) {
	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", false, fmt.Errorf("decode chunk: %w", err)
	}
	if chunk.Error != nil {
		return "", false, &linestream.Fault{Message: chunk.Error.Message}
	}
	if len(chunk.Choices) == 0 {
		return "", false, nil
	}
	return chunk.Choices[0].Delta.Content, false, nil
}
