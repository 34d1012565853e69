package anthropic

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

const (
	Kind = "anthropic"

	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type Provider struct {
	desc   domain.ProviderDescriptor
	client *http.Client
}

func New(desc domain.ProviderDescriptor, client *http.Client) *Provider {
	if desc.BaseURL == "" {
		desc.BaseURL = defaultBaseURL
	}
	return &Provider{
		desc:   desc,
		client: client,
	}
}

func (p *Provider) ID() string {
	return p.desc.Name
}

func (p *Provider) Stream(ctx context.Context, req domain.ChatCompletionRequest, sink provider.Sink) {
	body, err := json.Marshal(NewRequest(req))
	if err != nil {
		sink.Finish(provider.RequestFailed(p.desc.Name, fmt.Errorf("marshal request: %w", err)))
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.desc.BaseURL, "/")+"/messages", bytes.NewReader(body))
	if err != nil {
		sink.Finish(provider.RequestFailed(p.desc.Name, fmt.Errorf("create request: %w", err)))
		return
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.desc.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	linestream.Relay(ctx, p.client, httpReq, linestream.Options{
		Provider: p.desc.Name,
		Prefix:   "data:",
	}, DecodeEvent, sink)
}

// Request is the Messages API body. Bedrock reuses it for Claude models, in
// which case Model is empty and AnthropicVersion is set.
type Request struct {
	AnthropicVersion string    `json:"anthropic_version,omitempty"`
	Model            string    `json:"model,omitempty"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature"`
	Stream           bool      `json:"stream,omitempty"`
	System           string    `json:"system,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func NewRequest(req domain.ChatCompletionRequest) Request {
	var system string
	messages := make([]Message, 0, 1)
	for _, m := range req.Messages() {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, Message{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return Request{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.TemperatureOr(0),
		Stream:      true,
		System:      system,
	}
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// DecodeEvent extracts text from one Messages stream event. Only text deltas
// carry content; message_stop ends the stream.
func DecodeEvent(payload []byte) (string, bool, error) {
	var event streamEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return "", false, fmt.Errorf("decode event: %w", err)
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta != nil && event.Delta.Type == "text_delta" {
			return event.Delta.Text, false, nil
		}
	case "message_stop":
		return "", true, nil
	case "error":
		msg := "unknown error"
		if event.Error != nil {
			msg = event.Error.Type + ": " + event.Error.Message
		}
		return "", false, &linestream.Fault{Message: msg}
	}
	return "", false, nil
}
