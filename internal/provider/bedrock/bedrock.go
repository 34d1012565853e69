package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/metrics"
	"github.com/felipepmaragno/kb-gateway/internal/provider"
	"github.com/felipepmaragno/kb-gateway/internal/provider/anthropic"
	"github.com/felipepmaragno/kb-gateway/internal/provider/linestream"
)

const (
	Kind = "bedrock"

	anthropicVersion = "bedrock-2023-05-31"
)

// EventReader is the part of the SDK event stream the adapter consumes.
// *bedrockruntime.InvokeModelWithResponseStreamEventStream satisfies it.
type EventReader interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

// Invoker opens a response stream for one model invocation.
type Invoker interface {
	Open(ctx context.Context, modelID string, body []byte) (EventReader, error)
}

type sdkInvoker struct {
	client *bedrockruntime.Client
}

func (s sdkInvoker) Open(ctx context.Context, modelID string, body []byte) (EventReader, error) {
	output, err := s.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	return output.GetStream(), nil
}

type Provider struct {
	desc    domain.ProviderDescriptor
	invoker Invoker
}

func New(ctx context.Context, desc domain.ProviderDescriptor) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(desc.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(desc, cfg), nil
}

func NewWithConfig(desc domain.ProviderDescriptor, cfg aws.Config) *Provider {
	return NewWithInvoker(desc, sdkInvoker{client: bedrockruntime.NewFromConfig(cfg)})
}

func NewWithInvoker(desc domain.ProviderDescriptor, invoker Invoker) *Provider {
	return &Provider{
		desc:    desc,
		invoker: invoker,
	}
}

func (p *Provider) ID() string {
	return p.desc.Name
}

func (p *Provider) Stream(ctx context.Context, req domain.ChatCompletionRequest, sink provider.Sink) {
	modelID := mapModelID(req.Model)
	family := familyOf(modelID)

	body, err := family.encode(req)
	if err != nil {
		sink.Finish(provider.RequestFailed(p.desc.Name, fmt.Errorf("marshal request: %w", err)))
		return
	}

	stream, err := p.invoker.Open(ctx, modelID, body)
	if err != nil {
		if ctx.Err() != nil {
			metrics.RecordClientDisconnect(p.desc.Name)
			sink.Finish(provider.Disconnected())
			return
		}
		metrics.RecordProviderError(p.desc.Name, "transport")
		sink.Finish(domain.StreamError{
			Code:    http.StatusBadGateway,
			Message: fmt.Sprintf("%s: invoke model stream: %v", p.desc.Name, err),
			Err:     fmt.Errorf("%w: %v", domain.ErrUpstreamTransport, err),
		})
		return
	}
	defer stream.Close()

	p.consume(ctx, stream, family.decode, sink)
}

func (p *Provider) consume(ctx context.Context, stream EventReader, decode linestream.Decoder, sink provider.Sink) {
	events := stream.Events()
	for {
		var event types.ResponseStream
		var ok bool
		select {
		case <-ctx.Done():
			metrics.RecordClientDisconnect(p.desc.Name)
			sink.Finish(provider.Disconnected())
			return
		case event, ok = <-events:
		}
		if !ok {
			break
		}
		// An event received together with cancellation is dropped.
		if ctx.Err() != nil {
			metrics.RecordClientDisconnect(p.desc.Name)
			sink.Finish(provider.Disconnected())
			return
		}

		chunk, isChunk := event.(*types.ResponseStreamMemberChunk)
		if !isChunk {
			continue
		}

		text, done, err := decode(chunk.Value.Bytes)
		if err != nil {
			var fault *linestream.Fault
			if errors.As(err, &fault) {
				metrics.RecordProviderError(p.desc.Name, "in_band")
				sink.Finish(domain.StreamError{
					Code:    http.StatusBadGateway,
					Message: fmt.Sprintf("%s: %s", p.desc.Name, fault.Message),
					Err:     fmt.Errorf("%w: %s", domain.ErrUpstreamProtocol, fault.Message),
				})
				return
			}
			slog.Warn("skipping malformed bedrock chunk",
				"provider", p.desc.Name,
				"error", err,
			)
			metrics.RecordMalformedLine(p.desc.Name)
			continue
		}

		if text != "" {
			if err := sink.Emit(ctx, domain.TokenDelta{Text: text}); err != nil {
				metrics.RecordClientDisconnect(p.desc.Name)
				sink.Finish(provider.Disconnected())
				return
			}
		}
		if done {
			break
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			metrics.RecordClientDisconnect(p.desc.Name)
			sink.Finish(provider.Disconnected())
			return
		}
		metrics.RecordProviderError(p.desc.Name, "transport")
		sink.Finish(domain.StreamError{
			Code:    http.StatusBadGateway,
			Message: fmt.Sprintf("%s: stream: %v", p.desc.Name, err),
			Err:     fmt.Errorf("%w: %v", domain.ErrUpstreamTransport, err),
		})
		return
	}

	sink.Finish(domain.StreamEnd{})
}

// modelFamily pairs the request encoding and chunk decoding of one vendor's
// models hosted on Bedrock.
type modelFamily struct {
	encode func(domain.ChatCompletionRequest) ([]byte, error)
	decode linestream.Decoder
}

func familyOf(modelID string) modelFamily {
	if strings.HasPrefix(modelID, "meta.") || strings.Contains(modelID, ".meta.") {
		return modelFamily{encode: encodeLlama, decode: decodeLlama}
	}
	return modelFamily{encode: encodeClaude, decode: anthropic.DecodeEvent}
}

func encodeClaude(req domain.ChatCompletionRequest) ([]byte, error) {
	r := anthropic.NewRequest(req)
	r.Model = ""
	r.Stream = false
	r.AnthropicVersion = anthropicVersion
	return json.Marshal(r)
}

type llamaRequest struct {
	Prompt      string  `json:"prompt"`
	MaxGenLen   int     `json:"max_gen_len,omitempty"`
	Temperature float64 `json:"temperature"`
}

func encodeLlama(req domain.ChatCompletionRequest) ([]byte, error) {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")
	for _, m := range req.Messages() {
		fmt.Fprintf(&b, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>", m.Role, m.Content)
	}
	b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")

	return json.Marshal(llamaRequest{
		Prompt:      b.String(),
		MaxGenLen:   req.MaxTokens,
		Temperature: req.TemperatureOr(0),
	})
}

type llamaChunk struct {
	Generation string  `json:"generation"`
	StopReason *string `json:"stop_reason"`
}

func decodeLlama(payload []byte) (string, bool, error) {
	var c llamaChunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", false, fmt.Errorf("decode chunk: %w", err)
	}
	return c.Generation, c.StopReason != nil && *c.StopReason != "", nil
}

func mapModelID(model string) string {
	modelMap := map[string]string{
		"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
		"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
		"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
		"llama3-70b":        "meta.llama3-70b-instruct-v1:0",
		"llama3-8b":         "meta.llama3-8b-instruct-v1:0",
	}

	if mapped, ok := modelMap[model]; ok {
		return mapped
	}
	return model
}
