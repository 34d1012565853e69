package router

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/httputil"
	"github.com/felipepmaragno/kb-gateway/internal/provider"
	"github.com/felipepmaragno/kb-gateway/internal/provider/anthropic"
	"github.com/felipepmaragno/kb-gateway/internal/provider/bedrock"
	"github.com/felipepmaragno/kb-gateway/internal/provider/ollama"
	"github.com/felipepmaragno/kb-gateway/internal/provider/openai"
)

// DefaultHeaderTimeout bounds the wait for upstream response headers.
const DefaultHeaderTimeout = 60 * time.Second

// NewAdapter builds the adapter for desc. client is shared by every
// chunked-HTTP adapter; nil selects a streaming client.
func NewAdapter(ctx context.Context, desc domain.ProviderDescriptor, client *http.Client) (provider.Adapter, error) {
	if client == nil {
		client = httputil.StreamingClient(DefaultHeaderTimeout)
	}

	switch desc.Kind {
	case openai.KindOpenAI, openai.KindAzure:
		return openai.New(desc, client), nil
	case anthropic.Kind:
		return anthropic.New(desc, client), nil
	case ollama.Kind:
		return ollama.New(desc, client), nil
	case bedrock.Kind:
		return bedrock.New(ctx, desc)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q for %s", domain.ErrProviderNotFound, desc.Kind, desc.Name)
	}
}

// NewAdapters builds one adapter per descriptor, keyed by descriptor name.
func NewAdapters(ctx context.Context, catalog []domain.ProviderDescriptor, client *http.Client) (map[string]provider.Adapter, error) {
	if client == nil {
		client = httputil.StreamingClient(DefaultHeaderTimeout)
	}

	adapters := make(map[string]provider.Adapter, len(catalog))
	for _, desc := range catalog {
		a, err := NewAdapter(ctx, desc, client)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", desc.Name, err)
		}
		adapters[desc.Name] = a
	}
	return adapters, nil
}
