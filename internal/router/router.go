package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/auth"
	"github.com/felipepmaragno/kb-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/entitlement"
	"github.com/felipepmaragno/kb-gateway/internal/metrics"
	"github.com/felipepmaragno/kb-gateway/internal/provider"
	"github.com/felipepmaragno/kb-gateway/internal/stream"
	"github.com/felipepmaragno/kb-gateway/internal/telemetry"
	"github.com/felipepmaragno/kb-gateway/internal/thought"
	"github.com/google/uuid"
)

const DefaultTemperature = 0.7

type Option func(*Router)

func WithBufferSize(n int) Option {
	return func(r *Router) { r.bufferSize = n }
}

// WithBreakers fails dispatch fast for providers whose streams keep failing.
func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(r *Router) { r.breakers = m }
}

// Router maps model names to providers and starts completion streams.
type Router struct {
	mu       sync.RWMutex
	catalog  []domain.ProviderDescriptor
	byModel  map[string]domain.ProviderDescriptor
	adapters map[string]provider.Adapter

	checker    entitlement.Checker
	breakers   *circuitbreaker.Manager
	bufferSize int
	wg         sync.WaitGroup
}

// New builds a Router over catalog. adapters is keyed by descriptor name.
// When two descriptors serve the same model the first one wins.
func New(catalog []domain.ProviderDescriptor, adapters map[string]provider.Adapter, checker entitlement.Checker, opts ...Option) *Router {
	if checker == nil {
		checker = entitlement.AllowAll{}
	}

	r := &Router{
		adapters:   adapters,
		checker:    checker,
		bufferSize: stream.DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.setCatalog(catalog)
	return r
}

func (r *Router) setCatalog(catalog []domain.ProviderDescriptor) {
	byModel := make(map[string]domain.ProviderDescriptor)
	for _, d := range catalog {
		for _, m := range d.Models {
			if prev, ok := byModel[m]; ok {
				slog.Warn("model served by more than one provider", "model", m, "provider", prev.Name, "ignored", d.Name)
				continue
			}
			byModel[m] = d
		}
	}

	r.mu.Lock()
	r.catalog = catalog
	r.byModel = byModel
	r.mu.Unlock()
}

// Lookup returns the descriptor serving model.
func (r *Router) Lookup(model string) (domain.ProviderDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byModel[model]
	return d, ok
}

// Dispatch validates req for principal and starts the upstream stream. The
// returned bridge is live immediately; the adapter runs on its own goroutine
// until it delivers the terminal event. ctx is the disconnect handle.
func (r *Router) Dispatch(ctx context.Context, principal auth.Principal, req domain.ChatCompletionRequest) (*stream.Bridge, error) {
	desc, ok := r.Lookup(req.Model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedModel, req.Model)
	}

	allowed, err := r.checker.Allowed(ctx, principal, req.Model)
	if err != nil {
		return nil, fmt.Errorf("check entitlement: %w", err)
	}
	if !allowed {
		metrics.RecordEntitlementDenial(req.Model)
		return nil, fmt.Errorf("%w: %s", domain.ErrCapabilityDenied, req.Model)
	}

	adapter, ok := r.adapters[desc.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, desc.Name)
	}

	var breaker circuitbreaker.CircuitBreaker
	if r.breakers != nil {
		breaker = r.breakers.Get(desc.Name)
		if err := breaker.Allow(ctx); err != nil {
			metrics.RecordRequest(desc.Name, req.Model, "breaker_open")
			return nil, fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, desc.Name)
		}
	}

	req = prepare(req, desc)

	bridge := stream.NewBridge(r.bufferSize, stream.Meta{
		ID:       "chatcmpl-" + uuid.New().String(),
		Model:    req.Model,
		Provider: desc.Name,
	})

	var sink provider.Sink = bridge
	if desc.SegmentThought {
		sink = thought.New(ctx, bridge)
	}

	r.wg.Add(1)
	go r.run(ctx, principal, adapter, breaker, req, bridge.Meta(), sink)

	return bridge, nil
}

func (r *Router) run(ctx context.Context, principal auth.Principal, adapter provider.Adapter, breaker circuitbreaker.CircuitBreaker, req domain.ChatCompletionRequest, meta stream.Meta, sink provider.Sink) {
	defer r.wg.Done()

	ctx, span := telemetry.StartSpan(ctx, "router.Stream")
	defer span.End()
	telemetry.AddRequestAttributes(span, principal.UserID, meta.Provider, meta.Model, meta.ID)

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	start := time.Now()
	obs := &observedSink{next: sink}
	adapter.Stream(ctx, req, obs)

	outcome := obs.outcome(ctx)
	metrics.RecordRequest(meta.Provider, meta.Model, outcome)
	metrics.RecordStreamDuration(meta.Provider, meta.Model, time.Since(start).Seconds())
	telemetry.AddStreamAttributes(span, outcome, obs.events)
	if breaker != nil {
		recordOutcome(context.WithoutCancel(ctx), breaker, outcome)
	}

	if se, ok := obs.terminal.(domain.StreamError); ok {
		telemetry.AddErrorAttribute(span, se)
		slog.Warn("stream failed",
			"request_id", meta.ID,
			"provider", meta.Provider,
			"model", meta.Model,
			"code", se.Code,
			"error", se.Message,
		)
	}
}

// recordOutcome feeds the breaker. A client disconnect says nothing about the
// provider and is not recorded.
func recordOutcome(ctx context.Context, cb circuitbreaker.CircuitBreaker, outcome string) {
	switch outcome {
	case "success":
		cb.RecordSuccess(ctx)
	case "error", "transport_error":
		cb.RecordFailure(ctx)
	}
}

// Wait blocks until every stream started by Dispatch has finished.
func (r *Router) Wait() {
	r.wg.Wait()
}

func prepare(req domain.ChatCompletionRequest, desc domain.ProviderDescriptor) domain.ChatCompletionRequest {
	req.MaxTokens = max(req.MaxTokens, desc.MinMaxTokens)
	if req.Temperature == nil {
		t := DefaultTemperature
		req.Temperature = &t
	}
	return req
}

// Models lists every model in the catalog, in catalog order.
func (r *Router) Models() []domain.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]domain.Model, 0, len(r.byModel))
	for _, d := range r.catalog {
		for _, m := range d.Models {
			if r.byModel[m].Name != d.Name {
				continue
			}
			models = append(models, domain.Model{
				ID:       m,
				Object:   "model",
				OwnedBy:  d.Kind,
				Provider: d.Name,
				Tier:     tierOf(d),
			})
		}
	}
	return models
}

func (r *Router) Providers() []domain.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ProviderDescriptor, len(r.catalog))
	copy(out, r.catalog)
	return out
}

func tierOf(d domain.ProviderDescriptor) domain.Tier {
	if d.Tier == "" {
		return domain.TierFree
	}
	return d.Tier
}

// observedSink counts what passes through so the stream outcome can be
// recorded once the adapter returns. It is only touched from the adapter
// goroutine.
type observedSink struct {
	next     provider.Sink
	events   int
	terminal domain.StreamEvent
}

func (o *observedSink) Emit(ctx context.Context, ev domain.StreamEvent) error {
	o.events++
	return o.next.Emit(ctx, ev)
}

func (o *observedSink) Finish(ev domain.StreamEvent) {
	o.terminal = ev
	o.next.Finish(ev)
}

func (o *observedSink) outcome(ctx context.Context) string {
	switch ev := o.terminal.(type) {
	case domain.StreamError:
		if errors.Is(ev.Err, domain.ErrUpstreamTransport) {
			return "transport_error"
		}
		return "error"
	case domain.StreamEnd:
		if ctx.Err() != nil {
			return "disconnected"
		}
		return "success"
	default:
		return "unterminated"
	}
}
