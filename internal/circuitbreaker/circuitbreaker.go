// Package circuitbreaker stops dispatching to an upstream provider that keeps
// failing, so clients get an immediate 503 instead of waiting on a dead
// connection.
//
// States:
//   - Closed: streams are dispatched normally
//   - Open: dispatch fails fast until Timeout has passed
//   - Half-Open: streams are dispatched again; SuccessThreshold clean
//     completions close the breaker, one failure reopens it
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

type CircuitBreaker interface {
	// Allow returns domain.ErrProviderUnavailable while the breaker is open.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

type Config struct {
	FailureThreshold int           // consecutive failed streams before opening
	SuccessThreshold int           // clean streams to close from half-open
	Timeout          time.Duration // open period before probing again
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// InMemoryCircuitBreaker is the breaker for a single gateway process.
type InMemoryCircuitBreaker struct {
	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	now         func() time.Time
}

func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastFailure) >= cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.successes = 0
		return nil
	}
	return domain.ErrProviderUnavailable
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
	}
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Manager hands out one breaker per provider name.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	config   Config
	factory  func(provider string) CircuitBreaker
}

type ManagerOption func(*Manager)

// WithRedis shares breaker state between gateway processes through client.
// Keys live under "{prefix}:cb:{provider}:".
func WithRedis(client *redis.Client, prefix string) ManagerOption {
	return func(m *Manager) {
		m.factory = func(provider string) CircuitBreaker {
			return NewRedis(client, fmt.Sprintf("%s:cb:%s:", prefix, provider), m.config)
		}
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		config:   cfg,
		factory: func(string) CircuitBreaker {
			return NewInMemory(cfg)
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) Get(provider string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[provider]; ok {
		return existing
	}

	cb = m.factory(provider)
	m.breakers[provider] = cb
	return cb
}

// States reports every breaker created so far.
func (m *Manager) States(ctx context.Context) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.breakers))
	for id, cb := range m.breakers {
		states[id] = cb.State(ctx).String()
	}
	return states
}
