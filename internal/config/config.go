package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/secrets"
	"gopkg.in/yaml.v3"
)

const defaultSystemPrompt = "You are an AI assistant. Answer the user's question."

type Config struct {
	Addr         string
	LogLevel     string
	InstanceID   string
	RedisURL     string
	DatabaseURL  string
	OTLPEndpoint string
	AWSRegion    string

	ProvidersFile string
	Providers     []domain.ProviderDescriptor
	SystemPrompt  string

	AuthEnabled bool
	JWTSecret   string
	JWTIssuer   string
	TokenTTL    time.Duration

	GraphRoot          string
	GraphCacheCapacity int
	GraphCacheTTL      time.Duration
	GraphSweepInterval time.Duration
	// Redis expiry on freshness records; 0 keeps them until deleted.
	GraphRecordExpiry  time.Duration
	RedisKeyPrefix     string
	GraphTopK          int
	GraphWordBudget    int

	// Cross-process release broadcast
	ReleaseTopicARN string
	ReleaseQueueURL string

	StreamHeaderTimeout time.Duration
	StreamBufferSize    int

	// Completions per user per minute; 0 disables the limit.
	ChatRateLimitRPM int

	BreakerFailureThreshold int
	BreakerTimeout          time.Duration

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		Addr:         getEnv("ADDR", ":8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		InstanceID:   getEnv("INSTANCE_ID", hostname),
		RedisURL:     getEnv("REDIS_URL", ""),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:    getEnv("AWS_REGION", ""),

		ProvidersFile: getEnv("PROVIDERS_FILE", ""),
		SystemPrompt:  getEnv("SYSTEM_PROMPT", defaultSystemPrompt),

		AuthEnabled: getEnv("AUTH_ENABLED", "true") == "true",
		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "kb-gateway"),
		TokenTTL:    getDurationEnv("TOKEN_TTL", 24*time.Hour),

		GraphRoot:          getEnv("GRAPH_ROOT", "./cache_graph"),
		GraphCacheCapacity: getIntEnv("GRAPH_CACHE_CAPACITY", 5),
		GraphCacheTTL:      getDurationEnv("GRAPH_CACHE_TTL", 300*time.Second),
		GraphSweepInterval: getDurationEnv("GRAPH_SWEEP_INTERVAL", 600*time.Second),
		GraphRecordExpiry:  getDurationEnv("GRAPH_RECORD_EXPIRY", 0),
		RedisKeyPrefix:     getEnv("REDIS_KEY_PREFIX", "kb-manager"),
		GraphTopK:          getIntEnv("GRAPH_TOP_K", 10),
		GraphWordBudget:    getIntEnv("GRAPH_WORD_BUDGET", 5000),

		ReleaseTopicARN: getEnv("RELEASE_TOPIC_ARN", ""),
		ReleaseQueueURL: getEnv("RELEASE_QUEUE_URL", ""),

		StreamHeaderTimeout: getDurationEnv("STREAM_HEADER_TIMEOUT", 60*time.Second),
		StreamBufferSize:    getIntEnv("STREAM_BUFFER_SIZE", 64),

		ChatRateLimitRPM: getIntEnv("CHAT_RATE_LIMIT_RPM", 0),

		BreakerFailureThreshold: getIntEnv("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerTimeout:          getDurationEnv("BREAKER_TIMEOUT", 30*time.Second),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:    getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	if cfg.AuthEnabled && cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required when AUTH_ENABLED is true")
	}

	if cfg.ProvidersFile != "" {
		providers, err := LoadCatalog(cfg.ProvidersFile)
		if err != nil {
			return nil, err
		}
		cfg.Providers = providers
	} else {
		cfg.Providers = DefaultCatalog()
	}

	return cfg, nil
}

// LoadCatalog reads a YAML provider catalog. Environment references such as
// ${DEEPSEEK_API_KEY} are expanded before parsing.
func LoadCatalog(path string) ([]domain.ProviderDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) ([]domain.ProviderDescriptor, error) {
	var file struct {
		Providers []domain.ProviderDescriptor `yaml:"providers"`
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	seen := make(map[string]bool)
	for i := range file.Providers {
		d := &file.Providers[i]
		if d.Name == "" || d.Kind == "" {
			return nil, fmt.Errorf("provider %d: name and kind are required", i)
		}
		if len(d.Models) == 0 {
			return nil, fmt.Errorf("provider %s: no models", d.Name)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("provider %s: duplicate name", d.Name)
		}
		seen[d.Name] = true

		if d.Transport == "" {
			d.Transport = domain.TransportChunkedHTTP
			if d.Kind == "bedrock" {
				d.Transport = domain.TransportSDK
			}
		}
		if d.Tier == "" {
			d.Tier = domain.TierFree
		}
	}
	return file.Providers, nil
}

// DefaultCatalog serves DeepSeek-V3/R1 over the DeepSeek chat API and
// gpt-4o-mini/gpt-4o through Azure OpenAI.
func DefaultCatalog() []domain.ProviderDescriptor {
	deepseekURL := getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com")
	deepseekKey := getEnv("DEEPSEEK_API_KEY", "")

	return []domain.ProviderDescriptor{
		{
			Name:         "deepseek",
			Kind:         "openai",
			Transport:    domain.TransportChunkedHTTP,
			BaseURL:      deepseekURL,
			APIKey:       deepseekKey,
			Models:       []string{"DeepSeek-V3"},
			MinMaxTokens: 4096,
			Tier:         domain.TierFree,
		},
		{
			Name:           "deepseek-reasoner",
			Kind:           "openai",
			Transport:      domain.TransportChunkedHTTP,
			BaseURL:        deepseekURL,
			APIKey:         deepseekKey,
			Models:         []string{"DeepSeek-R1"},
			MinMaxTokens:   4096,
			Tier:           domain.TierPremium,
			SegmentThought: true,
		},
		{
			Name:         "azure",
			Kind:         "azure",
			Transport:    domain.TransportChunkedHTTP,
			BaseURL:      getEnv("AZURE_OPENAI_ENDPOINT", ""),
			APIKey:       getEnv("AZURE_OPENAI_API_KEY", ""),
			APIVersion:   getEnv("AZURE_OPENAI_API_VERSION", "2024-08-01-preview"),
			Models:       []string{"gpt-4o-mini", "gpt-4o"},
			MinMaxTokens: 4096,
			Tier:         domain.TierPremium,
		},
	}
}

// NeedsSecrets reports whether any provider credential is a secret reference.
func (c *Config) NeedsSecrets() bool {
	for _, d := range c.Providers {
		if secrets.IsRef(d.APIKey) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces secret references in provider credentials.
func (c *Config) ResolveSecrets(ctx context.Context, store secrets.SecretStore) error {
	for i := range c.Providers {
		d := &c.Providers[i]
		key, err := secrets.Resolve(ctx, store, d.APIKey)
		if err != nil {
			return fmt.Errorf("provider %s: %w", d.Name, err)
		}
		d.APIKey = key
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts whole seconds or a time.ParseDuration string.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
