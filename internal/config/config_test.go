package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/felipepmaragno/kb-gateway/internal/secrets"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{
		"ADDR", "LOG_LEVEL", "REDIS_URL", "DATABASE_URL", "OTLP_ENDPOINT", "AWS_REGION",
		"PROVIDERS_FILE", "AUTH_ENABLED", "JWT_SECRET", "TOKEN_TTL", "GRAPH_ROOT",
		"GRAPH_CACHE_CAPACITY", "GRAPH_CACHE_TTL", "GRAPH_SWEEP_INTERVAL", "REDIS_KEY_PREFIX",
		"DEEPSEEK_BASE_URL", "DEEPSEEK_API_KEY", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_API_KEY",
		"CHAT_RATE_LIMIT_RPM", "BREAKER_FAILURE_THRESHOLD", "BREAKER_TIMEOUT", "GRAPH_RECORD_EXPIRY",
	} {
		t.Setenv(v, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Addr", cfg.Addr, ":8080"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"RedisURL", cfg.RedisURL, ""},
		{"GraphRoot", cfg.GraphRoot, "./cache_graph"},
		{"RedisKeyPrefix", cfg.RedisKeyPrefix, "kb-manager"},
		{"JWTIssuer", cfg.JWTIssuer, "kb-gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}

	if !cfg.AuthEnabled {
		t.Error("AuthEnabled should default to true")
	}
	if cfg.GraphCacheCapacity != 5 {
		t.Errorf("GraphCacheCapacity = %d, want 5", cfg.GraphCacheCapacity)
	}
	if cfg.GraphCacheTTL != 300*time.Second {
		t.Errorf("GraphCacheTTL = %v, want 5m", cfg.GraphCacheTTL)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Errorf("TokenTTL = %v, want 24h", cfg.TokenTTL)
	}
	if cfg.GraphRecordExpiry != 0 {
		t.Errorf("GraphRecordExpiry = %v, want 0", cfg.GraphRecordExpiry)
	}
	if cfg.ChatRateLimitRPM != 0 {
		t.Errorf("ChatRateLimitRPM = %d, want 0", cfg.ChatRateLimitRPM)
	}
	if cfg.BreakerFailureThreshold != 5 || cfg.BreakerTimeout != 30*time.Second {
		t.Errorf("breaker = %d/%v, want 5/30s", cfg.BreakerFailureThreshold, cfg.BreakerTimeout)
	}
	if len(cfg.Providers) != 3 {
		t.Fatalf("default catalog has %d providers, want 3", len(cfg.Providers))
	}
}

func TestLoad_RequiresJWTSecret(t *testing.T) {
	clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail without JWT_SECRET while auth is enabled")
	}

	t.Setenv("AUTH_ENABLED", "false")
	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v with auth disabled", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADDR", ":9090")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("GRAPH_CACHE_CAPACITY", "12")
	t.Setenv("GRAPH_CACHE_TTL", "90")
	t.Setenv("GRAPH_SWEEP_INTERVAL", "2m")
	t.Setenv("TOKEN_TTL", "not-a-duration")
	t.Setenv("CHAT_RATE_LIMIT_RPM", "30")
	t.Setenv("GRAPH_RECORD_EXPIRY", "1h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.GraphCacheCapacity != 12 {
		t.Errorf("GraphCacheCapacity = %d, want 12", cfg.GraphCacheCapacity)
	}
	if cfg.GraphCacheTTL != 90*time.Second {
		t.Errorf("GraphCacheTTL = %v, want 90s", cfg.GraphCacheTTL)
	}
	if cfg.GraphRecordExpiry != time.Hour {
		t.Errorf("GraphRecordExpiry = %v, want 1h", cfg.GraphRecordExpiry)
	}
	if cfg.ChatRateLimitRPM != 30 {
		t.Errorf("ChatRateLimitRPM = %d, want 30", cfg.ChatRateLimitRPM)
	}
	if cfg.GraphSweepInterval != 2*time.Minute {
		t.Errorf("GraphSweepInterval = %v, want 2m", cfg.GraphSweepInterval)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Errorf("TokenTTL = %v, want default for an unparsable value", cfg.TokenTTL)
	}
}

func TestDefaultCatalog(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEEPSEEK_API_KEY", "sk-ds")

	catalog := DefaultCatalog()
	byModel := make(map[string]domain.ProviderDescriptor)
	for _, d := range catalog {
		for _, m := range d.Models {
			byModel[m] = d
		}
	}

	r1, ok := byModel["DeepSeek-R1"]
	if !ok {
		t.Fatal("DeepSeek-R1 missing from default catalog")
	}
	if !r1.SegmentThought || r1.Tier != domain.TierPremium {
		t.Errorf("DeepSeek-R1 = %+v, want premium with thought segmentation", r1)
	}
	if r1.APIKey != "sk-ds" {
		t.Errorf("DeepSeek-R1 APIKey = %q", r1.APIKey)
	}

	v3 := byModel["DeepSeek-V3"]
	if v3.Tier != domain.TierFree || v3.MinMaxTokens != 4096 {
		t.Errorf("DeepSeek-V3 = %+v, want free tier with a 4096 floor", v3)
	}

	if az := byModel["gpt-4o-mini"]; az.Kind != "azure" || az.APIVersion == "" {
		t.Errorf("gpt-4o-mini = %+v, want an azure deployment", az)
	}
}

const catalogYAML = `
providers:
  - name: deepseek
    kind: openai
    base_url: https://api.deepseek.com
    api_key: ${TEST_DEEPSEEK_KEY}
    models: [DeepSeek-V3]
    min_max_tokens: 4096
  - name: bedrock
    kind: bedrock
    region: us-east-1
    models: [claude-3-sonnet, llama3-70b]
    tier: premium
  - name: vault
    kind: anthropic
    api_key: secret://llm/anthropic#api_key
    models: [claude-3-5-sonnet-20241022]
`

func TestLoadCatalog(t *testing.T) {
	t.Setenv("TEST_DEEPSEEK_KEY", "sk-from-env")

	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if len(catalog) != 3 {
		t.Fatalf("len = %d, want 3", len(catalog))
	}

	if catalog[0].APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want expanded env value", catalog[0].APIKey)
	}
	if catalog[0].Transport != domain.TransportChunkedHTTP || catalog[0].Tier != domain.TierFree {
		t.Errorf("deepseek defaults = %s/%s", catalog[0].Transport, catalog[0].Tier)
	}
	if catalog[1].Transport != domain.TransportSDK {
		t.Errorf("bedrock transport = %s, want sdk", catalog[1].Transport)
	}
	if catalog[1].Tier != domain.TierPremium {
		t.Errorf("bedrock tier = %s", catalog[1].Tier)
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing kind", "providers:\n  - name: x\n    models: [m]\n"},
		{"no models", "providers:\n  - name: x\n    kind: openai\n"},
		{"duplicate name", "providers:\n  - {name: x, kind: openai, models: [a]}\n  - {name: x, kind: openai, models: [b]}\n"},
		{"not yaml", "providers: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tt.yaml)); err == nil {
				t.Error("ParseCatalog() should fail")
			}
		})
	}
}

func TestResolveSecrets(t *testing.T) {
	catalog, err := ParseCatalog([]byte(catalogYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg := &Config{Providers: catalog}

	if !cfg.NeedsSecrets() {
		t.Fatal("NeedsSecrets() = false, want true")
	}

	store := secrets.NewInMemorySecretStore()
	store.SetSecret("llm/anthropic", `{"api_key":"sk-ant"}`)

	if err := cfg.ResolveSecrets(context.Background(), store); err != nil {
		t.Fatalf("ResolveSecrets() error = %v", err)
	}
	if cfg.Providers[2].APIKey != "sk-ant" {
		t.Errorf("APIKey = %q, want sk-ant", cfg.Providers[2].APIKey)
	}
	if cfg.NeedsSecrets() {
		t.Error("NeedsSecrets() should be false once resolved")
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue string
		expected     string
	}{
		{"env set", "TEST_VAR", "custom", "default", "custom"},
		{"env not set", "TEST_VAR_UNSET", "", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.expected {
				t.Errorf("getEnv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, got, tt.expected)
			}
		})
	}
}
