package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestInMemorySecretStore_SetAndGet(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("api-key", "sk-test-123")

	value, err := store.GetSecret(ctx, "api-key")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "sk-test-123" {
		t.Errorf("GetSecret() = %v, want sk-test-123", value)
	}
}

func TestInMemorySecretStore_GetNotFound(t *testing.T) {
	store := NewInMemorySecretStore()

	_, err := store.GetSecret(context.Background(), "nonexistent")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("GetSecret() error = %v, want ErrSecretNotFound", err)
	}
}

func TestResolve(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("deepseek", "sk-plain")
	store.SetSecret("azure", `{"api_key": "az-123", "port": 443}`)
	store.SetSecret("broken", `not json`)

	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{"literal", "sk-literal", "sk-literal", false},
		{"empty", "", "", false},
		{"whole secret", "secret://deepseek", "sk-plain", false},
		{"json field", "secret://azure#api_key", "az-123", false},
		{"json number field", "secret://azure#port", "443", false},
		{"missing field", "secret://azure#nope", "", true},
		{"missing secret", "secret://unknown", "", true},
		{"field of non-json", "secret://broken#api_key", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(context.Background(), store, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestResolve_NoStore(t *testing.T) {
	if v, err := Resolve(context.Background(), nil, "plain"); err != nil || v != "plain" {
		t.Errorf("Resolve(plain) = %q, %v", v, err)
	}
	if _, err := Resolve(context.Background(), nil, "secret://x"); err == nil {
		t.Error("Resolve() should fail for a reference without a store")
	}
}

func TestIsRef(t *testing.T) {
	if !IsRef("secret://a") || IsRef("sk-a") || IsRef("") {
		t.Error("IsRef() misclassified a value")
	}
}
