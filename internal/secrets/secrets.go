package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// RefPrefix marks a configuration value that names a secret instead of
// holding it. "secret://name" resolves to the whole secret string and
// "secret://name#field" to one field of a JSON secret.
const RefPrefix = "secret://"

var ErrSecretNotFound = errors.New("secret not found")

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

func IsRef(value string) bool {
	return strings.HasPrefix(value, RefPrefix)
}

// Resolve returns value unchanged unless it is a secret reference.
func Resolve(ctx context.Context, store SecretStore, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	if store == nil {
		return "", fmt.Errorf("resolve %s: no secret store configured", value)
	}

	name, field, _ := strings.Cut(strings.TrimPrefix(value, RefPrefix), "#")
	secret, err := store.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	if field == "" {
		return secret, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(secret), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", name, err)
	}
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: %s#%s", ErrSecretNotFound, name, field)
	}
	return fmt.Sprint(v), nil
}

// AWSSecretsManager reads secrets from AWS Secrets Manager and keeps them for
// a short TTL.
type AWSSecretsManager struct {
	client *secretsmanager.Client
	cache  map[string]*cachedSecret
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*cachedSecret),
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && s.now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("%w: %s has no string value", ErrSecretNotFound, name)
	}

	s.mu.Lock()
	s.cache[name] = &cachedSecret{
		value:     *result.SecretString,
		expiresAt: s.now().Add(s.ttl),
	}
	s.mu.Unlock()

	return *result.SecretString, nil
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}
