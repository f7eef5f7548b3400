package storage

import (
	"os"
	"strings"
	"sync"

	"github.com/polisai/directived/pkg/domain"
)

// EnvSecrets resolves secrets from environment variables. The secret
// "jwt_key" with prefix "DIRECTIVED_SECRET_" reads DIRECTIVED_SECRET_JWT_KEY.
type EnvSecrets struct {
	Prefix string
	lookup func(string) (string, bool)
}

// NewEnvSecrets creates a provider reading prefixed variables.
func NewEnvSecrets(prefix string) *EnvSecrets {
	return &EnvSecrets{Prefix: prefix, lookup: os.LookupEnv}
}

// GetSecret implements domain.SecretProvider.
func (e *EnvSecrets) GetSecret(name string) (string, bool) {
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	key := e.Prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	v, ok := lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// MapSecrets is a static, concurrency-safe secret provider.
type MapSecrets struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMapSecrets copies secrets into a new provider.
func NewMapSecrets(secrets map[string]string) *MapSecrets {
	m := &MapSecrets{secrets: make(map[string]string, len(secrets))}
	for k, v := range secrets {
		m.secrets[k] = v
	}
	return m
}

// GetSecret implements domain.SecretProvider.
func (m *MapSecrets) GetSecret(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[name]
	return v, ok
}

// Set adds or replaces a secret.
func (m *MapSecrets) Set(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[name] = value
}

// ChainSecrets asks each provider in order and returns the first hit.
type ChainSecrets []domain.SecretProvider

// GetSecret implements domain.SecretProvider.
func (c ChainSecrets) GetSecret(name string) (string, bool) {
	for _, p := range c {
		if v, ok := p.GetSecret(name); ok {
			return v, true
		}
	}
	return "", false
}
