package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	codepunk "github.com/codepunk/codepunk"
)

// ErrNoCredential is returned when no API key is stored for a provider.
var ErrNoCredential = errors.New("config: no credential for provider")

// AuthStore persists provider API keys in a JSON document with 0600 mode.
// Provider names are case-insensitive. Safe for concurrent use within one
// process; concurrent processes last-write-win.
type AuthStore struct {
	path string
	mu   sync.Mutex
}

// NewAuthStore creates a store backed by the given file path. The parent
// directory is created on first write.
func NewAuthStore(path string) *AuthStore {
	return &AuthStore{path: path}
}

func (a *AuthStore) load() (map[string]string, error) {
	data, err := os.ReadFile(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	keys := map[string]string{}
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return keys, nil
}

func (a *AuthStore) save(keys map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(a.path), ".auth-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, a.path)
}

// Get returns the stored API key for a provider, or ErrNoCredential.
func (a *AuthStore) Get(provider string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys, err := a.load()
	if err != nil {
		return "", err
	}
	key, ok := keys[strings.ToLower(provider)]
	if !ok || key == "" {
		return "", fmt.Errorf("%w: %s", ErrNoCredential, provider)
	}
	return key, nil
}

// Set stores or replaces the API key for a provider.
func (a *AuthStore) Set(provider, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys, err := a.load()
	if err != nil {
		return err
	}
	keys[strings.ToLower(provider)] = key
	return a.save(keys)
}

// Remove deletes a provider's stored key. Removing a missing provider is
// not an error.
func (a *AuthStore) Remove(provider string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys, err := a.load()
	if err != nil {
		return err
	}
	delete(keys, strings.ToLower(provider))
	return a.save(keys)
}

// List returns a copy of all stored provider keys.
func (a *AuthStore) List() (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load()
}

var _ codepunk.AuthStore = (*AuthStore)(nil)
