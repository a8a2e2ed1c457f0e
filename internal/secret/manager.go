package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Manager routes passphrase references to registered providers by URI
// scheme. A reference without a scheme is taken as a literal passphrase,
// so plain configurations keep working.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]Provider)}
}

// Register installs a provider for a scheme such as "env" or "vault".
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Resolve turns one passphrase reference into its value.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, ok := strings.Cut(ref, "://")
	if !ok {
		return ref, nil
	}

	m.mu.RLock()
	provider, found := m.providers[scheme]
	m.mu.RUnlock()

	if !found {
		return "", fmt.Errorf("no secret provider registered for scheme %q", scheme)
	}

	return provider.Get(ctx, path)
}

// ResolveList resolves an ordered passphrase reference list, preserving
// order so decryption is attempted in the configured sequence.
func (m *Manager) ResolveList(ctx context.Context, refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		value, err := m.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}

	return out, nil
}

// Close closes every registered provider.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close providers: %s", strings.Join(errs, "; "))
	}
	return nil
}
