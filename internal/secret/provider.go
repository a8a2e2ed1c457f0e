// Package secret resolves private-key passphrase references from
// external sources. Configuration carries references like
// "env://TLS_KEY_PASSPHRASE" or "vault://secret/data/tls#passphrase"
// that are resolved right before a fetch; a reference without a scheme
// is used as a literal passphrase. A CachedProvider keeps resolved
// values in memory for its ttl.
package secret

import "context"

// Provider retrieves secret values from one backing source.
type Provider interface {
	// Get resolves the source-specific path to a secret value.
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}
