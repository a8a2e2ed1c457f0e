package secret

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// negativeTTL bounds how long a failed resolution is remembered. A
// broken reference must not stampede the backing store during a
// handshake burst, but it also must recover quickly once fixed.
const negativeTTL = 5 * time.Second

// CachedProvider decorates a Provider with a short-lived in-memory
// cache, keeping per-handshake passphrase resolution off the backing
// store. Failures are held briefly as negative entries. Flush drops
// everything, so a configuration reload re-resolves from scratch.
type CachedProvider struct {
	inner Provider
	cache *gocache.Cache
}

type negativeEntry struct {
	err error
}

// NewCachedProvider wraps inner; resolved passphrases are served from
// memory for up to ttl.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// Get serves from the cache when possible and delegates to the inner
// provider otherwise.
func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if val, found := p.cache.Get(path); found {
		switch v := val.(type) {
		case string:
			return v, nil
		case *negativeEntry:
			return "", v.err
		}
	}

	val, err := p.inner.Get(ctx, path)
	if err != nil {
		p.cache.Set(path, &negativeEntry{err: err}, negativeTTL)
		return "", err
	}

	p.cache.Set(path, val, gocache.DefaultExpiration)
	return val, nil
}

// Flush forgets every cached resolution.
func (p *CachedProvider) Flush() {
	p.cache.Flush()
}

// Close closes the inner provider.
func (p *CachedProvider) Close() error {
	return p.inner.Close()
}
