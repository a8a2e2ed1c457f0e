// Package certmux provides a typed object cache for parsed TLS
// materials: certificate chains, private keys, certificate revocation
// lists and trusted CA bundles. Parsing these from disk or inline data
// is expensive; the parsed objects are reference-counted handles that
// many TLS contexts can share. certmux deduplicates parsing across a
// server's configuration and across live connections, and preserves
// parsed objects across configuration reloads when the source is
// unchanged.
//
// Two entry points cover the two lifetimes:
//   - a Loader is the configuration-time cache for one generation; a new
//     generation inherits unchanged materials from the previous one.
//   - a Cache is the bounded connection-time cache used on the handshake
//     path, with freshness revalidation and inactivity eviction.
//
// Basic usage:
//
//	loader := certmux.NewLoader(certmux.WithPrefix("/etc/tls"))
//	defer loader.Close()
//
//	chain, err := loader.Fetch(certmux.Cert, "server.crt", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer chain.Release()
//
// Material specs accept three forms: a filesystem path (resolved against
// the prefix when relative), "data:<literal-PEM>" for certificates and
// private keys, and "engine:<engine-id>:<key-id>" for private keys
// served by a registered key engine.
package certmux

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blueberrycongee/certmux/internal/material"
	"github.com/blueberrycongee/certmux/internal/metrics"
	"github.com/blueberrycongee/certmux/internal/objcache"
)

// Version is the current version of certmux.
const Version = "1.0.0"

// Kind selects which material adapter a fetch uses. The numeric values
// are stable across releases.
type Kind int

const (
	// Cert is a certificate chain: one leaf plus optional extras.
	Cert Kind = iota
	// PKey is a private key.
	PKey
	// CRL is a set of certificate revocation lists.
	CRL
	// CA is a trusted CA bundle of one or more certificates.
	CA
)

// Re-export the material handle types for convenience.
type (
	// Material is the common handle surface; every holder releases
	// exactly once.
	Material = material.Material

	// Chain is a parsed certificate chain handle.
	Chain = material.Chain

	// PrivateKey is a parsed private key handle.
	PrivateKey = material.PrivateKey

	// CRLList is a parsed revocation list handle.
	CRLList = material.CRLList

	// Passphrases is an ordered candidate passphrase list for encrypted
	// private keys.
	Passphrases = material.Passphrases
)

// kinds is the adapter table with parse latency instrumentation wrapped
// around each Create. The wrapped pointers are what every cache keys on,
// so insert and lookup agree on kind identity.
var kinds = func() [len(material.Kinds)]*objcache.Kind {
	var out [len(material.Kinds)]*objcache.Kind
	for i, k := range material.Kinds {
		wrapped := *k
		create := k.Create
		wrapped.Create = func(id objcache.Key, aux any) (objcache.Value, error) {
			timer := prometheus.NewTimer(
				metrics.ParseSeconds.WithLabelValues(wrapped.Name))
			defer timer.ObserveDuration()
			return create(id, aux)
		}
		out[i] = &wrapped
	}
	return out
}()

func (k Kind) valid() bool {
	return k >= Cert && k <= CA
}

func (k Kind) spec() *objcache.Kind {
	return kinds[k]
}

// String returns the kind's diagnostic name.
func (k Kind) String() string {
	if !k.valid() {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return k.spec().Name
}

// Loader is the configuration-time fetcher for one generation. It is
// unbounded and single-owner: configuration parsing is sequential, so no
// locking happens inside. Entries live until the generation is closed.
type Loader struct {
	cache *objcache.Cache
	prev  *objcache.Cache
}

// NewLoader builds the loader for a new configuration generation.
// Passing WithPrevious links it to the prior generation for
// inheritance.
func NewLoader(opts ...Option) *Loader {
	o := applyOptions(opts)

	var prev *objcache.Cache
	if o.previous != nil {
		prev = o.previous.cache
	}

	return &Loader{
		cache: objcache.New(objcache.Config{
			Inherit: o.inherit,
			Prefix:  o.prefix,
			Logger:  o.logger,
			Clock:   o.clock,
		}),
		prev: prev,
	}
}

// Fetch returns a handle to the named material, parsing it at most once
// per generation. Passphrases apply only to PKey; a non-empty list
// bypasses the cache so password material is never persisted.
func (l *Loader) Fetch(kind Kind, spec string, passphrases Passphrases) (Material, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("certmux: invalid material kind %d", int(kind))
	}

	before := l.cache.Snapshot()
	v, err := l.cache.ConfigFetch(l.prev, kind.spec(), spec, passphrases)
	recordFetch(kind, metrics.ProtocolConfig, before, l.cache.Snapshot(), err)
	if err != nil {
		return nil, err
	}

	return v.(Material), nil
}

// Snapshot copies the loader's cache counters.
func (l *Loader) Snapshot() objcache.StatsSnapshot {
	return l.cache.Snapshot()
}

// Len returns the number of cached materials.
func (l *Loader) Len() int {
	return l.cache.Len()
}

// Close releases every material the generation holds. Call it only
// after the next generation has finished inheriting.
func (l *Loader) Close() error {
	return l.cache.Close()
}

// Cache is the bounded connection-time cache used on the handshake path.
// Each instance is single-owner; callers serialise access per worker.
// A nil *Cache is valid and degrades to an uncached parse.
type Cache struct {
	cache *objcache.Cache
}

// NewCache builds a connection cache holding at most max entries,
// revalidating entries older than valid against the filesystem and
// evicting entries unused for longer than inactive.
func NewCache(max int, valid, inactive time.Duration, opts ...Option) *Cache {
	o := applyOptions(opts)

	return &Cache{
		cache: objcache.New(objcache.Config{
			Max:      max,
			Valid:    valid,
			Inactive: inactive,
			Prefix:   o.prefix,
			Logger:   o.logger,
			Clock:    o.clock,
		}),
	}
}

// Fetch returns a handle to the named material, reusing a cached parse
// when the entry is fresh.
func (c *Cache) Fetch(kind Kind, spec string, passphrases Passphrases) (Material, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("certmux: invalid material kind %d", int(kind))
	}

	var oc *objcache.Cache
	if c != nil {
		oc = c.cache
	}

	before := oc.Snapshot()
	v, err := oc.ConnectionFetch(kind.spec(), spec, passphrases)
	recordFetch(kind, metrics.ProtocolConnection, before, oc.Snapshot(), err)
	if err != nil {
		return nil, err
	}

	return v.(Material), nil
}

// Snapshot copies the cache counters.
func (c *Cache) Snapshot() objcache.StatsSnapshot {
	if c == nil {
		return objcache.StatsSnapshot{}
	}
	return c.cache.Snapshot()
}

// Len returns the number of cached materials.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

// Close releases every cached material.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.cache.Close()
}

// recordFetch classifies a fetch from the counter movement around it;
// cache instances are single-owner, so the deltas are exact.
func recordFetch(kind Kind, protocol string, before, after objcache.StatsSnapshot, err error) {
	if err != nil {
		metrics.FetchErrors.WithLabelValues(kind.String(), protocol).Inc()
		return
	}

	var outcome string
	switch {
	case after.Inherits > before.Inherits:
		outcome = metrics.OutcomeInherit
	case after.Hits > before.Hits:
		outcome = metrics.OutcomeHit
	case after.Misses > before.Misses:
		outcome = metrics.OutcomeMiss
	default:
		// Either an uncached parse (nil cache) or a passphrase bypass.
		outcome = metrics.OutcomeBypass
	}

	metrics.FetchTotal.WithLabelValues(kind.String(), protocol, outcome).Inc()
}
