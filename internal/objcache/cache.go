package objcache

import (
	"container/list"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

var processStart = time.Now()

// monotonic is the default clock: seconds-resolution decisions are made
// on durations since process start, immune to wall-clock steps.
func monotonic() time.Duration {
	return time.Since(processStart)
}

// entry binds an identity and kind to a stored value, plus freshness and
// recency metadata. Each entry holds exactly one Create-produced handle;
// every value handed to a caller is produced by Duplicate.
type entry struct {
	hash  uint32
	kind  *Kind
	key   Key
	value Value

	created  time.Duration
	accessed time.Duration

	// freshness metadata, meaningful only for KeyPath identities
	mtime  time.Time
	uniq   uint64
	statOK bool

	// recency-list membership; nil while transiently unlinked
	elem *list.Element
}

// Config carries the cache policy parameters.
type Config struct {
	// Max bounds the entry count; zero means unbounded (configuration-time
	// cache, no recency accounting).
	Max int

	// Valid is the revalidation window: a hit older than this is stat-ed
	// against the underlying file before being returned.
	Valid time.Duration

	// Inactive evicts entries not accessed within this window.
	Inactive time.Duration

	// Inherit lets the next configuration generation reuse this cache's
	// values when the source is unchanged.
	Inherit bool

	// Prefix resolves relative path specs.
	Prefix string

	Logger *slog.Logger

	// Clock overrides the monotonic time source (tests).
	Clock func() time.Duration
}

// Stats counts cache outcomes. Counters are atomic so a prometheus
// collector may read them while the owning goroutine fetches.
type Stats struct {
	Hits       atomic.Int64
	Misses     atomic.Int64
	Creates    atomic.Int64
	Duplicates atomic.Int64
	Inherits   atomic.Int64
	Evictions  atomic.Int64
	Refreshes  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats plus the entry count.
type StatsSnapshot struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Creates    int64 `json:"creates"`
	Duplicates int64 `json:"duplicates"`
	Inherits   int64 `json:"inherits"`
	Evictions  int64 `json:"evictions"`
	Refreshes  int64 `json:"refreshes"`
	Entries    int   `json:"entries"`
}

// Cache composes the ordered index, the recency list and the policy
// parameters. A nil *Cache is valid for ConnectionFetch and degrades to
// an uncached parse.
type Cache struct {
	index   *index
	recency *list.List

	max     int
	current int

	valid    time.Duration
	inactive time.Duration
	inherit  bool
	prefix   string

	logger *slog.Logger
	clock  func() time.Duration

	stats Stats
}

// New allocates a cache with an empty index and recency list.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	clock := cfg.Clock
	if clock == nil {
		clock = monotonic
	}

	return &Cache{
		index:    newIndex(),
		recency:  list.New(),
		max:      cfg.Max,
		valid:    cfg.Valid,
		inactive: cfg.Inactive,
		inherit:  cfg.Inherit,
		prefix:   cfg.Prefix,
		logger:   logger,
		clock:    clock,
	}
}

// Inherit reports whether the next generation may reuse this cache's
// values.
func (c *Cache) Inherit() bool {
	return c.inherit
}

// Len returns the number of indexed entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.index.len()
}

// Snapshot copies the current counters.
func (c *Cache) Snapshot() StatsSnapshot {
	if c == nil {
		return StatsSnapshot{}
	}
	return StatsSnapshot{
		Hits:       c.stats.Hits.Load(),
		Misses:     c.stats.Misses.Load(),
		Creates:    c.stats.Creates.Load(),
		Duplicates: c.stats.Duplicates.Load(),
		Inherits:   c.stats.Inherits.Load(),
		Evictions:  c.stats.Evictions.Load(),
		Refreshes:  c.stats.Refreshes.Load(),
		Entries:    c.index.len(),
	}
}

// ConfigFetch implements the configuration-time protocol: an unbounded
// per-generation cache with inheritance from the previous generation when
// the source is unchanged. old may be nil on the first generation.
func (c *Cache) ConfigFetch(old *Cache, kind *Kind, spec string, aux any) (Value, error) {
	id, err := NormalizeKey(kind, spec, c.prefix)
	if err != nil {
		return nil, err
	}

	// Passphrase-carrying private keys are parsed fresh every time:
	// passwords may not be persisted in the cache.
	if kind.bypass(aux) {
		v, err := kind.Create(id, aux)
		if err == nil {
			c.stats.Creates.Add(1)
		}
		return v, err
	}

	hash := murmur2([]byte(id.Data))

	if e := c.lookup(hash, kind, id); e != nil {
		c.stats.Hits.Add(1)
		return c.duplicate(kind, e)
	}

	c.stats.Misses.Add(1)

	e := &entry{
		hash: hash,
		kind: kind,
		key:  id,
	}

	if id.Type == KeyPath {
		if mtime, uniq, err := fileIdentity(id.Data); err == nil {
			e.mtime = mtime
			e.uniq = uniq
			e.statOK = true
		}
	}

	// Try to reuse a value from the previous generation.

	if old != nil && old.inherit {
		if ocn := old.lookup(hash, kind, id); ocn != nil {
			switch id.Type {

			case KeyData:
				// Inline bytes are identical by virtue of the key.
				e.value, _ = kind.Duplicate(ocn.value)

			case KeyPath:
				if e.statOK && ocn.statOK && e.uniq == ocn.uniq &&
					e.mtime.Equal(ocn.mtime) {
					e.value, _ = kind.Duplicate(ocn.value)
				} else if !e.statOK {
					c.logger.Warn("cached material is gone, reloading",
						"spec", id.Data)
				}
			}

			if e.value != nil {
				c.stats.Inherits.Add(1)
			}
		}
	}

	if e.value == nil {
		e.value, err = kind.Create(id, aux)
		if err != nil {
			return nil, err
		}
		c.stats.Creates.Add(1)
	}

	c.index.insert(e)

	return c.duplicate(kind, e)
}

// ConnectionFetch implements the connection-time protocol: bounded
// capacity, freshness revalidation after the valid window, and
// inactivity-based eviction. A nil cache parses fresh.
func (c *Cache) ConnectionFetch(kind *Kind, spec string, aux any) (Value, error) {
	var prefix string
	if c != nil {
		prefix = c.prefix
	}

	id, err := NormalizeKey(kind, spec, prefix)
	if err != nil {
		return nil, err
	}

	if kind.bypass(aux) || c == nil {
		v, err := kind.Create(id, aux)
		if c != nil && err == nil {
			c.stats.Creates.Add(1)
		}
		return v, err
	}

	now := c.clock()
	hash := murmur2([]byte(id.Data))

	e := c.lookup(hash, kind, id)
	if e != nil {
		c.stats.Hits.Add(1)

		// Unlink while the entry may be refreshed in place.
		c.detach(e)

		if now-e.created > c.valid {
			if e.value, err = c.refresh(e, aux); err != nil {
				return nil, err
			}
			e.created = now
		}
	} else {
		c.stats.Misses.Add(1)

		e = &entry{
			hash:    hash,
			kind:    kind,
			key:     id,
			created: now,
		}

		if mtime, uniq, err := fileIdentity(id.Data); err == nil {
			e.mtime = mtime
			e.uniq = uniq
			e.statOK = true
		}

		e.value, err = kind.Create(id, aux)
		if err != nil {
			return nil, err
		}
		c.stats.Creates.Add(1)

		if c.current >= c.max {
			c.expire(now)
		}

		c.index.insert(e)
		c.current++
	}

	e.accessed = now
	e.elem = c.recency.PushFront(e)

	c.logger.Debug("cached tls material", "spec", id.Data)

	return c.duplicate(kind, e)
}

// refresh revalidates a hit whose valid window expired. When the backing
// file is gone or changed, the stored value is replaced in place; if the
// replacement parse fails the entry is removed, since the old value is
// certainly stale and no safe fallback exists.
func (c *Cache) refresh(e *entry, aux any) (Value, error) {
	mtime, uniq, err := fileIdentity(e.key.Data)
	if err == nil && uniq == e.uniq && mtime.Equal(e.mtime) {
		return e.value, nil
	}

	c.logger.Debug("cached tls material changed", "spec", e.key.Data)

	e.kind.Destroy(e.value)
	e.value = nil

	value, cerr := e.kind.Create(e.key, aux)
	if cerr != nil {
		c.index.delete(e)
		c.current--
		return nil, cerr
	}

	c.stats.Refreshes.Add(1)

	if mtime, uniq, err := fileIdentity(e.key.Data); err == nil {
		e.mtime = mtime
		e.uniq = uniq
		e.statOK = true
	}

	return value, nil
}

// lookup probes the index. On a capacity-bounded cache a hit that has
// been inactive past the window is destroyed in place and reported as a
// miss, catching entries that escaped the sweep.
func (c *Cache) lookup(hash uint32, kind *Kind, id Key) *entry {
	e := c.index.lookup(hash, kind, id)
	if e == nil {
		return nil
	}

	if c.max == 0 || c.clock()-e.accessed <= c.inactive {
		return e
	}

	c.evict(e)

	return nil
}

// expire is the bounded sweep run on capacity-pressured insert: the
// least-recently-accessed entry always goes; up to two more follow only
// if inactive past the window.
func (c *Cache) expire(now time.Duration) {
	for n := 0; n < 3; n++ {
		back := c.recency.Back()
		if back == nil {
			return
		}

		e := back.Value.(*entry)

		if n != 0 && now-e.accessed <= c.inactive {
			return
		}

		c.evict(e)
	}
}

// evict removes one entry and counts it as an eviction: the stored value
// is released before the entry is unlinked from index and recency list.
func (c *Cache) evict(e *entry) {
	e.kind.Destroy(e.value)

	c.index.delete(e)
	c.detach(e)
	c.current--

	c.stats.Evictions.Add(1)

	c.logger.Debug("evicted tls material", "spec", e.key.Data)
}

func (c *Cache) detach(e *entry) {
	if e.elem != nil {
		c.recency.Remove(e.elem)
		e.elem = nil
	}
}

func (c *Cache) duplicate(kind *Kind, e *entry) (Value, error) {
	v, err := kind.Duplicate(e.value)
	if err != nil {
		return nil, err
	}
	c.stats.Duplicates.Add(1)
	return v, nil
}

// Close tears the cache down: every stored value is destroyed in index
// order. Entries or recency links remaining afterwards indicate a caller
// bug and are reported loudly, not crashed on.
func (c *Cache) Close() error {
	var entries []*entry
	c.index.walk(func(e *entry) {
		entries = append(entries, e)
	})

	for _, e := range entries {
		e.kind.Destroy(e.value)
		c.index.delete(e)
		c.detach(e)

		if c.max != 0 {
			c.current--
		}
	}

	if c.current != 0 {
		c.logger.Error("items still left in tls material cache",
			"count", c.current)
	}

	if c.recency.Len() != 0 {
		c.logger.Error("recency list still is not empty in tls material cache")
	}

	return nil
}
