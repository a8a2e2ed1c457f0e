package objcache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handle struct {
	origin string
}

// counting wraps a Kind with adapter call counters, so tests can observe
// exactly how often materials are parsed, duplicated and destroyed.
type counting struct {
	kind       *Kind
	creates    int
	duplicates int
	destroys   int
	destroyed  []string
	failCreate bool
}

func newCounting(name string, order int) *counting {
	c := &counting{}
	c.kind = &Kind{
		Name:        name,
		Order:       order,
		AcceptsData: true,
		Create: func(id Key, aux any) (Value, error) {
			if c.failCreate {
				return nil, errors.New("create failed")
			}
			c.creates++
			return &handle{origin: id.Data}, nil
		},
		Duplicate: func(v Value) (Value, error) {
			c.duplicates++
			return &handle{origin: v.(*handle).origin}, nil
		},
		Destroy: func(v Value) {
			c.destroys++
			c.destroyed = append(c.destroyed, v.(*handle).origin)
		},
	}
	return c
}

type fakeClock struct {
	now time.Duration
}

func (f *fakeClock) advance(d time.Duration) {
	f.now += d
}

func (f *fakeClock) fn() func() time.Duration {
	return func() time.Duration { return f.now }
}

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("-----BEGIN X-----\n"), 0o600))
	return path
}

func touch(t *testing.T, path string, at time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, at, at))
}

func TestConfigFetch(t *testing.T) {
	t.Run("parses once, duplicates per caller", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		ck := newCounting("certificate", 0)
		cache := New(Config{Prefix: dir})

		v1, err := cache.ConfigFetch(nil, ck.kind, path, nil)
		require.NoError(t, err)
		v2, err := cache.ConfigFetch(nil, ck.kind, path, nil)
		require.NoError(t, err)

		assert.Equal(t, 1, ck.creates)
		assert.Equal(t, 2, ck.duplicates)
		assert.Equal(t, 0, ck.destroys)
		assert.Equal(t, 1, cache.Len())
		assert.NotSame(t, v1, v2)
	})

	t.Run("relative spec resolves against prefix", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "a.pem")

		ck := newCounting("certificate", 0)
		cache := New(Config{Prefix: dir})

		_, err := cache.ConfigFetch(nil, ck.kind, "a.pem", nil)
		require.NoError(t, err)
		_, err = cache.ConfigFetch(nil, ck.kind, filepath.Join(dir, "a.pem"), nil)
		require.NoError(t, err)

		// Same identity after normalization, so still one entry.
		assert.Equal(t, 1, ck.creates)
		assert.Equal(t, 1, cache.Len())
	})

	t.Run("kinds do not collide on the same spec", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		certs := newCounting("certificate", 0)
		keys := newCounting("private key", 1)
		cache := New(Config{Prefix: dir})

		_, err := cache.ConfigFetch(nil, certs.kind, path, nil)
		require.NoError(t, err)
		_, err = cache.ConfigFetch(nil, keys.kind, path, nil)
		require.NoError(t, err)

		assert.Equal(t, 1, certs.creates)
		assert.Equal(t, 1, keys.creates)
		assert.Equal(t, 2, cache.Len())
	})

	t.Run("failed create leaves cache unmodified", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		ck := newCounting("certificate", 0)
		cache := New(Config{Prefix: dir})

		ck.failCreate = true
		_, err := cache.ConfigFetch(nil, ck.kind, path, nil)
		require.Error(t, err)
		assert.Equal(t, 0, cache.Len())

		ck.failCreate = false
		_, err = cache.ConfigFetch(nil, ck.kind, path, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, cache.Len())
	})

	t.Run("bypass aux never populates the cache", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "key.pem")

		ck := newCounting("private key", 1)
		ck.kind.Bypass = func(aux any) bool {
			p, ok := aux.([]string)
			return ok && len(p) > 0
		}
		cache := New(Config{Prefix: dir})

		_, err := cache.ConfigFetch(nil, ck.kind, path, []string{"secret"})
		require.NoError(t, err)
		_, err = cache.ConfigFetch(nil, ck.kind, path, []string{"secret"})
		require.NoError(t, err)

		assert.Equal(t, 2, ck.creates)
		assert.Equal(t, 0, ck.duplicates)
		assert.Equal(t, 0, cache.Len())
	})
}

func TestConfigInherit(t *testing.T) {
	t.Run("unchanged path inherits across generations", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		ck := newCounting("certificate", 0)
		g1 := New(Config{Prefix: dir, Inherit: true})

		_, err := g1.ConfigFetch(nil, ck.kind, path, nil)
		require.NoError(t, err)
		require.Equal(t, 1, ck.creates)

		g2 := New(Config{Prefix: dir, Inherit: true})
		_, err = g2.ConfigFetch(g1, ck.kind, path, nil)
		require.NoError(t, err)

		// One duplicate from the old generation's value, one for the
		// caller; no second parse.
		assert.Equal(t, 1, ck.creates)
		assert.Equal(t, 3, ck.duplicates)
		assert.Equal(t, int64(1), g2.Snapshot().Inherits)
	})

	t.Run("changed mtime parses fresh", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		ck := newCounting("certificate", 0)
		g1 := New(Config{Prefix: dir, Inherit: true})
		_, err := g1.ConfigFetch(nil, ck.kind, path, nil)
		require.NoError(t, err)

		touch(t, path, time.Now().Add(time.Hour))

		g2 := New(Config{Prefix: dir, Inherit: true})
		_, err = g2.ConfigFetch(g1, ck.kind, path, nil)
		require.NoError(t, err)

		assert.Equal(t, 2, ck.creates)
		assert.Equal(t, int64(0), g2.Snapshot().Inherits)
	})

	t.Run("inherit disabled parses per generation", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		ck := newCounting("certificate", 0)
		g1 := New(Config{Prefix: dir, Inherit: false})
		_, err := g1.ConfigFetch(nil, ck.kind, path, nil)
		require.NoError(t, err)

		g2 := New(Config{Prefix: dir, Inherit: true})
		_, err = g2.ConfigFetch(g1, ck.kind, path, nil)
		require.NoError(t, err)

		assert.Equal(t, 2, ck.creates)
	})

	t.Run("inline data always inherits", func(t *testing.T) {
		ck := newCounting("certificate", 0)
		g1 := New(Config{Inherit: true})

		_, err := g1.ConfigFetch(nil, ck.kind, "data:inline-pem-bytes", nil)
		require.NoError(t, err)

		g2 := New(Config{Inherit: true})
		_, err = g2.ConfigFetch(g1, ck.kind, "data:inline-pem-bytes", nil)
		require.NoError(t, err)

		assert.Equal(t, 1, ck.creates)
		assert.Equal(t, int64(1), g2.Snapshot().Inherits)
	})

	t.Run("vanished file does not inherit", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		ck := newCounting("certificate", 0)
		g1 := New(Config{Prefix: dir, Inherit: true})
		_, err := g1.ConfigFetch(nil, ck.kind, path, nil)
		require.NoError(t, err)

		require.NoError(t, os.Remove(path))

		g2 := New(Config{Prefix: dir, Inherit: true})
		_, err = g2.ConfigFetch(g1, ck.kind, path, nil)
		require.NoError(t, err)

		assert.Equal(t, 2, ck.creates)
		assert.Equal(t, int64(0), g2.Snapshot().Inherits)
	})
}

func TestConnectionFetch(t *testing.T) {
	t.Run("nil cache parses every time", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		ck := newCounting("certificate", 0)
		var cache *Cache

		_, err := cache.ConnectionFetch(ck.kind, path, nil)
		require.NoError(t, err)
		_, err = cache.ConnectionFetch(ck.kind, path, nil)
		require.NoError(t, err)

		assert.Equal(t, 2, ck.creates)
	})

	t.Run("hit inside the valid window skips the parse", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		clock := &fakeClock{}
		ck := newCounting("certificate", 0)
		cache := New(Config{
			Max:      10,
			Valid:    time.Minute,
			Inactive: time.Hour,
			Prefix:   dir,
			Clock:    clock.fn(),
		})

		for i := 0; i < 5; i++ {
			clock.advance(time.Second)
			_, err := cache.ConnectionFetch(ck.kind, path, nil)
			require.NoError(t, err)
			assert.Equal(t, cache.Len(), cache.current)
		}

		assert.Equal(t, 1, ck.creates)
		assert.Equal(t, 5, ck.duplicates)
	})

	t.Run("capacity eviction drops the recency tail", func(t *testing.T) {
		dir := t.TempDir()
		a := writeFile(t, dir, "a.pem")
		b := writeFile(t, dir, "b.pem")
		c := writeFile(t, dir, "c.pem")

		clock := &fakeClock{}
		ck := newCounting("certificate", 0)
		cache := New(Config{
			Max:      2,
			Valid:    0,
			Inactive: time.Hour,
			Prefix:   dir,
			Clock:    clock.fn(),
		})

		for _, path := range []string{a, b, c} {
			clock.advance(time.Second)
			_, err := cache.ConnectionFetch(ck.kind, path, nil)
			require.NoError(t, err)
		}

		assert.Equal(t, 2, cache.Len())
		assert.Equal(t, 2, cache.current)
		assert.Equal(t, 1, ck.destroys)
		assert.Equal(t, []string{a}, ck.destroyed)
	})

	t.Run("sweep evicts at most three entries", func(t *testing.T) {
		dir := t.TempDir()
		paths := []string{
			writeFile(t, dir, "a.pem"),
			writeFile(t, dir, "b.pem"),
			writeFile(t, dir, "c.pem"),
			writeFile(t, dir, "d.pem"),
		}

		clock := &fakeClock{}
		ck := newCounting("certificate", 0)
		cache := New(Config{
			Max:      3,
			Valid:    time.Hour,
			Inactive: time.Minute,
			Prefix:   dir,
			Clock:    clock.fn(),
		})

		for _, path := range paths[:3] {
			_, err := cache.ConnectionFetch(ck.kind, path, nil)
			require.NoError(t, err)
		}
		require.Equal(t, 3, cache.current)

		// Everything is now inactive, so the capacity-pressured insert
		// sweeps the full bounded batch of three.
		clock.advance(2 * time.Minute)
		_, err := cache.ConnectionFetch(ck.kind, paths[3], nil)
		require.NoError(t, err)

		assert.Equal(t, 3, ck.destroys)
		assert.Equal(t, 1, cache.Len())
		assert.Equal(t, 1, cache.current)
	})

	t.Run("inactive hit is destroyed at lookup", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		clock := &fakeClock{}
		ck := newCounting("certificate", 0)
		cache := New(Config{
			Max:      10,
			Valid:    time.Hour,
			Inactive: time.Minute,
			Prefix:   dir,
			Clock:    clock.fn(),
		})

		_, err := cache.ConnectionFetch(ck.kind, path, nil)
		require.NoError(t, err)

		clock.advance(2 * time.Minute)

		_, err = cache.ConnectionFetch(ck.kind, path, nil)
		require.NoError(t, err)

		assert.Equal(t, 2, ck.creates)
		assert.Equal(t, 1, ck.destroys)
		assert.Equal(t, 1, cache.Len())
		assert.Equal(t, 1, cache.current)
	})

	t.Run("expired window revalidates against the file", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		clock := &fakeClock{}
		ck := newCounting("certificate", 0)
		cache := New(Config{
			Max:      10,
			Valid:    time.Second,
			Inactive: time.Hour,
			Prefix:   dir,
			Clock:    clock.fn(),
		})

		_, err := cache.ConnectionFetch(ck.kind, path, nil)
		require.NoError(t, err)

		t.Run("unchanged file keeps the value", func(t *testing.T) {
			clock.advance(2 * time.Second)
			_, err := cache.ConnectionFetch(ck.kind, path, nil)
			require.NoError(t, err)
			assert.Equal(t, 1, ck.creates)
			assert.Equal(t, 0, ck.destroys)
		})

		t.Run("changed file is reparsed in place", func(t *testing.T) {
			touch(t, path, time.Now().Add(time.Hour))
			clock.advance(2 * time.Second)

			_, err := cache.ConnectionFetch(ck.kind, path, nil)
			require.NoError(t, err)
			assert.Equal(t, 2, ck.creates)
			assert.Equal(t, 1, ck.destroys)
			assert.Equal(t, 1, cache.Len())
			assert.Equal(t, 1, cache.current)
		})

		t.Run("failed reparse removes the entry", func(t *testing.T) {
			touch(t, path, time.Now().Add(2*time.Hour))
			clock.advance(2 * time.Second)
			ck.failCreate = true

			_, err := cache.ConnectionFetch(ck.kind, path, nil)
			require.Error(t, err)
			assert.Equal(t, 0, cache.Len())
			assert.Equal(t, 0, cache.current)
			ck.failCreate = false
		})
	})

	t.Run("failed parse on miss leaves cache unmodified", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		ck := newCounting("certificate", 0)
		ck.failCreate = true
		cache := New(Config{Max: 10, Valid: time.Minute, Inactive: time.Hour, Prefix: dir})

		_, err := cache.ConnectionFetch(ck.kind, path, nil)
		require.Error(t, err)
		assert.Equal(t, 0, cache.Len())
		assert.Equal(t, 0, cache.current)
	})
}

func TestClose(t *testing.T) {
	t.Run("destroys every entry", func(t *testing.T) {
		dir := t.TempDir()
		paths := []string{
			writeFile(t, dir, "a.pem"),
			writeFile(t, dir, "b.pem"),
			writeFile(t, dir, "c.pem"),
		}

		ck := newCounting("certificate", 0)
		cache := New(Config{Max: 10, Valid: time.Minute, Inactive: time.Hour, Prefix: dir})

		for _, path := range paths {
			_, err := cache.ConnectionFetch(ck.kind, path, nil)
			require.NoError(t, err)
		}
		require.Equal(t, 3, cache.Len())

		require.NoError(t, cache.Close())

		assert.Equal(t, 3, ck.destroys)
		assert.Equal(t, 0, cache.Len())
		assert.Equal(t, 0, cache.current)
		assert.Equal(t, 0, cache.recency.Len())
	})

	t.Run("configuration cache closes clean", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		ck := newCounting("certificate", 0)
		cache := New(Config{Prefix: dir})

		_, err := cache.ConfigFetch(nil, ck.kind, path, nil)
		require.NoError(t, err)

		require.NoError(t, cache.Close())
		assert.Equal(t, 1, ck.destroys)
		assert.Equal(t, 0, cache.Len())
	})

	t.Run("teardown and re-init replays a workload identically", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "a.pem")

		ck := newCounting("certificate", 0)

		run := func() (creates int) {
			before := ck.creates
			cache := New(Config{Max: 10, Valid: time.Minute, Inactive: time.Hour, Prefix: dir})
			for i := 0; i < 3; i++ {
				_, err := cache.ConnectionFetch(ck.kind, path, nil)
				require.NoError(t, err)
			}
			require.NoError(t, cache.Close())
			return ck.creates - before
		}

		assert.Equal(t, run(), run())
	})
}
