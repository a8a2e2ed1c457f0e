// Package objcache implements the typed object cache for parsed TLS
// materials. It stores reference-counted handles produced by per-kind
// adapters under a composite identity, deduplicating parse work across a
// configuration generation and across live connections.
//
// A cache instance is single-owner: all internal state is accessed by one
// goroutine without locking. Only the stored values themselves are built
// for cross-goroutine release, via atomic reference counts inside the
// kind adapters.
package objcache

import (
	"path/filepath"
	"strings"

	"github.com/blueberrycongee/certmux/pkg/errors"
)

// KeyType tags how a material spec names its source.
type KeyType uint8

const (
	// KeyPath names a filesystem path.
	KeyPath KeyType = iota
	// KeyData carries inline PEM bytes after a "data:" prefix.
	KeyData
	// KeyEngine names a key engine as "engine:<engine-id>:<key-id>".
	KeyEngine
)

const (
	dataPrefix   = "data:"
	enginePrefix = "engine:"
)

// Key is the identity a material is cached under.
type Key struct {
	Type KeyType
	Data string
}

func (t KeyType) String() string {
	switch t {
	case KeyData:
		return "data"
	case KeyEngine:
		return "engine"
	default:
		return "path"
	}
}

// NormalizeKey builds the cache identity for a raw spec. The "data:" form
// is recognized only for kinds that accept inline bytes, "engine:" only
// for kinds that accept engine keys; everything else resolves to an
// absolute path against prefix.
func NormalizeKey(kind *Kind, spec, prefix string) (Key, error) {
	if kind.AcceptsData && strings.HasPrefix(spec, dataPrefix) {
		return Key{Type: KeyData, Data: spec}, nil
	}

	if kind.AcceptsEngine && strings.HasPrefix(spec, enginePrefix) {
		return Key{Type: KeyEngine, Data: spec}, nil
	}

	path := spec
	if !filepath.IsAbs(path) {
		path = filepath.Join(prefix, path)
	}

	path, err := filepath.Abs(path)
	if err != nil {
		return Key{}, errors.Wrap(errors.ErrIdentity, kind.Name, spec,
			"path resolution failed", err)
	}

	return Key{Type: KeyPath, Data: path}, nil
}

// DataBytes returns the inline bytes of a KeyData identity, without the
// "data:" prefix.
func (k Key) DataBytes() []byte {
	return []byte(strings.TrimPrefix(k.Data, dataPrefix))
}
