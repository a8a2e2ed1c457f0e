// Package material implements the four kind adapters the object cache is
// polymorphic over: certificate chains, private keys, certificate
// revocation lists and trusted CA bundles. Each adapter provides create,
// duplicate and destroy over a reference-counted container; the counts
// are atomic because returned handles may be released from goroutines
// other than the cache owner's.
package material

import (
	"github.com/blueberrycongee/certmux/internal/objcache"
)

// Kind table indices, stable across releases.
const (
	KindCert = iota
	KindPKey
	KindCRL
	KindCA
)

// Material is the common surface of every cached value handle. Each
// holder releases exactly once.
type Material interface {
	Release()
	Refs() int64
}

// Cert parses a leaf certificate plus its optional chain.
var Cert *objcache.Kind

// PKey parses a private key, from PEM, inline bytes or a key engine.
var PKey *objcache.Kind

// CRL parses one or more certificate revocation lists.
var CRL *objcache.Kind

// CA parses one or more trusted CA certificates. It shares the chain
// container with Cert, so duplicate and destroy are the same operations.
var CA *objcache.Kind

// Kinds is the fixed table, indexed by the Kind* constants.
var Kinds [4]*objcache.Kind

// The Create funcs below read the Name off these same Kind values, so
// the values are built in init() rather than var initializers: a direct
// initializer referencing its own variable through Create is an
// initialization cycle, even though Create isn't invoked until later.
func init() {
	Cert = &objcache.Kind{
		Name:        "certificate",
		Order:       KindCert,
		AcceptsData: true,
		Create:      certCreate,
		Duplicate:   chainDuplicate,
		Destroy:     chainDestroy,
	}

	PKey = &objcache.Kind{
		Name:          "private key",
		Order:         KindPKey,
		AcceptsData:   true,
		AcceptsEngine: true,
		Create:        pkeyCreate,
		Duplicate:     pkeyDuplicate,
		Destroy:       pkeyDestroy,
		Bypass:        pkeyBypass,
	}

	CRL = &objcache.Kind{
		Name:      "CRL",
		Order:     KindCRL,
		Create:    crlCreate,
		Duplicate: crlDuplicate,
		Destroy:   crlDestroy,
	}

	CA = &objcache.Kind{
		Name:      "CA certificate",
		Order:     KindCA,
		Create:    caCreate,
		Duplicate: chainDuplicate,
		Destroy:   chainDestroy,
	}

	Kinds = [...]*objcache.Kind{Cert, PKey, CRL, CA}
}
