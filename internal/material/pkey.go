package material

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	stderrors "errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/youmark/pkcs8"

	"github.com/blueberrycongee/certmux/internal/engine"
	"github.com/blueberrycongee/certmux/internal/objcache"
	"github.com/blueberrycongee/certmux/pkg/errors"
)

const (
	pemPrivateKey          = "PRIVATE KEY"
	pemRSAPrivateKey       = "RSA PRIVATE KEY"
	pemECPrivateKey        = "EC PRIVATE KEY"
	pemEncryptedPrivateKey = "ENCRYPTED PRIVATE KEY"
)

// PrivateKey is a parsed private key handle. Unlike chains, duplicates
// share the same container; only the count moves.
type PrivateKey struct {
	refs   atomic.Int64
	Signer crypto.Signer
}

func newPrivateKey(signer crypto.Signer) *PrivateKey {
	k := &PrivateKey{Signer: signer}
	k.refs.Store(1)
	return k
}

// Refs returns the current reference count.
func (k *PrivateKey) Refs() int64 {
	return k.refs.Load()
}

// Release drops one handle.
func (k *PrivateKey) Release() {
	if k.refs.Add(-1) < 0 {
		panic("certmux: release of a freed private key")
	}
}

func pkeyDuplicate(v objcache.Value) (objcache.Value, error) {
	k := v.(*PrivateKey)
	k.refs.Add(1)
	return k, nil
}

func pkeyDestroy(v objcache.Value) {
	v.(*PrivateKey).Release()
}

// pkeyBypass keeps passphrase-carrying fetches out of the cache.
func pkeyBypass(aux any) bool {
	p, ok := aux.(Passphrases)
	return ok && len(p) > 0
}

// pkeyCreate loads a private key from an engine, inline bytes or a file.
// For PEM sources the parse is attempted once per candidate passphrase,
// resetting between attempts, until one succeeds or the sequence is
// exhausted.
func pkeyCreate(id objcache.Key, aux any) (objcache.Value, error) {
	if id.Type == objcache.KeyEngine {
		return enginePKey(id)
	}

	data, err := readSource(PKey, id)
	if err != nil {
		return nil, err
	}

	passphrases, _ := aux.(Passphrases)

	tries := len(passphrases)
	if tries == 0 {
		tries = 1
		passphrases = Passphrases{""}
	}

	var lastErr error

	for i := 0; i < tries; i++ {
		pwd, err := passphraseCallback(passphrases[i], maxPassphraseSize, false)
		if err != nil {
			return nil, err
		}

		signer, err := parsePrivateKey(data, pwd)
		if err == nil {
			return newPrivateKey(signer), nil
		}

		lastErr = err
	}

	return nil, errors.Wrap(errors.ErrParse, PKey.Name, id.Data,
		"private key decode failed", lastErr)
}

// enginePKey resolves "engine:<engine-id>:<key-id>" through the engine
// registry.
func enginePKey(id objcache.Key) (objcache.Value, error) {
	spec := strings.TrimPrefix(id.Data, "engine:")

	i := strings.IndexByte(spec, ':')
	if i < 0 {
		return nil, errors.New(errors.ErrIdentity, PKey.Name, id.Data,
			"invalid syntax")
	}

	name, keyID := spec[:i], spec[i+1:]

	eng, err := engine.Lookup(name)
	if err != nil {
		if stderrors.Is(err, engine.ErrNotSupported) {
			return nil, errors.New(errors.ErrEngine, PKey.Name, id.Data,
				"loading engine keys not supported")
		}
		return nil, errors.Wrap(errors.ErrEngine, PKey.Name, id.Data,
			"engine lookup failed", err)
	}

	signer, err := eng.PrivateKey(keyID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrEngine, PKey.Name, id.Data,
			"engine private key load failed", err)
	}

	return newPrivateKey(signer), nil
}

// parsePrivateKey decodes the first private-key PEM block in data,
// decrypting with pwd when the block is encrypted.
func parsePrivateKey(data []byte, pwd []byte) (crypto.Signer, error) {
	block := findKeyBlock(data)
	if block == nil {
		return nil, fmt.Errorf("no private key block found")
	}

	der := block.Bytes

	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // RFC 1423 keys still arrive
		var err error
		der, err = x509.DecryptPEMBlock(block, pwd) //nolint:staticcheck
		if err != nil {
			return nil, err
		}
	}

	var (
		key any
		err error
	)

	switch block.Type {
	case pemEncryptedPrivateKey:
		key, err = pkcs8.ParsePKCS8PrivateKey(der, pwd)
	case pemPrivateKey:
		key, err = x509.ParsePKCS8PrivateKey(der)
	case pemRSAPrivateKey:
		key, err = x509.ParsePKCS1PrivateKey(der)
	case pemECPrivateKey:
		key, err = x509.ParseECPrivateKey(der)
	default:
		return nil, fmt.Errorf("unsupported private key type %q", block.Type)
	}
	if err != nil {
		return nil, err
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key of type %T cannot sign", key)
	}

	return signer, nil
}

func findKeyBlock(data []byte) *pem.Block {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil
		}

		if strings.HasSuffix(block.Type, pemPrivateKey) {
			return block
		}

		data = rest
	}
}
