package material

import (
	"crypto/x509"
	"encoding/pem"
	"slices"
	"sync/atomic"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/blueberrycongee/certmux/internal/objcache"
	"github.com/blueberrycongee/certmux/pkg/errors"
)

const (
	pemCertificate        = "CERTIFICATE"
	pemTrustedCertificate = "TRUSTED CERTIFICATE"
)

// Chain is a parsed certificate chain. The slice is the container; the
// count is shared between duplicates, so releasing any handle drops the
// same reference.
type Chain struct {
	refs  *atomic.Int64
	Certs []*x509.Certificate
}

func newChain(certs []*x509.Certificate) *Chain {
	c := &Chain{refs: new(atomic.Int64), Certs: certs}
	c.refs.Store(1)
	return c
}

// Leaf returns the end-entity certificate.
func (c *Chain) Leaf() *x509.Certificate {
	return c.Certs[0]
}

// Refs returns the current reference count.
func (c *Chain) Refs() int64 {
	return c.refs.Load()
}

// Release drops one handle.
func (c *Chain) Release() {
	if c.refs.Add(-1) < 0 {
		panic("certmux: release of a freed certificate chain")
	}
}

func (c *Chain) dup() *Chain {
	c.refs.Add(1)
	return &Chain{refs: c.refs, Certs: slices.Clone(c.Certs)}
}

func chainDuplicate(v objcache.Value) (objcache.Value, error) {
	return v.(*Chain).dup(), nil
}

func chainDestroy(v objcache.Value) {
	v.(*Chain).Release()
}

// certCreate reads a leaf certificate, in the form that permits trust
// attributes, then zero or more plain chain certificates. Running out of
// PEM blocks after the leaf is the success condition.
func certCreate(id objcache.Key, aux any) (objcache.Value, error) {
	data, err := readSource(Cert, id)
	if err != nil {
		return nil, err
	}

	leaf, rest, err := readCertificate(data, true)
	if err != nil {
		return nil, errors.Wrap(errors.ErrParse, Cert.Name, id.Data,
			"leaf certificate decode failed", err)
	}
	if leaf == nil {
		return nil, errors.New(errors.ErrParse, Cert.Name, id.Data,
			"leaf certificate decode failed")
	}

	certs := []*x509.Certificate{leaf}

	for {
		cert, r, err := readCertificate(rest, false)
		if err != nil {
			return nil, errors.Wrap(errors.ErrParse, Cert.Name, id.Data,
				"chain certificate decode failed", err)
		}
		if cert == nil {
			break
		}

		certs = append(certs, cert)
		rest = r
	}

	return newChain(certs), nil
}

// caCreate reads one or more trusted certificates; there is no distinct
// leaf, but empty input is a parse error.
func caCreate(id objcache.Key, aux any) (objcache.Value, error) {
	data, err := readSource(CA, id)
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate

	for {
		cert, rest, err := readCertificate(data, true)
		if err != nil {
			return nil, errors.Wrap(errors.ErrParse, CA.Name, id.Data,
				"CA certificate decode failed", err)
		}
		if cert == nil {
			break
		}

		certs = append(certs, cert)
		data = rest
	}

	if len(certs) == 0 {
		return nil, errors.New(errors.ErrParse, CA.Name, id.Data,
			"CA certificate decode failed")
	}

	return newChain(certs), nil
}

// readCertificate scans for the next certificate block, skipping blocks
// of other types. With aux set the trusted form is accepted and its
// trailing trust attributes stripped. A nil certificate with nil error
// means the input is exhausted.
func readCertificate(data []byte, aux bool) (*x509.Certificate, []byte, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, nil, nil
		}
		data = rest

		var der []byte

		switch {
		case block.Type == pemCertificate:
			der = block.Bytes

		case aux && block.Type == pemTrustedCertificate:
			var err error
			der, err = trimTrustAttributes(block.Bytes)
			if err != nil {
				return nil, nil, err
			}

		default:
			continue
		}

		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, err
		}

		return cert, data, nil
	}
}

// trimTrustAttributes cuts a trusted-certificate encoding down to the
// inner certificate element, dropping the trust attributes that follow
// it.
func trimTrustAttributes(der []byte) ([]byte, error) {
	input := cryptobyte.String(der)

	var cert cryptobyte.String
	if !input.ReadASN1Element(&cert, casn1.SEQUENCE) {
		return nil, errors.New(errors.ErrParse, "certificate", "",
			"malformed trusted certificate")
	}

	return cert, nil
}
