package material

import (
	"crypto/x509"
	"encoding/pem"
	"slices"
	"sync/atomic"

	"github.com/blueberrycongee/certmux/internal/objcache"
	"github.com/blueberrycongee/certmux/pkg/errors"
)

const pemCRL = "X509 CRL"

// CRLList is a parsed list of certificate revocation lists, with the
// same shared-count container shape as Chain.
type CRLList struct {
	refs  *atomic.Int64
	Lists []*x509.RevocationList
}

func newCRLList(lists []*x509.RevocationList) *CRLList {
	l := &CRLList{refs: new(atomic.Int64), Lists: lists}
	l.refs.Store(1)
	return l
}

// Refs returns the current reference count.
func (l *CRLList) Refs() int64 {
	return l.refs.Load()
}

// Release drops one handle.
func (l *CRLList) Release() {
	if l.refs.Add(-1) < 0 {
		panic("certmux: release of a freed CRL list")
	}
}

func (l *CRLList) dup() *CRLList {
	l.refs.Add(1)
	return &CRLList{refs: l.refs, Lists: slices.Clone(l.Lists)}
}

func crlDuplicate(v objcache.Value) (objcache.Value, error) {
	return v.(*CRLList).dup(), nil
}

func crlDestroy(v objcache.Value) {
	v.(*CRLList).Release()
}

// crlCreate reads one or more revocation lists; empty input is a parse
// error.
func crlCreate(id objcache.Key, aux any) (objcache.Value, error) {
	data, err := readSource(CRL, id)
	if err != nil {
		return nil, err
	}

	var lists []*x509.RevocationList

	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		data = rest

		if block.Type != pemCRL {
			continue
		}

		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(errors.ErrParse, CRL.Name, id.Data,
				"CRL decode failed", err)
		}

		lists = append(lists, crl)
	}

	if len(lists) == 0 {
		return nil, errors.New(errors.ErrParse, CRL.Name, id.Data,
			"CRL decode failed")
	}

	return newCRLList(lists), nil
}
