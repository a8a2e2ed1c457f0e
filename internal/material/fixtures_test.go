package material

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/certmux/internal/objcache"
)

func genKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func selfSigned(t *testing.T, key *ecdsa.PrivateKey, cn string) (*x509.Certificate, []byte) {
	t.Helper()

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return cert, der
}

func certPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCertificate, Bytes: der})
}

// trustedCertPEM wraps the certificate in the trusted form: the
// certificate element followed by a minimal trust-attribute payload.
func trustedCertPEM(der []byte) []byte {
	aux := append(append([]byte{}, der...), 0x30, 0x00)
	return pem.EncodeToMemory(&pem.Block{Type: pemTrustedCertificate, Bytes: aux})
}

func keyPKCS8PEM(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: der})
}

// encryptedKeyPEM produces a legacy RFC 1423 encrypted EC key block.
func encryptedKeyPEM(t *testing.T, key *ecdsa.PrivateKey, passphrase string) []byte {
	t.Helper()

	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	block, err := x509.EncryptPEMBlock(rand.Reader, pemECPrivateKey, der, //nolint:staticcheck
		[]byte(passphrase), x509.PEMCipherAES256)
	require.NoError(t, err)

	return pem.EncodeToMemory(block)
}

func crlPEM(t *testing.T, issuer *x509.Certificate, key *ecdsa.PrivateKey,
	serials ...int64) []byte {
	t.Helper()

	tmpl := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-time.Hour),
		NextUpdate: time.Now().Add(24 * time.Hour),
	}
	for _, s := range serials {
		tmpl.RevokedCertificateEntries = append(tmpl.RevokedCertificateEntries,
			x509.RevocationListEntry{
				SerialNumber:   big.NewInt(s),
				RevocationTime: time.Now().Add(-time.Minute),
			})
	}

	der, err := x509.CreateRevocationList(rand.Reader, tmpl, issuer, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: pemCRL, Bytes: der})
}

func dataKey(pemBytes []byte) objcache.Key {
	return objcache.Key{Type: objcache.KeyData, Data: "data:" + string(pemBytes)}
}
