package material

import (
	"log/slog"

	"github.com/blueberrycongee/certmux/pkg/errors"
)

// Passphrases is the ordered sequence of candidate passphrases for an
// encrypted private key. A nil or empty sequence means "no password".
// Passphrases never become part of a cache identity and are never
// logged.
type Passphrases []string

// maxPassphraseSize mirrors the PEM password-callback buffer bound.
const maxPassphraseSize = 1024

// passphraseCallback reproduces the PEM password callback contract: it
// serves decryption only, and copies at most size bytes of the
// passphrase, truncating with a warning.
func passphraseCallback(pwd string, size int, encrypting bool) ([]byte, error) {
	if encrypting {
		slog.Error("passphrase callback is called for encryption")
		return nil, errors.New(errors.ErrParse, PKey.Name, "",
			"passphrase callback is called for encryption")
	}

	b := []byte(pwd)
	if len(b) > size {
		slog.Warn("passphrase is truncated", "bytes", size)
		b = b[:size]
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out, nil
}
