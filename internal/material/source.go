package material

import (
	"os"

	"github.com/blueberrycongee/certmux/internal/objcache"
	"github.com/blueberrycongee/certmux/pkg/errors"
)

// readSource produces the bytes behind an identity: the file contents
// for path identities, the inline bytes for "data:" identities. Engine
// identities have no byte source; the private-key adapter handles them
// before reaching here.
func readSource(kind *objcache.Kind, id objcache.Key) ([]byte, error) {
	if id.Type == objcache.KeyData {
		return id.DataBytes(), nil
	}

	data, err := os.ReadFile(id.Data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSource, kind.Name, id.Data,
			"open failed", err)
	}

	return data, nil
}
