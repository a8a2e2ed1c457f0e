//go:build !unix

package objcache

import (
	"os"
	"time"
)

// fileIdentity on platforms without stable inode numbers falls back to
// modification time alone.
func fileIdentity(path string) (mtime time.Time, uniq uint64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, 0, err
	}

	return fi.ModTime(), 0, nil
}
