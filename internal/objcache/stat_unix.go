//go:build unix

package objcache

import (
	"os"
	"syscall"
	"time"
)

// fileIdentity captures the freshness metadata of a path: modification
// time plus the inode as the file unique-id, so a same-mtime replace is
// still detected.
func fileIdentity(path string) (mtime time.Time, uniq uint64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, 0, err
	}

	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		uniq = st.Ino
	}

	return fi.ModTime(), uniq, nil
}
