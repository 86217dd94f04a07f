//go:build linux

package publisher

import (
	"errors"

	"golang.org/x/sys/unix"
)

// exchange atomically swaps staging and target. It reports false when the
// kernel or filesystem does not support the exchange or target does not
// exist yet, in which case the caller falls back to two renames.
func exchange(staging, target string) (bool, error) {
	err := unix.Renameat2(unix.AT_FDCWD, staging, unix.AT_FDCWD, target, unix.RENAME_EXCHANGE)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EINVAL):
		return false, nil
	default:
		return false, err
	}
}
