//go:build !windows

package target

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// MountedDirProbe reports whether path is a directory living on its own
// filesystem. A candidate directory that sits on the same device as "/"
// is a leftover mount-point directory on the system disk (the drive is
// not actually mounted), and counts as absent.
func MountedDirProbe(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("candidate %s exists but is not a directory", path)
	}

	stat, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return false, fmt.Errorf("unsupported platform for unix.Stat_t")
	}

	rootInfo, err := os.Stat("/")
	if err != nil {
		return false, fmt.Errorf("failed to stat root: %w", err)
	}
	rootStat, ok := rootInfo.Sys().(*unix.Stat_t)
	if !ok {
		return false, fmt.Errorf("unsupported platform for unix.Stat_t")
	}

	// Same device as the root partition means nothing is mounted there.
	return stat.Dev != rootStat.Dev, nil
}
