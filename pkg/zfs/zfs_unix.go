//go:build !windows

package zfs

import (
	"context"
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"
)

// DefaultCommand is the production command factory. The context is
// ignored on purpose: pool operations already underway are never
// killed; cancellation takes effect between operations. The child gets
// its own process group so a terminal interrupt does not reach it.
func DefaultCommand(_ context.Context, name string, arg ...string) *exec.Cmd {
	cmd := exec.Command(name, arg...)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}

// SpaceInfo describes filesystem usage under a mountpoint.
type SpaceInfo struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// PoolSpace reports how full the filesystem behind mountpoint is,
// so each completed mirror can log the remaining pool capacity.
func PoolSpace(mountpoint string) (SpaceInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mountpoint, &st); err != nil {
		return SpaceInfo{}, fmt.Errorf("could not statfs %s: %w", mountpoint, err)
	}
	return SpaceInfo{
		TotalBytes: st.Blocks * uint64(st.Bsize),
		FreeBytes:  st.Bavail * uint64(st.Bsize),
	}, nil
}
