//go:build !windows

package rsync

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// DefaultCommand is the production command factory. The context is
// ignored on purpose: a mirror already underway must run to completion,
// because stopping it midway leaves the live dataset half-synced until
// the next run. The child gets its own process group so a terminal
// interrupt does not reach it.
func DefaultCommand(_ context.Context, name string, arg ...string) *exec.Cmd {
	cmd := exec.Command(name, arg...)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}
