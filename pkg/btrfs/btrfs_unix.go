//go:build !windows

package btrfs

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// DefaultCommand is the production command factory. It ignores the
// context on purpose: a transfer that has begun must run to completion,
// because killing a send or receive mid-flight leaves the target
// partially written. Cancellation is honored between operations
// instead. The child gets its own process group so a terminal interrupt
// aimed at us does not also hit it.
func DefaultCommand(_ context.Context, name string, arg ...string) *exec.Cmd {
	cmd := exec.Command(name, arg...)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}
