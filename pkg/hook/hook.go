// Package hook runs operator-supplied shell commands around a run.
// Pre-run hooks typically mount or wake a destination, post-run hooks
// unmount it or ship a report.
package hook

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/bmillwood/backups/pkg/hints"
	"github.com/bmillwood/backups/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("hook execution is disabled")

// Executor shells out hook commands through /bin/sh.
type Executor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewExecutor creates an Executor. A nil commandContext uses os/exec
// directly. Hooks stay attached to the run context: a canceled run
// kills a hook mid-flight, unlike transfer commands, which are always
// left to finish.
func NewExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Executor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Executor{commandContext: commandContext}
}

// RunPre executes the pre-run commands in order. The first failure
// aborts: when a destination cannot be brought up there is nothing
// useful left for the run to do.
func (e *Executor) RunPre(ctx context.Context, p *Plan) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(p.PreRunCommands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Running pre-run hook commands")
	return e.runCommands(ctx, p.PreRunCommands, p.DryRun, false)
}

// RunPost executes the post-run commands in order. Failures are logged
// and the remaining commands still run, so a broken report script does
// not leave a disk mounted.
func (e *Executor) RunPost(ctx context.Context, p *Plan) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(p.PostRunCommands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Running post-run hook commands")
	return e.runCommands(ctx, p.PostRunCommands, p.DryRun, true)
}

// runCommands is the shared command loop. With tolerate set, a failing
// command is logged and the rest still run; otherwise the first failure
// stops the loop.
func (e *Executor) runCommands(ctx context.Context, commands []string, dryRun, tolerate bool) error {
	for _, command := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}

		if dryRun {
			plog.Info("[DRY RUN] Executing command", "command", command)
			continue
		}
		plog.Info("Executing command", "command", command)

		cmd := e.createCommand(ctx, command)
		// Hook output goes straight to the operator's terminal, it is
		// not captured into run logs.
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		err := cmd.Run()
		if err == nil {
			continue
		}
		// A canceled context surfaces as a kill error from Run; report
		// the cancellation itself instead.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tolerate {
			plog.Warn("Hook command failed", "command", command, "error", err)
			continue
		}
		return fmt.Errorf("command '%s' failed: %w", command, err)
	}
	return nil
}
