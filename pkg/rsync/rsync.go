// Package rsync wraps the file-level mirroring primitive of the mirror
// path.
//
// The option set is fixed and deliberate: --hard-links preserves
// hard-link groups on the mirror, and --whole-file (never --inplace)
// rewrites changed files wholesale. The combination has a known failure
// mode: if two files were hard-linked at an earlier anchor and have
// since been unlinked with only one of them updated, the mirror updates
// both copies through the shared inode. That risk is accepted rather
// than worked around — in the snapshot trees mirrored here, hard links
// only ever join content-identical files that are never modified in
// place, and dropping hard-link preservation to avoid the hazard would
// misrepresent the source layout on the mirror.
package rsync

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Syncer drives the rsync command.
type Syncer struct {
	// commandContext allows mocking os/exec for testing. The production
	// factory deliberately ignores the context; see DefaultCommand.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewSyncer creates a Syncer. A nil commandContext selects the
// production factory.
func NewSyncer(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Syncer {
	if commandContext == nil {
		commandContext = DefaultCommand
	}
	return &Syncer{commandContext: commandContext}
}

// Args builds the fixed argument list for mirroring srcDir's content
// onto destDir. The trailing slash on the source selects the
// directory's content rather than the directory itself.
func Args(srcDir, destDir string) []string {
	return []string{
		"--archive",
		"--delete",
		"--hard-links",
		"--whole-file",
		strings.TrimRight(srcDir, "/") + "/",
		destDir,
	}
}

// Mirror synchronizes an anchor snapshot's content onto the live
// dataset mountpoint. Command output goes to output. The process runs
// in its own group and is never killed on cancellation; a canceled run
// stops before the next operation instead.
func (s *Syncer) Mirror(ctx context.Context, srcDir, destDir string, output io.Writer) error {
	cmd := s.commandContext(ctx, "rsync", Args(srcDir, destDir)...)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync of %s onto %s failed: %w", srcDir, destDir, err)
	}
	return nil
}
