// Package btrfs wraps the btrfs command-line primitives used for the
// removable-media path: incremental send/receive, subvolume inspection,
// and the directory scan that tells us what a target already holds.
//
// The primitives are treated as opaque: a non-zero exit is a total
// failure of that operation, and nothing here retries or second-guesses
// partial success. Replanning on the next run picks up from whatever
// state the target actually reached.
package btrfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmillwood/backups/pkg/catalog"
	"github.com/bmillwood/backups/pkg/plog"
	"github.com/bmillwood/backups/pkg/util"
)

// Sender drives the send/receive pipeline for one removable target.
type Sender struct {
	// commandContext allows mocking os/exec for testing. The production
	// factory deliberately ignores the context; see DefaultCommand.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewSender creates a Sender. A nil commandContext selects the
// production factory.
func NewSender(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Sender {
	if commandContext == nil {
		commandContext = DefaultCommand
	}
	return &Sender{commandContext: commandContext}
}

// Send streams the child snapshot into the target year directory,
// incrementally against parentPath when one is given and as a full send
// otherwise. Output from both sides of the pipeline goes to output.
//
// The processes run in their own process group and are never killed on
// cancellation; a canceled run simply starts no further operations.
func (s *Sender) Send(ctx context.Context, parentPath, childPath, destDir string, output io.Writer) error {
	if err := os.MkdirAll(destDir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("could not create target year directory: %w", err)
	}

	sendArgs := []string{"send"}
	if parentPath != "" {
		sendArgs = append(sendArgs, "-p", parentPath)
	}
	sendArgs = append(sendArgs, childPath)

	send := s.commandContext(ctx, "btrfs", sendArgs...)
	recv := s.commandContext(ctx, "btrfs", "receive", destDir)

	pipe, err := send.StdoutPipe()
	if err != nil {
		return fmt.Errorf("could not open send pipe: %w", err)
	}
	recv.Stdin = pipe
	send.Stderr = output
	recv.Stdout = output
	recv.Stderr = output

	if err := send.Start(); err != nil {
		return fmt.Errorf("could not start btrfs send: %w", err)
	}
	if err := recv.Start(); err != nil {
		pipe.Close()
		_ = send.Wait()
		return fmt.Errorf("could not start btrfs receive: %w", err)
	}

	// Drop our copy of the read end. The receive process holds its own;
	// if it dies early the send side must see a broken pipe instead of
	// blocking against a buffer nobody drains.
	pipe.Close()

	sendErr := send.Wait()
	recvErr := recv.Wait()

	if recvErr != nil {
		return fmt.Errorf("btrfs receive into %s failed: %w", destDir, recvErr)
	}
	if sendErr != nil {
		return fmt.Errorf("btrfs send of %s failed: %w", childPath, sendErr)
	}
	return nil
}

// SubvolumeInfo is the parsed key/value section of
// `btrfs subvolume show` output. A "-" placeholder becomes an empty
// string.
type SubvolumeInfo struct {
	Name         string
	UUID         string
	ParentUUID   string
	ReceivedUUID string
	ReadOnly     bool
}

// SubvolumeShow inspects a subvolume.
func (s *Sender) SubvolumeShow(ctx context.Context, path string) (SubvolumeInfo, error) {
	cmd := s.commandContext(ctx, "btrfs", "subvolume", "show", path)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return SubvolumeInfo{}, fmt.Errorf("btrfs subvolume show %s failed: %w (%s)",
			path, err, strings.TrimSpace(stderr.String()))
	}
	return ParseSubvolumeShow(stdout.String())
}

// ParseSubvolumeShow parses `btrfs subvolume show` output.
func ParseSubvolumeShow(out string) (SubvolumeInfo, error) {
	var info SubvolumeInfo
	for _, line := range strings.Split(out, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if value == "-" {
			value = ""
		}
		switch key {
		case "Name":
			info.Name = value
		case "UUID":
			info.UUID = value
		case "Parent UUID":
			info.ParentUUID = value
		case "Received UUID":
			info.ReceivedUUID = value
		case "Flags":
			info.ReadOnly = strings.Contains(value, "readonly")
		}
	}
	if info.UUID == "" {
		return SubvolumeInfo{}, errors.New("unrecognized subvolume show output: no UUID field")
	}
	return info, nil
}

// CheckParentFinished verifies that a target's copy of a chain parent
// was fully received: its Received UUID must equal the source parent's
// UUID, and the copy must be read-only. Building an incremental chain
// on a half-received parent corrupts every later link, so any mismatch
// stops the send path for this target.
func CheckParentFinished(source, target SubvolumeInfo) error {
	if target.ReceivedUUID == "" {
		return fmt.Errorf("target copy of %q has no received uuid; its receive never finished", source.Name)
	}
	if target.ReceivedUUID != source.UUID {
		return fmt.Errorf("target copy of %q was received from uuid %s, but the source parent is %s",
			source.Name, target.ReceivedUUID, source.UUID)
	}
	if !target.ReadOnly {
		return fmt.Errorf("target copy of %q is not read-only", source.Name)
	}
	return nil
}

// VerifyParent inspects the source parent and the target's copy of it
// and confirms the copy is a finished, read-only receive of exactly
// that parent.
func (s *Sender) VerifyParent(ctx context.Context, sourcePath, targetPath string) error {
	source, err := s.SubvolumeShow(ctx, sourcePath)
	if err != nil {
		return err
	}
	targetCopy, err := s.SubvolumeShow(ctx, targetPath)
	if err != nil {
		return err
	}
	if err := CheckParentFinished(source, targetCopy); err != nil {
		return fmt.Errorf("chain parent verification failed: %w", err)
	}
	return nil
}

// HeldSnapshots scans a removable target's <year>/<name> layout and
// returns what it holds, sorted chronologically. The directory scan is
// the only record consulted; there is no separate ledger that could
// drift from what the disk actually contains. Entries that are not
// year directories or valid snapshot directories are skipped with a
// warning.
func HeldSnapshots(targetDir string) ([]catalog.Snapshot, error) {
	years, err := os.ReadDir(targetDir)
	if err != nil {
		return nil, fmt.Errorf("could not scan target: %w", err)
	}

	var held []catalog.Snapshot
	for _, yearEntry := range years {
		if !yearEntry.IsDir() || !isYearName(yearEntry.Name()) {
			plog.Debug("Ignoring non-year entry on target", "target", targetDir, "entry", yearEntry.Name())
			continue
		}
		yearDir := filepath.Join(targetDir, yearEntry.Name())
		entries, err := os.ReadDir(yearDir)
		if err != nil {
			return nil, fmt.Errorf("could not scan target year directory: %w", err)
		}
		for _, entry := range entries {
			name, err := catalog.ParseName(entry.Name())
			if err != nil {
				plog.Warn("Skipping malformed snapshot name on target", "target", targetDir, "entry", entry.Name(), "error", err)
				continue
			}
			if !entry.IsDir() {
				plog.Warn("Skipping non-directory entry on target", "target", targetDir, "entry", entry.Name())
				continue
			}
			if name.Year() != yearEntry.Name() {
				plog.Warn("Snapshot filed under the wrong year on target", "target", targetDir, "name", name, "directory", yearEntry.Name())
			}
			held = append(held, catalog.Snapshot{Name: name, Path: filepath.Join(yearDir, entry.Name())})
		}
	}

	sort.Slice(held, func(i, j int) bool { return held[i].Name < held[j].Name })
	return held, nil
}

func isYearName(s string) bool {
	if len(s) != 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
