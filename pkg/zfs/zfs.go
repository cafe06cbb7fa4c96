// Package zfs wraps the pool-side primitives of the mirror path:
// listing snapshots and datasets, resolving mountpoints, and taking the
// pool-native snapshot that freezes each mirrored month.
//
// Like the other transfer primitives, the zfs command is opaque: a
// non-zero exit is a total failure of that operation and is never
// retried within a run.
package zfs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/bmillwood/backups/pkg/catalog"
)

// CLI drives the zfs command.
type CLI struct {
	// commandContext allows mocking os/exec for testing. The production
	// factory deliberately ignores the context; see DefaultCommand.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewCLI creates a CLI. A nil commandContext selects the production
// factory.
func NewCLI(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *CLI {
	if commandContext == nil {
		commandContext = DefaultCommand
	}
	return &CLI{commandContext: commandContext}
}

func (c *CLI) run(ctx context.Context, arg ...string) (string, error) {
	cmd := c.commandContext(ctx, "zfs", arg...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("zfs %s failed: %w (%s)",
			strings.Join(arg, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// SnapshotEntry is one line of `zfs list -t snapshot`: pool/fs@label.
type SnapshotEntry struct {
	Pool  string
	FS    string
	Label string
}

// Dataset returns the entry's pool/fs name.
func (e SnapshotEntry) Dataset() string {
	if e.FS == "" {
		return e.Pool
	}
	return e.Pool + "/" + e.FS
}

// ListSnapshots lists every snapshot the system knows about.
func (c *CLI) ListSnapshots(ctx context.Context) ([]SnapshotEntry, error) {
	out, err := c.run(ctx, "list", "-H", "-r", "-t", "snapshot")
	if err != nil {
		return nil, err
	}
	return ParseSnapshotList(out)
}

// ParseSnapshotList parses the tab-separated output of
// `zfs list -H -r -t snapshot`. The first field of each line is
// pool/fs@label; the fs part may itself contain slashes.
func ParseSnapshotList(out string) ([]SnapshotEntry, error) {
	var entries []SnapshotEntry
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		name := strings.SplitN(line, "\t", 2)[0]
		dataset, label, found := strings.Cut(name, "@")
		if !found {
			return nil, fmt.Errorf("unrecognized snapshot listing line %q", line)
		}
		pool, fs, _ := strings.Cut(dataset, "/")
		entries = append(entries, SnapshotEntry{Pool: pool, FS: fs, Label: label})
	}
	return entries, nil
}

// Pools returns the distinct pools appearing in entries, sorted.
func Pools(entries []SnapshotEntry) []string {
	seen := make(map[string]bool)
	var pools []string
	for _, e := range entries {
		if !seen[e.Pool] {
			seen[e.Pool] = true
			pools = append(pools, e.Pool)
		}
	}
	sort.Strings(pools)
	return pools
}

// IsMonthLabel reports whether a snapshot label is a bare YYYY-MM month
// key. Pools may carry other snapshots (manual ones, other tooling);
// only month labels count as mirrored months.
func IsMonthLabel(label string) bool {
	if len(label) != 7 {
		return false
	}
	_, err := catalog.ParseName(label)
	return err == nil
}

// LatestMirroredMonth returns the maximum month-key label present on
// pool/fs, or "" when the dataset has no mirrored months yet.
func LatestMirroredMonth(entries []SnapshotEntry, pool, fs string) string {
	latest := ""
	for _, e := range entries {
		if e.Pool != pool || e.FS != fs || !IsMonthLabel(e.Label) {
			continue
		}
		if e.Label > latest {
			latest = e.Label
		}
	}
	return latest
}

// ListDatasets lists every dataset name the system knows about. A
// configured pool whose mirror dataset is missing from this list is
// absent for the run.
func (c *CLI) ListDatasets(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "list", "-H", "-o", "name")
	if err != nil {
		return nil, err
	}
	var datasets []string
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			datasets = append(datasets, name)
		}
	}
	return datasets, nil
}

// Mountpoint resolves where a dataset is mounted. The raw `zfs get -H`
// line is name, property, value, source; the value is the mountpoint.
func (c *CLI) Mountpoint(ctx context.Context, dataset string) (string, error) {
	out, err := c.run(ctx, "get", "-H", "mountpoint", dataset)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(out)
	fields := strings.Split(line, "\t")
	if len(fields) < 3 {
		return "", fmt.Errorf("unrecognized mountpoint output %q for dataset %s", line, dataset)
	}
	mountpoint := fields[2]
	if mountpoint == "" || mountpoint == "-" || mountpoint == "legacy" || mountpoint == "none" {
		return "", fmt.Errorf("dataset %s has no usable mountpoint (%q)", dataset, mountpoint)
	}
	return mountpoint, nil
}

// Snapshot takes the pool-native snapshot that freezes the dataset's
// current content under a month label.
func (c *CLI) Snapshot(ctx context.Context, dataset, label string) error {
	_, err := c.run(ctx, "snapshot", dataset+"@"+label)
	return err
}
