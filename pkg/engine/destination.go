// Package engine plans and executes a replication run against its
// destinations. A destination is either the removable send target or one
// mirror pool; each one plans from the shared snapshot catalog and
// executes its operations strictly in order, isolated from its siblings.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bmillwood/backups/pkg/btrfs"
	"github.com/bmillwood/backups/pkg/catalog"
	"github.com/bmillwood/backups/pkg/chainplan"
	"github.com/bmillwood/backups/pkg/marker"
	"github.com/bmillwood/backups/pkg/mirrorplan"
	"github.com/bmillwood/backups/pkg/plog"
	"github.com/bmillwood/backups/pkg/rsync"
	"github.com/bmillwood/backups/pkg/target"
	"github.com/bmillwood/backups/pkg/util"
	"github.com/bmillwood/backups/pkg/zfs"
)

// Op is one planned operation against a destination. Ops run strictly in
// order; a failure aborts the remaining ops of the same destination and
// leaves other destinations alone.
type Op struct {
	// Name is the base name for the op's captured-output log file.
	Name string
	// Summary is a human-readable description for plans and dry runs.
	Summary string
	// Run performs the operation, writing primitive output to output.
	Run func(ctx context.Context, output io.Writer) error
}

// Plan is the executable result of planning one destination.
type Plan struct {
	// LockDir is the directory locked for the duration of execution.
	LockDir string
	Ops     []Op
}

// Destination is one replication target of a run.
type Destination interface {
	// Name identifies the destination in logs, results and lock IDs.
	Name() string
	// Plan computes the ordered operations for this destination from the
	// shared catalog. Planning reads destination state but never changes it.
	Plan(ctx context.Context, cat *catalog.Catalog) (*Plan, error)
}

// SendDestination replicates every snapshot to the attached removable
// target via incremental sends.
type SendDestination struct {
	resolver     *target.Resolver
	sender       *btrfs.Sender
	candidates   []string
	verifyParent bool
}

func NewSendDestination(resolver *target.Resolver, sender *btrfs.Sender, candidates []string, verifyParent bool) *SendDestination {
	return &SendDestination{
		resolver:     resolver,
		sender:       sender,
		candidates:   candidates,
		verifyParent: verifyParent,
	}
}

func (d *SendDestination) Name() string { return "send" }

// Plan resolves the removable target, reads the snapshots it already
// holds and chains every missing snapshot onto them. A broken chain on
// the target yields an error and no operations; recovery is up to the
// operator.
func (d *SendDestination) Plan(ctx context.Context, cat *catalog.Catalog) (*Plan, error) {
	targetPath, err := d.resolver.ResolveRemovable(d.candidates)
	if err != nil {
		return nil, err
	}
	plog.Info("Resolved removable target", "path", targetPath)

	held, err := btrfs.HeldSnapshots(targetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read target state: %w", err)
	}
	heldNames := make([]catalog.Name, len(held))
	for i, snap := range held {
		heldNames[i] = snap.Name
	}

	sendOps, err := chainplan.Plan(cat.Names(), heldNames)
	if err != nil {
		return nil, err
	}

	plan := &Plan{LockDir: targetPath}
	if len(sendOps) == 0 {
		return plan, nil
	}

	// The first incremental send of a run builds on a snapshot this run
	// did not transfer itself, so check that its reception once finished.
	if d.verifyParent && !sendOps[0].FullSend() {
		parent := sendOps[0].Parent
		sourcePath, ok := cat.Path(parent)
		if !ok {
			return nil, fmt.Errorf("chain parent %s is not in the catalog", parent)
		}
		heldPath := filepath.Join(targetPath, parent.Year(), string(parent))
		plan.Ops = append(plan.Ops, Op{
			Name:    "verify-parent",
			Summary: fmt.Sprintf("verify received parent %s on target", parent),
			Run: func(ctx context.Context, output io.Writer) error {
				return d.sender.VerifyParent(ctx, sourcePath, heldPath)
			},
		})
	}

	for _, sendOp := range sendOps {
		childPath, ok := cat.Path(sendOp.Child)
		if !ok {
			return nil, fmt.Errorf("planned snapshot %s is not in the catalog", sendOp.Child)
		}
		var parentPath string
		if !sendOp.FullSend() {
			parentPath, ok = cat.Path(sendOp.Parent)
			if !ok {
				return nil, fmt.Errorf("chain parent %s is not in the catalog", sendOp.Parent)
			}
		}
		destDir := filepath.Join(targetPath, sendOp.Child.Year())
		plan.Ops = append(plan.Ops, Op{
			Name:    string(sendOp.Child),
			Summary: sendOp.String(),
			Run: func(ctx context.Context, output io.Writer) error {
				return d.sender.Send(ctx, parentPath, childPath, destDir, output)
			},
		})
	}
	return plan, nil
}

// MirrorDestination mirrors one anchor snapshot per month onto a pool
// dataset and snapshots the dataset under the month label.
type MirrorDestination struct {
	cli      *zfs.CLI
	syncer   *rsync.Syncer
	pool     string
	dataset  string
	stateDir string
	runID    string
	// entries is the run's single snapshot listing, shared by all pools.
	entries []zfs.SnapshotEntry
}

func NewMirrorDestination(cli *zfs.CLI, syncer *rsync.Syncer, pool, dataset, stateDir, runID string, entries []zfs.SnapshotEntry) *MirrorDestination {
	return &MirrorDestination{
		cli:      cli,
		syncer:   syncer,
		pool:     pool,
		dataset:  dataset,
		stateDir: stateDir,
		runID:    runID,
		entries:  entries,
	}
}

func (d *MirrorDestination) Name() string { return "mirror-" + d.pool }

// Plan derives the months missing from the pool and produces one op per
// month, oldest first. Only months newer than the pool's latest mirrored
// month are candidates; older gaps stay gaps.
func (d *MirrorDestination) Plan(ctx context.Context, cat *catalog.Catalog) (*Plan, error) {
	dataset := d.pool + "/" + d.dataset

	latest := zfs.LatestMirroredMonth(d.entries, d.pool, d.dataset)
	ops := mirrorplan.Plan(cat.MonthAnchors(), latest)

	// The lock lives in the host state dir, not on the dataset: the
	// mirror rsync would delete any foreign file from the mountpoint.
	lockDir := filepath.Join(d.stateDir, "locks", d.pool)
	if err := os.MkdirAll(lockDir, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	plan := &Plan{LockDir: lockDir}
	if len(ops) == 0 {
		return plan, nil
	}

	mountpoint, err := d.cli.Mountpoint(ctx, dataset)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve mountpoint of %s: %w", dataset, err)
	}
	plog.Info("Resolved mirror dataset", "dataset", dataset, "mountpoint", mountpoint)

	for _, mirrorOp := range ops {
		op := mirrorOp
		plan.Ops = append(plan.Ops, Op{
			Name:    op.Month,
			Summary: fmt.Sprintf("%s onto %s", op.String(), dataset),
			Run: func(ctx context.Context, output io.Writer) error {
				return d.mirrorMonth(ctx, dataset, mountpoint, op, output)
			},
		})
	}
	return plan, nil
}

func (d *MirrorDestination) mirrorMonth(ctx context.Context, dataset, mountpoint string, op mirrorplan.MirrorOp, output io.Writer) error {
	if err := d.syncer.Mirror(ctx, op.Path, mountpoint, output); err != nil {
		return err
	}

	// Snapshot immediately, so the next month's rsync never runs against
	// a dataset whose previous state is not yet captured.
	if err := d.cli.Snapshot(ctx, dataset, op.Month); err != nil {
		return fmt.Errorf("mirror of %s succeeded but the pool snapshot failed: %w", op.Month, err)
	}

	if space, err := zfs.PoolSpace(mountpoint); err != nil {
		plog.Warn("Could not read pool space", "pool", d.pool, "error", err)
	} else {
		plog.Info("Pool space after mirror", "pool", d.pool,
			"total", util.ByteCountIEC(int64(space.TotalBytes)),
			"free", util.ByteCountIEC(int64(space.FreeBytes)))
	}

	// The marker is an operator breadcrumb. Planning state lives in the
	// pool's snapshot list, so a failed write does not fail the op.
	if err := marker.Write(d.stateDir, &marker.Content{
		Pool:         d.pool,
		Dataset:      d.dataset,
		Month:        op.Month,
		RunID:        d.runID,
		TimestampUTC: time.Now().UTC(),
	}); err != nil {
		plog.Warn("Could not write mirror marker", "pool", d.pool, "error", err)
	}
	return nil
}

// DiscoverPools returns the attached configured pools in configured
// order, plus the snapshot listing the decision was based on. A pool
// with snapshots that is missing from configured aborts the mirror path:
// an unknown pool holding mirror state is an operator error, not a
// destination to guess about.
func DiscoverPools(ctx context.Context, cli *zfs.CLI, configured []string, dataset string) ([]string, []zfs.SnapshotEntry, error) {
	entries, err := cli.ListSnapshots(ctx)
	if err != nil {
		return nil, nil, err
	}
	if _, err := target.ResolvePools(zfs.Pools(entries), configured); err != nil {
		return nil, nil, err
	}

	datasets, err := cli.ListDatasets(ctx)
	if err != nil {
		return nil, nil, err
	}
	attached := make(map[string]struct{}, len(datasets))
	for _, ds := range datasets {
		attached[ds] = struct{}{}
	}

	var present []string
	for _, pool := range configured {
		mirrorDataset := pool + "/" + dataset
		if _, ok := attached[mirrorDataset]; ok {
			present = append(present, pool)
			continue
		}
		if _, ok := attached[pool]; ok {
			plog.Warn("Pool is attached but has no mirror dataset, skipping", "pool", pool, "dataset", mirrorDataset)
			continue
		}
		plog.Debug("Pool not attached", "pool", pool)
	}
	return present, entries, nil
}
