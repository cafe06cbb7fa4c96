package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bmillwood/backups/pkg/catalog"
	"github.com/bmillwood/backups/pkg/hints"
	"github.com/bmillwood/backups/pkg/hook"
	"github.com/bmillwood/backups/pkg/lockfile"
	"github.com/bmillwood/backups/pkg/plog"
	"github.com/bmillwood/backups/pkg/runlog"
)

// DestinationError reports that one destination's run failed. Sibling
// destinations are unaffected by it.
type DestinationError struct {
	Destination string
	Err         error
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("destination %s failed: %v", e.Destination, e.Err)
}

func (e *DestinationError) Unwrap() error { return e.Err }

// OpError reports a failed operation and where its captured output went.
type OpError struct {
	Op      string
	LogPath string
	Err     error
}

func (e *OpError) Error() string {
	if e.LogPath == "" {
		return fmt.Sprintf("operation %q failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("operation %q failed: %v (output captured in %s)", e.Op, e.Err, e.LogPath)
}

func (e *OpError) Unwrap() error { return e.Err }

// Runner executes a run: pre-run hooks, then every destination
// concurrently, then post-run hooks. Destinations are isolated; the run
// fails if any destination fails, after all of them had their chance.
type Runner struct {
	AppID     string
	RunID     string
	DryRun    bool
	LogsDir   string
	LogFormat runlog.Format
	KeepRuns  int
	Hooks     *hook.Executor
	HookPlan  *hook.Plan
}

// Execute runs all destinations against the shared catalog.
func (r *Runner) Execute(ctx context.Context, cat *catalog.Catalog, destinations []Destination) error {
	// Check for cancellation at the very beginning.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.Hooks.RunPre(ctx, r.HookPlan); err != nil {
		if hints.IsHint(err) {
			plog.Debug("No pre-run hooks to execute", "reason", err)
		} else {
			// All pre-run hook errors are fatal. We wrap the error with a message
			// that distinguishes between a cancellation and a failure.
			errMsg := "pre-run hook failed"
			if errors.Is(err, context.Canceled) {
				errMsg = "pre-run hook canceled"
			}
			return fmt.Errorf("%s: %w", errMsg, err)
		}
	}

	// Post-run hooks always run, even when the run was canceled: they
	// tear down what the pre-run hooks set up.
	defer func() {
		if err := r.Hooks.RunPost(context.WithoutCancel(ctx), r.HookPlan); err != nil {
			if hints.IsHint(err) {
				plog.Debug("No post-run hooks to execute", "reason", err)
			} else {
				plog.Warn("Post-run hook failed", "error", err)
			}
		}
	}()

	plog.Info("Starting run", "run_id", r.RunID, "destinations", len(destinations), "snapshots", cat.Len(), "dry_run", r.DryRun)

	// A plain errgroup without a shared context: one destination failing
	// or skipping must not cancel its siblings.
	var g errgroup.Group
	results := make([]error, len(destinations))
	for i, dest := range destinations {
		i, dest := i, dest
		g.Go(func() error {
			results[i] = r.executeDestination(ctx, cat, dest)
			return results[i]
		})
	}
	firstErr := g.Wait()

	if !r.DryRun {
		if err := runlog.Prune(r.LogsDir, r.KeepRuns); err != nil {
			plog.Warn("Failed to prune old run logs", "error", err)
		}
	}

	var failed int
	for _, err := range results {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d destinations failed, first failure: %w", failed, len(destinations), firstErr)
	}
	plog.Info("Run completed", "run_id", r.RunID, "destinations", len(destinations))
	return nil
}

// executeDestination plans and runs one destination. A nil return means
// the destination finished or was skipped gracefully; an error counts
// against the run's exit status.
func (r *Runner) executeDestination(ctx context.Context, cat *catalog.Catalog, dest Destination) error {
	select {
	case <-ctx.Done():
		return &DestinationError{Destination: dest.Name(), Err: ctx.Err()}
	default:
	}

	plan, err := dest.Plan(ctx, cat)
	if err != nil {
		if hints.IsHint(err) {
			plog.Notice("Skipping destination", "destination", dest.Name(), "reason", err)
			return nil
		}
		return &DestinationError{Destination: dest.Name(), Err: fmt.Errorf("planning failed: %w", err)}
	}

	if len(plan.Ops) == 0 {
		plog.Info("Destination is up to date", "destination", dest.Name())
		return nil
	}

	releaseLock, err := r.acquireDestinationLock(ctx, plan.LockDir, dest.Name())
	if err != nil {
		return &DestinationError{Destination: dest.Name(), Err: err}
	}
	if releaseLock == nil {
		return nil // Lock was already held, exit gracefully.
	}
	defer releaseLock()

	plog.Info("Executing destination plan", "destination", dest.Name(), "operations", len(plan.Ops))

	timer := newOpTimer()
	for i, op := range plan.Ops {
		// Cancellation stops between operations. A transfer that already
		// started runs in its own process group and is never killed.
		select {
		case <-ctx.Done():
			plog.Warn("Run canceled, not starting further operations",
				"destination", dest.Name(), "completed", i, "remaining", len(plan.Ops)-i)
			return &DestinationError{Destination: dest.Name(), Err: ctx.Err()}
		default:
		}

		if r.DryRun {
			plog.Notice("[DRY RUN] Would execute", "destination", dest.Name(), "op", op.Summary)
			continue
		}

		plog.Info("Starting operation", "destination", dest.Name(), "op", op.Summary,
			"progress", fmt.Sprintf("%d/%d", i+1, len(plan.Ops)))

		output, logPath := r.openOpLog(dest.Name(), op.Name)

		start := time.Now()
		opErr := op.Run(ctx, output)
		elapsed := time.Since(start)

		if closer, ok := output.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				plog.Warn("Failed to close operation log", "path", logPath, "error", err)
			}
		}

		if opErr != nil {
			plog.Error("Operation failed, aborting remaining operations for this destination",
				"destination", dest.Name(), "op", op.Summary, "error", opErr,
				"completed", i, "remaining", len(plan.Ops)-i-1)
			return &DestinationError{
				Destination: dest.Name(),
				Err:         &OpError{Op: op.Name, LogPath: logPath, Err: opErr},
			}
		}

		timer.record(elapsed)
		logArgs := []interface{}{
			"destination", dest.Name(), "op", op.Name,
			"elapsed", elapsed.Truncate(time.Second).String(),
		}
		if remaining := len(plan.Ops) - i - 1; remaining > 0 {
			logArgs = append(logArgs, "remaining", remaining,
				"eta", timer.estimate(remaining).Truncate(time.Second).String())
		}
		plog.Info("Operation completed", logArgs...)
	}

	plog.Info("Destination completed", "destination", dest.Name(), "operations", len(plan.Ops))
	return nil
}

// openOpLog opens the captured-output log for one operation. Capture is
// best effort: when the log cannot be created the op still runs, with
// its output discarded.
func (r *Runner) openOpLog(destName, opName string) (io.Writer, string) {
	dir := filepath.Join(r.LogsDir, r.RunID, destName)
	w, err := runlog.Create(dir, opName, r.LogFormat)
	if err != nil {
		plog.Warn("Could not create operation log, output will not be captured",
			"destination", destName, "op", opName, "error", err)
		return io.Discard, ""
	}
	return w, w.Path()
}

// acquireDestinationLock acquires the run lock inside the destination's
// lock directory. It returns a release function that must be called to
// unlock, or nil when another run already holds the lock.
func (r *Runner) acquireDestinationLock(ctx context.Context, lockDir, destName string) (func(), error) {
	appID := fmt.Sprintf("%s:%s", r.AppID, destName)

	plog.Debug("Attempting to acquire lock", "path", lockDir)
	lock, err := lockfile.Acquire(ctx, lockDir, appID)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			plog.Warn("Another run is active for this destination, skipping it.", "details", lockErr.Error())
			return nil, nil // Return nil error to indicate a graceful exit.
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully.")

	return lock.Release, nil
}

// recentOps is how many of the latest operation durations feed the
// remaining-time estimate.
const recentOps = 5

// opTimer estimates remaining run time from the durations of the most
// recent operations.
type opTimer struct {
	recent []time.Duration
}

func newOpTimer() *opTimer {
	return &opTimer{recent: make([]time.Duration, 0, recentOps)}
}

func (t *opTimer) record(d time.Duration) {
	if len(t.recent) == recentOps {
		copy(t.recent, t.recent[1:])
		t.recent = t.recent[:recentOps-1]
	}
	t.recent = append(t.recent, d)
}

// estimate returns the projected time for remaining ops, the average of
// the recent samples times the remaining count. Zero without samples.
func (t *opTimer) estimate(remaining int) time.Duration {
	if len(t.recent) == 0 || remaining <= 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range t.recent {
		sum += d
	}
	return sum / time.Duration(len(t.recent)) * time.Duration(remaining)
}
