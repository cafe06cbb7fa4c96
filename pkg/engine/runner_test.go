package engine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bmillwood/backups/pkg/catalog"
	"github.com/bmillwood/backups/pkg/engine"
	"github.com/bmillwood/backups/pkg/hints"
	"github.com/bmillwood/backups/pkg/hook"
	"github.com/bmillwood/backups/pkg/lockfile"
	"github.com/bmillwood/backups/pkg/runlog"
)

// --- Mocks ---

// fakeDestination hands out a prepared plan, or a prepared planning error.
type fakeDestination struct {
	name    string
	plan    *engine.Plan
	planErr error
}

func (d *fakeDestination) Name() string { return d.name }

func (d *fakeDestination) Plan(ctx context.Context, cat *catalog.Catalog) (*engine.Plan, error) {
	if d.planErr != nil {
		return nil, d.planErr
	}
	return d.plan, nil
}

// opRecorder tracks which operations ran. Destinations execute
// concurrently, so access is guarded.
type opRecorder struct {
	mu  sync.Mutex
	ran []string
}

func (r *opRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, name)
}

func (r *opRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

// op builds an operation that records itself, writes a line of output
// and returns the given error.
func (r *opRecorder) op(name string, err error) engine.Op {
	return engine.Op{
		Name:    name,
		Summary: "test operation " + name,
		Run: func(ctx context.Context, output io.Writer) error {
			r.record(name)
			fmt.Fprintf(output, "output of %s\n", name)
			return err
		},
	}
}

func newTestRunner(t *testing.T) *engine.Runner {
	t.Helper()
	return &engine.Runner{
		AppID:     "backups-test",
		RunID:     runlog.NewRunID(time.Now()),
		LogsDir:   t.TempDir(),
		LogFormat: runlog.Gzip,
		KeepRuns:  -1,
		Hooks:     hook.NewExecutor(nil),
		HookPlan:  &hook.Plan{},
	}
}

func emptyCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Scan(nil)
	if err != nil {
		t.Fatalf("catalog.Scan() error = %v", err)
	}
	return cat
}

// TestHelperProcess isn't a real test. It's a helper process that the exec-based
// tests can run. It's a standard pattern for testing code that uses os/exec.
// It prints GO_HELPER_STDOUT when set and fails when any argument contains
// "fail".
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	if os.Getenv("GO_HELPER_FAIL") == "1" {
		fmt.Fprintln(os.Stderr, "helper: simulated failure")
		os.Exit(1)
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	for _, arg := range args {
		if strings.Contains(arg, "fail") {
			fmt.Fprintln(os.Stderr, "helper: simulated failure")
			os.Exit(1)
		}
	}
	if out := os.Getenv("GO_HELPER_STDOUT"); out != "" {
		fmt.Print(out)
	}
	os.Exit(0)
}

// --- Tests ---

func TestExecuteDestinations(t *testing.T) {
	tests := []struct {
		name          string
		destinations  func(t *testing.T, rec *opRecorder) []engine.Destination
		dryRun        bool
		expectError   bool
		errorContains string
		expectRan     []string
		expectNotRan  []string
	}{
		{
			name: "All Destinations Succeed",
			destinations: func(t *testing.T, rec *opRecorder) []engine.Destination {
				return []engine.Destination{
					&fakeDestination{name: "send", plan: &engine.Plan{
						LockDir: t.TempDir(),
						Ops:     []engine.Op{rec.op("a1", nil), rec.op("a2", nil)},
					}},
					&fakeDestination{name: "mirror-tank", plan: &engine.Plan{
						LockDir: t.TempDir(),
						Ops:     []engine.Op{rec.op("b1", nil)},
					}},
				}
			},
			expectRan: []string{"a1", "a2", "b1"},
		},
		{
			name: "Failure Aborts Only That Destination",
			destinations: func(t *testing.T, rec *opRecorder) []engine.Destination {
				return []engine.Destination{
					&fakeDestination{name: "send", plan: &engine.Plan{
						LockDir: t.TempDir(),
						Ops:     []engine.Op{rec.op("a1", errors.New("send exited with code 1")), rec.op("a2", nil)},
					}},
					&fakeDestination{name: "mirror-tank", plan: &engine.Plan{
						LockDir: t.TempDir(),
						Ops:     []engine.Op{rec.op("b1", nil), rec.op("b2", nil)},
					}},
				}
			},
			expectError:   true,
			errorContains: "1 of 2 destinations failed",
			expectRan:     []string{"a1", "b1", "b2"},
			expectNotRan:  []string{"a2"},
		},
		{
			name: "Planning Hint Skips Destination",
			destinations: func(t *testing.T, rec *opRecorder) []engine.Destination {
				return []engine.Destination{
					&fakeDestination{name: "send", planErr: hints.New("no removable target attached")},
					&fakeDestination{name: "mirror-tank", plan: &engine.Plan{
						LockDir: t.TempDir(),
						Ops:     []engine.Op{rec.op("b1", nil)},
					}},
				}
			},
			expectRan: []string{"b1"},
		},
		{
			name: "Planning Failure Fails Destination",
			destinations: func(t *testing.T, rec *opRecorder) []engine.Destination {
				return []engine.Destination{
					&fakeDestination{name: "mirror-tank", planErr: errors.New("zfs list failed")},
				}
			},
			expectError:   true,
			errorContains: "planning failed",
		},
		{
			name: "Empty Plan Is Up To Date",
			destinations: func(t *testing.T, rec *opRecorder) []engine.Destination {
				return []engine.Destination{
					&fakeDestination{name: "send", plan: &engine.Plan{LockDir: t.TempDir()}},
				}
			},
		},
		{
			name: "Dry Run Executes Nothing",
			destinations: func(t *testing.T, rec *opRecorder) []engine.Destination {
				return []engine.Destination{
					&fakeDestination{name: "send", plan: &engine.Plan{
						LockDir: t.TempDir(),
						Ops:     []engine.Op{rec.op("a1", nil), rec.op("a2", nil)},
					}},
				}
			},
			dryRun:       true,
			expectNotRan: []string{"a1", "a2"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &opRecorder{}
			r := newTestRunner(t)
			r.DryRun = tc.dryRun

			err := r.Execute(context.Background(), emptyCatalog(t), tc.destinations(t, rec))

			if tc.expectError {
				if err == nil {
					t.Fatal("expected error, but got nil")
				}
				if tc.errorContains != "" && !strings.Contains(err.Error(), tc.errorContains) {
					t.Errorf("expected error to contain %q, but got: %v", tc.errorContains, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			ran := rec.names()
			for _, want := range tc.expectRan {
				if !slices.Contains(ran, want) {
					t.Errorf("expected operation %q to run, executed: %v", want, ran)
				}
			}
			for _, notWant := range tc.expectNotRan {
				if slices.Contains(ran, notWant) {
					t.Errorf("expected operation %q NOT to run, executed: %v", notWant, ran)
				}
			}
		})
	}
}

// Operations of one destination must run in plan order even while other
// destinations execute concurrently.
func TestExecuteKeepsPerDestinationOrder(t *testing.T) {
	rec := &opRecorder{}
	r := newTestRunner(t)

	destinations := []engine.Destination{
		&fakeDestination{name: "send", plan: &engine.Plan{
			LockDir: t.TempDir(),
			Ops:     []engine.Op{rec.op("a1", nil), rec.op("a2", nil), rec.op("a3", nil)},
		}},
		&fakeDestination{name: "mirror-tank", plan: &engine.Plan{
			LockDir: t.TempDir(),
			Ops:     []engine.Op{rec.op("b1", nil), rec.op("b2", nil)},
		}},
	}
	if err := r.Execute(context.Background(), emptyCatalog(t), destinations); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ran := rec.names()
	for _, pair := range [][2]string{{"a1", "a2"}, {"a2", "a3"}, {"b1", "b2"}} {
		if slices.Index(ran, pair[0]) > slices.Index(ran, pair[1]) {
			t.Errorf("expected %q before %q, executed: %v", pair[0], pair[1], ran)
		}
	}
}

func TestExecuteCapturesOpOutput(t *testing.T) {
	rec := &opRecorder{}
	r := newTestRunner(t)

	dest := &fakeDestination{name: "send", plan: &engine.Plan{
		LockDir: t.TempDir(),
		Ops:     []engine.Op{rec.op("2024-05-01", nil)},
	}}
	if err := r.Execute(context.Background(), emptyCatalog(t), []engine.Destination{dest}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logPath := filepath.Join(r.LogsDir, r.RunID, "send", "2024-05-01.log.gz")
	rc, err := runlog.Open(logPath)
	if err != nil {
		t.Fatalf("runlog.Open(%s) error = %v", logPath, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := runlog.Copy(&buf, rc); err != nil {
		t.Fatalf("runlog.Copy() error = %v", err)
	}
	if !strings.Contains(buf.String(), "output of 2024-05-01") {
		t.Errorf("expected captured output in %s, got %q", logPath, buf.String())
	}
}

func TestExecuteFailureErrorChain(t *testing.T) {
	rec := &opRecorder{}
	r := newTestRunner(t)

	opErr := errors.New("btrfs send exited with code 1")
	dest := &fakeDestination{name: "send", plan: &engine.Plan{
		LockDir: t.TempDir(),
		Ops:     []engine.Op{rec.op("2024-06-01", opErr)},
	}}
	err := r.Execute(context.Background(), emptyCatalog(t), []engine.Destination{dest})
	if err == nil {
		t.Fatal("expected error, but got nil")
	}

	var destErr *engine.DestinationError
	if !errors.As(err, &destErr) {
		t.Fatalf("expected a *engine.DestinationError in the chain, got: %v", err)
	}
	if destErr.Destination != "send" {
		t.Errorf("DestinationError.Destination = %q, want %q", destErr.Destination, "send")
	}

	var oe *engine.OpError
	if !errors.As(err, &oe) {
		t.Fatalf("expected a *engine.OpError in the chain, got: %v", err)
	}
	if oe.Op != "2024-06-01" {
		t.Errorf("OpError.Op = %q, want %q", oe.Op, "2024-06-01")
	}
	if oe.LogPath == "" {
		t.Error("expected OpError.LogPath to point at the captured output")
	}
	if !errors.Is(err, opErr) {
		t.Errorf("expected error chain to preserve the operation error, got: %v", err)
	}
}

func TestExecuteCancellationStopsBetweenOps(t *testing.T) {
	rec := &opRecorder{}
	r := newTestRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first operation cancels the run while it executes; it must
	// still finish, and no further operation may start.
	first := engine.Op{
		Name:    "first",
		Summary: "cancels the run mid-flight",
		Run: func(ctx context.Context, output io.Writer) error {
			rec.record("first")
			cancel()
			return nil
		},
	}
	dest := &fakeDestination{name: "send", plan: &engine.Plan{
		LockDir: t.TempDir(),
		Ops:     []engine.Op{first, rec.op("second", nil)},
	}}

	err := r.Execute(ctx, emptyCatalog(t), []engine.Destination{dest})
	if err == nil {
		t.Fatal("expected error after cancellation, but got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in the chain, got: %v", err)
	}

	ran := rec.names()
	if !slices.Contains(ran, "first") {
		t.Errorf("expected the in-flight operation to finish, executed: %v", ran)
	}
	if slices.Contains(ran, "second") {
		t.Errorf("expected no further operations after cancellation, executed: %v", ran)
	}
}

func TestExecuteSkipsLockedDestination(t *testing.T) {
	lockDir := t.TempDir()
	held, err := lockfile.Acquire(context.Background(), lockDir, "backups-test:send")
	if err != nil {
		t.Fatalf("could not pre-acquire lock: %v", err)
	}
	defer held.Release()

	rec := &opRecorder{}
	r := newTestRunner(t)
	dest := &fakeDestination{name: "send", plan: &engine.Plan{
		LockDir: lockDir,
		Ops:     []engine.Op{rec.op("a1", nil)},
	}}

	// A destination already being written by another run is skipped
	// gracefully, without failing the run.
	if err := r.Execute(context.Background(), emptyCatalog(t), []engine.Destination{dest}); err != nil {
		t.Fatalf("expected graceful skip, got error: %v", err)
	}
	if ran := rec.names(); len(ran) != 0 {
		t.Errorf("expected no operations while the destination is locked, executed: %v", ran)
	}
}

func TestExecuteHooks(t *testing.T) {
	tests := []struct {
		name          string
		preRun        []string
		postRun       []string
		opErr         error
		expectError   bool
		errorContains string
		expectOpsRan  bool
		expectedHooks []string
	}{
		{
			name:          "Hooks Run Around Destinations",
			preRun:        []string{"echo pre"},
			postRun:       []string{"echo post"},
			expectOpsRan:  true,
			expectedHooks: []string{"echo pre", "echo post"},
		},
		{
			name:          "Pre-Run Hook Failure Aborts The Run",
			preRun:        []string{"fail mount"},
			expectError:   true,
			errorContains: "pre-run hook failed",
			expectOpsRan:  false,
			expectedHooks: []string{"fail mount"},
		},
		{
			name:          "Post-Run Hook Failure Is Tolerated",
			postRun:       []string{"fail unmount"},
			expectOpsRan:  true,
			expectedHooks: []string{"fail unmount"},
		},
		{
			name:          "Post-Run Hooks Run After A Destination Failure",
			postRun:       []string{"echo post"},
			opErr:         errors.New("send exited with code 1"),
			expectError:   true,
			errorContains: "1 of 1 destinations failed",
			expectOpsRan:  true,
			expectedHooks: []string{"echo post"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var executed []string
			mock := func(ctx context.Context, name string, arg ...string) *exec.Cmd {
				command := name
				if len(arg) > 0 {
					command = arg[len(arg)-1]
				}
				executed = append(executed, command)

				cs := []string{"-test.run=TestHelperProcess", "--", command}
				cmd := exec.CommandContext(ctx, os.Args[0], cs...)
				cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
				return cmd
			}

			rec := &opRecorder{}
			r := newTestRunner(t)
			r.Hooks = hook.NewExecutor(mock)
			r.HookPlan = &hook.Plan{
				Enabled:         true,
				PreRunCommands:  tc.preRun,
				PostRunCommands: tc.postRun,
			}

			dest := &fakeDestination{name: "send", plan: &engine.Plan{
				LockDir: t.TempDir(),
				Ops:     []engine.Op{rec.op("a1", tc.opErr)},
			}}
			err := r.Execute(context.Background(), emptyCatalog(t), []engine.Destination{dest})

			if tc.expectError {
				if err == nil {
					t.Fatal("expected error, but got nil")
				}
				if tc.errorContains != "" && !strings.Contains(err.Error(), tc.errorContains) {
					t.Errorf("expected error to contain %q, but got: %v", tc.errorContains, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := slices.Contains(rec.names(), "a1"); got != tc.expectOpsRan {
				t.Errorf("operation ran = %v, want %v", got, tc.expectOpsRan)
			}
			if !slices.Equal(executed, tc.expectedHooks) {
				t.Errorf("executed hooks = %v, want %v", executed, tc.expectedHooks)
			}
		})
	}
}
