package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bmillwood/backups/pkg/btrfs"
	"github.com/bmillwood/backups/pkg/buildinfo"
	"github.com/bmillwood/backups/pkg/catalog"
	"github.com/bmillwood/backups/pkg/config"
	"github.com/bmillwood/backups/pkg/engine"
	"github.com/bmillwood/backups/pkg/hints"
	"github.com/bmillwood/backups/pkg/hook"
	"github.com/bmillwood/backups/pkg/plog"
	"github.com/bmillwood/backups/pkg/rsync"
	"github.com/bmillwood/backups/pkg/runlog"
	"github.com/bmillwood/backups/pkg/target"
	"github.com/bmillwood/backups/pkg/util"
	"github.com/bmillwood/backups/pkg/zfs"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ctrl+C cancels the run context. Cancellation is polite: a transfer
	// already in flight finishes, the run stops before the next operation
	// would start.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		plog.Warn("Interrupt received, stopping after the operation in flight.")
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the --config flag, layers the
// other command-line flags over it, validates the result and configures the
// global logger. Every verb that plans or executes goes through here.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("quiet") {
		cfg.Quiet, _ = cmd.Flags().GetBool("quiet")
	}
	cfg.Runtime.DryRun, _ = cmd.Flags().GetBool("dry-run")

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	// Validate has already rejected unknown level names.
	level, _ := plog.LevelFromString(cfg.LogLevel)
	plog.SetLevel(level)
	plog.SetQuiet(cfg.Quiet)

	return cfg, nil
}

// buildDestinations assembles the destinations a run executes against.
// withSend and withMirror restrict the run to one destination family; a
// family that is disabled in the configuration is never built.
func buildDestinations(ctx context.Context, cfg config.Config, runID string, withSend, withMirror bool) ([]engine.Destination, error) {
	var destinations []engine.Destination

	if withSend && cfg.Send.Enabled {
		sender := btrfs.NewSender(nil)
		destinations = append(destinations,
			engine.NewSendDestination(target.NewResolver(), sender, cfg.Send.CandidatePaths, cfg.Send.VerifyParent))
	}

	if withMirror && cfg.Mirror.Enabled {
		cli := zfs.NewCLI(nil)
		present, entries, err := engine.DiscoverPools(ctx, cli, cfg.Mirror.Pools, cfg.Mirror.Dataset)
		if err != nil {
			return nil, err
		}
		syncer := rsync.NewSyncer(nil)
		for _, pool := range present {
			destinations = append(destinations,
				engine.NewMirrorDestination(cli, syncer, pool, cfg.Mirror.Dataset, cfg.Mirror.StateDir, runID, entries))
		}
	}

	return destinations, nil
}

// executeRun is the shared body of the run, send and mirror verbs.
func executeRun(cmd *cobra.Command, withSend, withMirror bool) error {
	ctx := cmd.Context()

	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.LogSummary()

	// The run verb takes whatever the configuration enables; the narrowed
	// verbs refuse to silently do nothing.
	if withSend && !withMirror && !cfg.Send.Enabled {
		return fmt.Errorf("send is disabled in the configuration")
	}
	if withMirror && !withSend && !cfg.Mirror.Enabled {
		return fmt.Errorf("mirror is disabled in the configuration")
	}

	startTime := time.Now()

	cat, err := catalog.Scan(cfg.Source.Roots)
	if err != nil {
		return err
	}
	if cat.Len() == 0 {
		return fmt.Errorf("no snapshots found under the configured source roots")
	}

	runID := runlog.NewRunID(startTime)
	destinations, err := buildDestinations(ctx, cfg, runID, withSend, withMirror)
	if err != nil {
		return err
	}
	if len(destinations) == 0 {
		plog.Notice("No destinations to run against.")
		return nil
	}

	runner := &engine.Runner{
		AppID:     buildinfo.Name,
		RunID:     runID,
		DryRun:    cfg.Runtime.DryRun,
		LogsDir:   cfg.Logs.Dir,
		LogFormat: cfg.Logs.Format,
		KeepRuns:  cfg.Logs.KeepRuns,
		Hooks:     hook.NewExecutor(nil),
		HookPlan:  cfg.HookPlan(),
	}

	err = runner.Execute(ctx, cat, destinations)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}

var rootCmd = &cobra.Command{
	Use:           "backups",
	Short:         "Replicates monthly btrfs snapshots to removable disks and ZFS mirror pools",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Plan and execute every enabled destination",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd, true, true)
	},
}

// send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Plan and execute only the removable-disk destination",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd, true, false)
	},
}

// mirror command
var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Plan and execute only the ZFS mirror destinations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd, false, true)
	},
}

// plan command
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the operations a run would execute, without executing them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		cat, err := catalog.Scan(cfg.Source.Roots)
		if err != nil {
			return err
		}

		destinations, err := buildDestinations(ctx, cfg, runlog.NewRunID(time.Now()), true, true)
		if err != nil {
			return err
		}
		if len(destinations) == 0 {
			fmt.Println("No destinations to plan for.")
			return nil
		}

		var firstErr error
		for _, dest := range destinations {
			plan, err := dest.Plan(ctx, cat)
			if err != nil {
				if hints.IsHint(err) {
					fmt.Printf("%s: skipped (%v)\n", dest.Name(), err)
					continue
				}
				fmt.Printf("%s: planning failed: %v\n", dest.Name(), err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if len(plan.Ops) == 0 {
				fmt.Printf("%s: up to date\n", dest.Name())
				continue
			}
			for _, op := range plan.Ops {
				fmt.Printf("%s: %s\n", dest.Name(), op.Summary)
			}
		}
		return firstErr
	},
}

// init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a starter configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		force, _ := cmd.Flags().GetBool("force")

		if !force {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}
		}

		if err := config.Generate(path, config.NewDefault()); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", path)
		fmt.Println("Edit source.roots and send.candidate_paths before the first run.")
		return nil
	},
}

// logs command
var logsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "List captured runs, or replay the operation output of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		logsDir, err := util.ExpandPath(cfg.Logs.Dir)
		if err != nil {
			return fmt.Errorf("could not expand logs.dir: %w", err)
		}
		logsDir = filepath.Clean(logsDir)

		if len(args) == 0 {
			return listRuns(logsDir)
		}
		return replayRun(logsDir, args[0])
	},
}

// version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the application version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s version %s\n", buildinfo.Name, buildinfo.Version)
	},
}

// listRuns prints the IDs of the runs that still have captured output.
func listRuns(logsDir string) error {
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No runs captured yet.")
			return nil
		}
		return fmt.Errorf("cannot read logs directory: %w", err)
	}

	runs := 0
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Println(entry.Name())
			runs++
		}
	}
	if runs == 0 {
		fmt.Println("No runs captured yet.")
	}
	return nil
}

// replayRun decompresses and prints every operation log of one run.
func replayRun(logsDir, runID string) error {
	if strings.ContainsAny(runID, `/\`) {
		return fmt.Errorf("invalid run id %q", runID)
	}

	runDir := filepath.Join(logsDir, runID)
	destDirs, err := os.ReadDir(runDir)
	if err != nil {
		return fmt.Errorf("cannot read run %s: %w", runID, err)
	}

	for _, destDir := range destDirs {
		if !destDir.IsDir() {
			continue
		}
		opFiles, err := os.ReadDir(filepath.Join(runDir, destDir.Name()))
		if err != nil {
			return fmt.Errorf("cannot read destination logs: %w", err)
		}
		for _, opFile := range opFiles {
			opPath := filepath.Join(runDir, destDir.Name(), opFile.Name())
			reader, err := runlog.Open(opPath)
			if err != nil {
				plog.Warn("Skipping unreadable operation log", "path", opPath, "error", err)
				continue
			}
			fmt.Printf("--- %s/%s ---\n", destDir.Name(), opFile.Name())
			_, err = runlog.Copy(os.Stdout, reader)
			reader.Close()
			if err != nil {
				return fmt.Errorf("replay of %s failed: %w", opPath, err)
			}
		}
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().String("config", config.DefaultPath(), "Path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level: 'debug', 'notice', 'info', 'warn', 'error'")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress all log output below warnings")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolP("dry-run", "n", false, "Log the operations without executing them")
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolP("dry-run", "n", false, "Log the operations without executing them")
	rootCmd.AddCommand(mirrorCmd)
	mirrorCmd.Flags().BoolP("dry-run", "n", false, "Log the operations without executing them")
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().Bool("force", false, "Overwrite an existing configuration file")
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(versionCmd)
}
