package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/bmillwood/backups/pkg/buildinfo"
	"github.com/bmillwood/backups/pkg/hook"
	"github.com/bmillwood/backups/pkg/plog"
	"github.com/bmillwood/backups/pkg/runlog"
	"github.com/bmillwood/backups/pkg/util"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "backups.config.toml"

type SourceConfig struct {
	// Roots are the directories scanned for monthly snapshots. When the
	// same snapshot name appears under several roots, the earliest root
	// in this list wins.
	Roots []string `toml:"roots"`
}

type SendConfig struct {
	Enabled bool `toml:"enabled"`
	// CandidatePaths are the mount points a removable target disk may
	// appear under. Exactly one of them must be attached during a run.
	CandidatePaths []string `toml:"candidate_paths"`
	// VerifyParent checks that the parent snapshot on the target was
	// received completely before an incremental send builds on it.
	VerifyParent bool `toml:"verify_parent"`
}

type MirrorConfig struct {
	Enabled bool `toml:"enabled"`
	// Pools are the ZFS pools that may be attached. Pools not on this
	// list abort the run; pools on the list may be absent.
	Pools []string `toml:"pools"`
	// Dataset is the dataset under each pool that receives the mirror.
	Dataset string `toml:"dataset"`
	// StateDir receives the per-pool marker files.
	StateDir string `toml:"state_dir"`
}

type LogsConfig struct {
	// Dir is the base directory for per-run command output capture.
	Dir      string        `toml:"dir"`
	Format   runlog.Format `toml:"format"`
	KeepRuns int           `toml:"keep_runs"`
}

type HooksConfig struct {
	Enabled bool `toml:"enabled"`
	// PreRun is a list of shell commands to execute before the run starts.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreRun []string `toml:"pre_run"`
	// PostRun is a list of shell commands to execute after the run ends.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PostRun []string `toml:"post_run"`
}

type RuntimeConfig struct {
	DryRun bool
}

type Config struct {
	Version  string        `toml:"version"`
	LogLevel string        `toml:"log_level"`
	Quiet    bool          `toml:"quiet"`
	Runtime  RuntimeConfig `toml:"-"` // Never added to config file
	Source   SourceConfig  `toml:"source"`
	Send     SendConfig    `toml:"send"`
	Mirror   MirrorConfig  `toml:"mirror"`
	Logs     LogsConfig    `toml:"logs"`
	Hooks    HooksConfig   `toml:"hooks"`
}

// NewDefault creates and returns a Config struct with sensible default
// values. Source roots and send candidates stay empty to force user
// configuration.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		LogLevel: "info", // Default log level.
		Source: SourceConfig{
			Roots: []string{}, // Intentionally empty to force user configuration.
		},
		Send: SendConfig{
			Enabled:        true,
			CandidatePaths: []string{}, // Intentionally empty to force user configuration.
			VerifyParent:   true,
		},
		Mirror: MirrorConfig{
			Enabled:  true,
			Pools:    []string{}, // An empty pool list is legal, mirroring is then a no-op.
			Dataset:  "root",
			StateDir: "~/.local/state/backups",
		},
		Logs: LogsConfig{
			Dir:      "~/.local/state/backups/runs",
			Format:   runlog.DefaultFormat,
			KeepRuns: 20,
		},
		Hooks: HooksConfig{
			// Note: omitempty is intentionally not used so that the hook fields
			// appear in the generated config file for better discoverability.
			Enabled: false,
			PreRun:  []string{},
			PostRun: []string{},
		},
	}
}

// DefaultPath returns the standard location of the config file.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "backups", ConfigFileName)
	}
	return ConfigFileName
}

// Load reads the config file at path, layered over the defaults so missing
// fields keep their default values. A missing file yields the defaults;
// validation then reports what is missing with more context than a bare
// open error would.
func Load(path string) (Config, error) {

	absConfigPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config file %s: %w", path, err)
	}

	file, err := os.Open(absConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			plog.Debug("No config file found, using defaults", "path", absConfigPath)
			return NewDefault(), nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", absConfigPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", absConfigPath)
	// Start with default values, then overwrite with the file's content.
	// NOTE: if config.Version differs from the app version we can add a migration step here.
	config := NewDefault()
	meta, err := toml.NewDecoder(file).Decode(&config)
	if err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absConfigPath, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		plog.Warn("Ignoring unknown keys in config file", "path", absConfigPath, "keys", strings.Join(keys, ", "))
	}

	// At this point our config has been migrated if needed so override the version in the struct
	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate creates or overwrites the config file at path, creating parent
// directories as needed.
func Generate(path string, configToGenerate Config) error {
	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(configToGenerate); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies.
// Paths are expanded and cleaned in place, so callers work with canonical
// values afterwards.
func (c *Config) Validate() error {
	if _, err := plog.LevelFromString(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if !c.Send.Enabled && !c.Mirror.Enabled {
		return fmt.Errorf("at least one of send or mirror must be enabled")
	}

	if len(c.Source.Roots) == 0 {
		return fmt.Errorf("no snapshot roots configured (run 'backups init' and edit the config file)")
	}
	roots, err := expandAll("source.roots", c.Source.Roots)
	if err != nil {
		return err
	}
	c.Source.Roots = roots

	if c.Send.Enabled {
		if len(c.Send.CandidatePaths) == 0 {
			return fmt.Errorf("send is enabled but send.candidate_paths is empty")
		}
		candidates, err := expandAll("send.candidate_paths", c.Send.CandidatePaths)
		if err != nil {
			return err
		}
		c.Send.CandidatePaths = candidates
	}

	if c.Mirror.Enabled {
		if c.Mirror.Dataset == "" {
			return fmt.Errorf("mirror.dataset cannot be empty")
		}
		if strings.Contains(c.Mirror.Dataset, "@") {
			return fmt.Errorf("mirror.dataset %q cannot contain '@'", c.Mirror.Dataset)
		}
		if strings.HasPrefix(c.Mirror.Dataset, "/") || strings.HasSuffix(c.Mirror.Dataset, "/") {
			return fmt.Errorf("mirror.dataset %q cannot start or end with '/'", c.Mirror.Dataset)
		}
		seen := make(map[string]struct{}, len(c.Mirror.Pools))
		for _, pool := range c.Mirror.Pools {
			if pool == "" {
				return fmt.Errorf("mirror.pools entries cannot be empty")
			}
			if strings.ContainsAny(pool, "/@") {
				return fmt.Errorf("mirror.pools entry %q must be a pool name, not a dataset", pool)
			}
			if _, dup := seen[pool]; dup {
				return fmt.Errorf("mirror.pools contains duplicate entry %q", pool)
			}
			seen[pool] = struct{}{}
		}
		if c.Mirror.StateDir == "" {
			return fmt.Errorf("mirror.state_dir cannot be empty")
		}
		stateDir, err := util.ExpandPath(c.Mirror.StateDir)
		if err != nil {
			return fmt.Errorf("could not expand mirror.state_dir: %w", err)
		}
		c.Mirror.StateDir = filepath.Clean(stateDir)
	}

	if c.Logs.Dir == "" {
		return fmt.Errorf("logs.dir cannot be empty")
	}
	logsDir, err := util.ExpandPath(c.Logs.Dir)
	if err != nil {
		return fmt.Errorf("could not expand logs.dir: %w", err)
	}
	c.Logs.Dir = filepath.Clean(logsDir)

	return nil
}

// HookPlan returns the hook plan for a run under this configuration.
func (c *Config) HookPlan() *hook.Plan {
	return &hook.Plan{
		Enabled:         c.Hooks.Enabled,
		PreRunCommands:  c.Hooks.PreRun,
		PostRunCommands: c.Hooks.PostRun,
		DryRun:          c.Runtime.DryRun,
	}
}

func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"dry_run", c.Runtime.DryRun,
		"roots", strings.Join(c.Source.Roots, ", "),
	}
	if c.Send.Enabled {
		sendSummary := fmt.Sprintf("enabled (candidates:%d verify_parent:%t)",
			len(c.Send.CandidatePaths), c.Send.VerifyParent)
		logArgs = append(logArgs, "send", sendSummary)
	}
	if c.Mirror.Enabled {
		mirrorSummary := fmt.Sprintf("enabled (pools:%s dataset:%s)",
			strings.Join(c.Mirror.Pools, "|"), c.Mirror.Dataset)
		logArgs = append(logArgs, "mirror", mirrorSummary)
	}
	logArgs = append(logArgs, "run_logs", fmt.Sprintf("%s (f:%s keep:%d)", c.Logs.Dir, c.Logs.Format, c.Logs.KeepRuns))
	if c.Hooks.Enabled {
		if len(c.Hooks.PreRun) > 0 {
			logArgs = append(logArgs, "pre_run_hooks", strings.Join(c.Hooks.PreRun, "; "))
		}
		if len(c.Hooks.PostRun) > 0 {
			logArgs = append(logArgs, "post_run_hooks", strings.Join(c.Hooks.PostRun, "; "))
		}
	}
	plog.Info("Configuration loaded", logArgs...)
}

// expandAll expands and cleans a list of configured paths, rejecting
// empty and duplicate entries. Order is preserved.
func expandAll(fieldName string, paths []string) ([]string, error) {
	seen := make(map[string]struct{}, len(paths))
	expanded := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			return nil, fmt.Errorf("%s entries cannot be empty", fieldName)
		}
		abs, err := util.ExpandPath(p)
		if err != nil {
			return nil, fmt.Errorf("could not expand %s entry %q: %w", fieldName, p, err)
		}
		abs = filepath.Clean(abs)
		if _, dup := seen[abs]; dup {
			return nil, fmt.Errorf("%s contains duplicate entry %q", fieldName, abs)
		}
		seen[abs] = struct{}{}
		expanded = append(expanded, abs)
	}
	return expanded, nil
}
