// Package config loads bmd settings.
//
// Sources, lowest precedence first:
//   - built-in defaults
//   - the global file: $XDG_CONFIG_HOME/bmd/config.yaml (or config.toml)
//   - the project file: ./.bmd/config.yaml (or config.toml)
//   - BMD_* environment variables (BMD_DASHBOARD_PORT, BMD_WATCH_DEBOUNCE, ...)
//   - command line flags bound with BindFlags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the full bmd configuration
type Config struct {
	// StateDir holds the database, the lock file and the log file
	StateDir string `mapstructure:"state_dir"`

	Watch     WatchConfig     `mapstructure:"watch"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	History   HistoryConfig   `mapstructure:"history"`
	Log       LogConfig       `mapstructure:"log"`
}

// WatchConfig configures file watching
type WatchConfig struct {
	Debounce   time.Duration `mapstructure:"debounce"`
	Extensions []string      `mapstructure:"extensions"`
}

// SyncConfig configures refreshes and persistence
type SyncConfig struct {
	InitialConcurrency int           `mapstructure:"initial_concurrency"`
	SaveInterval       time.Duration `mapstructure:"save_interval"`
}

// ScanConfig configures project discovery
type ScanConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
}

// DashboardConfig configures the HTTP/WebSocket dashboard
type DashboardConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// HistoryConfig configures refresh history retention
type HistoryConfig struct {
	Keep          int           `mapstructure:"keep"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// LogConfig configures the log file. An empty File logs to stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		StateDir: DefaultStateDir(),
		Watch: WatchConfig{
			Debounce:   500 * time.Millisecond,
			Extensions: []string{".md", ".yaml", ".yml"},
		},
		Sync: SyncConfig{
			InitialConcurrency: 4,
			SaveInterval:       time.Second,
		},
		Scan: ScanConfig{MaxDepth: 3},
		Dashboard: DashboardConfig{
			Host: "127.0.0.1",
			Port: 7420,
		},
		History: HistoryConfig{
			Keep:          50,
			PruneInterval: time.Hour,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// DefaultStateDir returns $XDG_STATE_HOME/bmd, falling back to
// ~/.local/state/bmd.
func DefaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "bmd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bmd-state"
	}
	return filepath.Join(home, ".local", "state", "bmd")
}

// GlobalDir returns the directory of the global config file
func GlobalDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "bmd")
	}
	return filepath.Join(dir, "bmd")
}

// ProjectDir returns the directory of the project config file for cwd
func ProjectDir(cwd string) string {
	return filepath.Join(cwd, ".bmd")
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"state-dir": "state_dir",
	"debounce":  "watch.debounce",
	"host":      "dashboard.host",
	"port":      "dashboard.port",
	"depth":     "scan.max_depth",
	"log-file":  "log.file",
}

// Options tells Load where to look.
type Options struct {
	// GlobalDir overrides GlobalDir()
	GlobalDir string

	// ProjectDir overrides ProjectDir(cwd); "-" disables the project file
	ProjectDir string

	// Flags are bound after files and environment, so set flags win
	Flags *pflag.FlagSet
}

// Load merges defaults, config files, environment and flags.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("BMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	globalDir := opts.GlobalDir
	if globalDir == "" {
		globalDir = GlobalDir()
	}
	projectDir := opts.ProjectDir
	if projectDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			projectDir = ProjectDir(cwd)
		}
	}

	dirs := []string{globalDir}
	if projectDir != "-" && projectDir != "" {
		dirs = append(dirs, projectDir)
	}
	for _, dir := range dirs {
		path, ok := FindFile(dir)
		if !ok {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if opts.Flags != nil {
		if err := BindFlags(v, opts.Flags); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindFile returns the config file in dir, preferring YAML over TOML.
func FindFile(dir string) (string, bool) {
	for _, name := range []string{"config.yaml", "config.yml", "config.toml"} {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// BindFlags binds the known flags present in fs to their config keys.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	for key, value := range cfg.Map() {
		setNested(v, key, value)
	}
}

func setNested(v *viper.Viper, prefix string, value any) {
	if m, ok := value.(map[string]any); ok {
		for k, inner := range m {
			setNested(v, prefix+"."+k, inner)
		}
		return
	}
	v.SetDefault(prefix, value)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative (got %s)", c.Watch.Debounce)
	}
	if c.Sync.InitialConcurrency < 1 {
		return fmt.Errorf("sync.initial_concurrency must be at least 1 (got %d)", c.Sync.InitialConcurrency)
	}
	if c.Scan.MaxDepth < 1 {
		return fmt.Errorf("scan.max_depth must be at least 1 (got %d)", c.Scan.MaxDepth)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be between 0 and 65535 (got %d)", c.Dashboard.Port)
	}
	if c.History.Keep < 1 {
		return fmt.Errorf("history.keep must be at least 1 (got %d)", c.History.Keep)
	}
	return nil
}

// Map renders the config as nested maps keyed like the config file, with
// durations as strings.
func (c *Config) Map() map[string]any {
	return map[string]any{
		"state_dir": c.StateDir,
		"watch": map[string]any{
			"debounce":   c.Watch.Debounce.String(),
			"extensions": c.Watch.Extensions,
		},
		"sync": map[string]any{
			"initial_concurrency": c.Sync.InitialConcurrency,
			"save_interval":       c.Sync.SaveInterval.String(),
		},
		"scan": map[string]any{
			"max_depth": c.Scan.MaxDepth,
		},
		"dashboard": map[string]any{
			"host": c.Dashboard.Host,
			"port": c.Dashboard.Port,
		},
		"history": map[string]any{
			"keep":           c.History.Keep,
			"prune_interval": c.History.PruneInterval.String(),
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"compress":     c.Log.Compress,
		},
	}
}
