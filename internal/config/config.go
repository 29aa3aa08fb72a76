// Package config loads the daemon configuration and owns the command
// definitions file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/spf13/viper"
)

// RunLogConfig controls persistent per-run output files.
type RunLogConfig struct {
	Enabled         *bool         `mapstructure:"enabled" json:"enabled"`
	Dir             string        `mapstructure:"dir" json:"dir"`
	MaxBytesPerRun  int64         `mapstructure:"max_bytes_per_run" json:"max_bytes_per_run"`
	RetentionDays   int           `mapstructure:"retention_days" json:"retention_days"`
	MaxTotalMB      int64         `mapstructure:"max_total_mb" json:"max_total_mb"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval"`
}

// IsEnabled returns whether persistent run log files are enabled.
// Defaults to true when unset.
func (c RunLogConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// ArchiveConfig controls the SQLite run archive.
type ArchiveConfig struct {
	Enabled *bool  `mapstructure:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" json:"path"`
}

// IsEnabled defaults to true when unset.
func (c ArchiveConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// NotifyConfig controls notification delivery.
type NotifyConfig struct {
	Command    string        `mapstructure:"command" json:"command,omitempty"`
	RatePerSec float64       `mapstructure:"rate_per_sec" json:"rate_per_sec" validate:"gt=0"`
	QueueSize  int           `mapstructure:"queue_size" json:"queue_size" validate:"gt=0"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout"`
}

// Config is the top-level daemon configuration parsed from tickrun.yaml.
type Config struct {
	Listen            string        `mapstructure:"listen" json:"listen"`
	DataDir           string        `mapstructure:"data_dir" json:"data_dir"`
	DefinitionsFile   string        `mapstructure:"definitions_file" json:"definitions_file"`
	LogLevel          string        `mapstructure:"log_level" json:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat         string        `mapstructure:"log_format" json:"log_format" validate:"oneof=console json"`
	TickInterval      time.Duration `mapstructure:"tick_interval" json:"tick_interval" validate:"gt=0"`
	RestartFloor      time.Duration `mapstructure:"restart_floor" json:"restart_floor" validate:"gt=0"`
	MaxOutputBytes    int           `mapstructure:"max_output_bytes" json:"max_output_bytes" validate:"gt=0"`
	DefaultWorkingDir string        `mapstructure:"default_working_dir" json:"default_working_dir"`
	WatchDefinitions  bool          `mapstructure:"watch_definitions" json:"watch_definitions"`
	Defaults          command.Flags `mapstructure:"defaults" json:"defaults"`
	RunLogs           RunLogConfig  `mapstructure:"run_logs" json:"run_logs"`
	Archive           ArchiveConfig `mapstructure:"archive" json:"archive"`
	Notify            NotifyConfig  `mapstructure:"notify" json:"notify"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-" json:"file,omitempty"`
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	flags := command.DefaultFlags()

	v.SetDefault("listen", "127.0.0.1:8080")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("definitions_file", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("tick_interval", "2s")
	v.SetDefault("restart_floor", "5s")
	v.SetDefault("max_output_bytes", 64*1024)
	v.SetDefault("default_working_dir", "")
	v.SetDefault("watch_definitions", true)
	v.SetDefault("defaults.run_in_shell", flags.RunInShell)
	v.SetDefault("defaults.restart_on_exit", flags.RestartOnExit)
	v.SetDefault("defaults.restart_on_failure", flags.RestartOnFailure)
	v.SetDefault("defaults.notify_on_complete", flags.NotifyOnComplete)
	v.SetDefault("defaults.notify_on_error", flags.NotifyOnError)
	v.SetDefault("defaults.include_output_in_notifications", flags.IncludeOutputInNotifications)
	v.SetDefault("run_logs.enabled", true)
	v.SetDefault("run_logs.dir", "")
	v.SetDefault("run_logs.max_bytes_per_run", 1024*1024)
	v.SetDefault("run_logs.retention_days", 7)
	v.SetDefault("run_logs.max_total_mb", 128)
	v.SetDefault("run_logs.cleanup_interval", "1h")
	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.path", "")
	v.SetDefault("notify.command", "")
	v.SetDefault("notify.rate_per_sec", 1.0)
	v.SetDefault("notify.queue_size", 64)
	v.SetDefault("notify.timeout", "30s")
}

func applyDefaults(c *Config) {
	c.DataDir = expandPath(c.DataDir)
	if c.DefinitionsFile == "" {
		c.DefinitionsFile = defaultDefinitionsFile()
	}
	c.DefinitionsFile = expandPath(c.DefinitionsFile)
	c.DefaultWorkingDir = expandPath(c.DefaultWorkingDir)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.RunLogs.Dir == "" {
		c.RunLogs.Dir = filepath.Join(c.DataDir, "logs")
	} else {
		c.RunLogs.Dir = expandPath(c.RunLogs.Dir)
	}
	if c.RunLogs.CleanupInterval <= 0 {
		c.RunLogs.CleanupInterval = time.Hour
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "tickrun.db")
	} else {
		c.Archive.Path = expandPath(c.Archive.Path)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "tickrun")
}

func defaultDefinitionsFile() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "./commands.yaml"
	}
	return filepath.Join(home, ".config", "tickrun", "commands.yaml")
}

func expandPath(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}

	v = os.ExpandEnv(v)

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return v
	}

	if v == "~" {
		return home
	}
	if strings.HasPrefix(v, "~/") {
		return filepath.Join(home, v[2:])
	}
	if strings.HasPrefix(v, "~\\") {
		return filepath.Join(home, v[2:])
	}
	return v
}

// LoadConfig reads the YAML configuration file at path, overlays TICKRUN_*
// environment variables and applies defaults. A missing file is not an
// error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(expandPath(path))
	} else {
		v.SetConfigName("tickrun")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "tickrun"))
		}
	}

	v.SetEnvPrefix("TICKRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		file = v.ConfigFileUsed()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = file

	applyDefaults(&cfg)
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
