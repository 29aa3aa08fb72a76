package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "tickrun.yaml")
	if err := os.WriteFile(cfgPath, []byte("{}\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Listen != "127.0.0.1:8080" {
		t.Fatalf("expected default listen 127.0.0.1:8080, got %q", cfg.Listen)
	}
	if cfg.TickInterval != 2*time.Second {
		t.Fatalf("expected default tick interval 2s, got %s", cfg.TickInterval)
	}
	if cfg.RestartFloor != 5*time.Second {
		t.Fatalf("expected default restart floor 5s, got %s", cfg.RestartFloor)
	}
	if !cfg.Defaults.NotifyOnError || !cfg.Defaults.IncludeOutputInNotifications {
		t.Fatalf("expected notify_on_error and include_output defaults on, got %+v", cfg.Defaults)
	}
	if cfg.Defaults.RunInShell || cfg.Defaults.NotifyOnComplete {
		t.Fatalf("expected run_in_shell and notify_on_complete defaults off, got %+v", cfg.Defaults)
	}
	if !cfg.RunLogs.IsEnabled() || !cfg.Archive.IsEnabled() {
		t.Fatal("expected run logs and archive enabled by default")
	}
	if got, want := cfg.Archive.Path, filepath.Join(cfg.DataDir, "tickrun.db"); got != want {
		t.Fatalf("expected archive path %q, got %q", want, got)
	}
	if cfg.File != cfgPath {
		t.Fatalf("expected File %q, got %q", cfgPath, cfg.File)
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Fatalf("UserHomeDir unavailable for test: %v", err)
	}
	expected := filepath.Join(home, ".config", "tickrun", "commands.yaml")
	if cfg.DefinitionsFile != expected {
		t.Fatalf("expected default definitions_file %q, got %q", expected, cfg.DefinitionsFile)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.File != "" {
		t.Fatalf("expected no config file, got %q", cfg.File)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level, got %q", cfg.LogLevel)
	}
}

func TestLoadConfigExpandsTildePaths(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "tickrun.yaml")
	body := `
data_dir: "~/tickrun-data"
definitions_file: "~/.config/tickrun/cmds.yaml"
run_logs:
  dir: "~/tickrun-logs"
`
	if err := os.WriteFile(cfgPath, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Fatalf("UserHomeDir unavailable for test: %v", err)
	}

	if got, want := cfg.DataDir, filepath.Join(home, "tickrun-data"); got != want {
		t.Fatalf("expected expanded data_dir %q, got %q", want, got)
	}
	if got, want := cfg.DefinitionsFile, filepath.Join(home, ".config", "tickrun", "cmds.yaml"); got != want {
		t.Fatalf("expected expanded definitions_file %q, got %q", want, got)
	}
	if got, want := cfg.RunLogs.Dir, filepath.Join(home, "tickrun-logs"); got != want {
		t.Fatalf("expected expanded run_logs.dir %q, got %q", want, got)
	}
}

func TestLoadConfigValuesAndEnv(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "tickrun.yaml")
	body := `
tick_interval: 500ms
restart_floor: 10s
defaults:
  run_in_shell: true
  notify_on_error: false
notify:
  command: "notify-send \"$TICKRUN_NOTIFY_TITLE\""
  rate_per_sec: 2
`
	if err := os.WriteFile(cfgPath, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TICKRUN_LOG_LEVEL", "debug")
	t.Setenv("TICKRUN_ARCHIVE_ENABLED", "false")

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.TickInterval != 500*time.Millisecond || cfg.RestartFloor != 10*time.Second {
		t.Fatalf("unexpected durations: tick=%s floor=%s", cfg.TickInterval, cfg.RestartFloor)
	}
	if !cfg.Defaults.RunInShell || cfg.Defaults.NotifyOnError {
		t.Fatalf("unexpected defaults %+v", cfg.Defaults)
	}
	if !cfg.Defaults.IncludeOutputInNotifications {
		t.Fatal("unset default should keep its built-in value")
	}
	if cfg.Notify.RatePerSec != 2 || cfg.Notify.Command == "" {
		t.Fatalf("unexpected notify config %+v", cfg.Notify)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected env override of log_level, got %q", cfg.LogLevel)
	}
	if cfg.Archive.IsEnabled() {
		t.Fatal("expected env override to disable archive")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "tickrun.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_format: xml\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(cfgPath); err == nil {
		t.Fatal("expected validation error for log_format")
	}
}
