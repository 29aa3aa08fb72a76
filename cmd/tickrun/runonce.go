package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/patrickspencer/tickrun/internal/config"
	"github.com/patrickspencer/tickrun/internal/history"
	"github.com/patrickspencer/tickrun/internal/logging"
	"github.com/patrickspencer/tickrun/internal/runlog"
	"github.com/patrickspencer/tickrun/internal/runner"
	"github.com/patrickspencer/tickrun/internal/store"
	"github.com/rs/zerolog"
)

// runOnce executes one configured command in the foreground and exits with
// its exit code. With --api the running daemon is asked to start it instead.
func runOnce(args []string) int {
	fs := flag.NewFlagSet("run-once", flag.ExitOnError)
	name := fs.String("name", "", "command name (required)")
	configPath := fs.String("config", "", "path to config file")
	apiURL := fs.String("api", "", "if set, trigger the run through a running daemon")
	fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "error: --name is required")
		fs.Usage()
		return 1
	}
	if *apiURL != "" {
		return triggerViaAPI(*apiURL, *name)
	}
	return runDirect(*configPath, *name)
}

func runDirect(configPath, name string) int {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logging: %v\n", err)
		return 1
	}

	defs, err := config.NewDefinitionsFile(cfg.DefinitionsFile, logger).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading definitions: %v\n", err)
		return 1
	}
	var def *command.Definition
	for i := range defs {
		if defs[i].Name == name {
			def = &defs[i]
			break
		}
	}
	if def == nil {
		fmt.Fprintf(os.Stderr, "error: no command named %q in %s\n", name, cfg.DefinitionsFile)
		return 1
	}
	if err := def.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st *store.SQLiteStore
	if cfg.Archive.IsEnabled() {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "error creating data dir: %v\n", err)
			return 1
		}
		st, err = store.NewSQLiteStore(cfg.Archive.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening run archive: %v\n", err)
			return 1
		}
		defer st.Close()
	}

	runID := history.NewRunID()
	req := runner.Request{
		RunID:      runID,
		Definition: *def,
		Flags:      def.Options.Resolve(cfg.Defaults),
		Trigger:    history.TriggerManual,
		WorkDir:    cfg.DefaultWorkingDir,
		Output:     os.Stdout,
	}

	logPath := ""
	if cfg.RunLogs.IsEnabled() {
		logs := runlog.NewManager(cfg.RunLogs.Dir, cfg.RunLogs.MaxBytesPerRun, cfg.RunLogs.RetentionDays, cfg.RunLogs.MaxTotalMB*1024*1024)
		w, err := logs.Open(def.ID, runID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to open run log file")
		} else {
			defer w.Close()
			logPath = w.Path()
			req.Output = io.MultiWriter(os.Stdout, w)
		}
	}
	req.Started = func(rec history.Record) {
		rec.LogPath = logPath
		recordRun(st, rec, logger)
	}

	rec := runner.NewRunner(cfg.MaxOutputBytes, logger).Run(ctx, req)
	rec.LogPath = logPath
	recordRun(st, rec, logger)
	if st != nil && def.MaxLogCount > 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := st.Prune(pctx, def.ID, def.MaxLogCount); err != nil {
			logger.Warn().Err(err).Msg("failed to prune archived runs")
		}
		cancel()
	}

	if rec.FailMessage != "" {
		fmt.Fprintf(os.Stderr, "%s: %s\n", name, rec.FailMessage)
	}
	if rec.ExitCode != nil {
		return *rec.ExitCode
	}
	return 1
}

func recordRun(st *store.SQLiteStore, rec history.Record, logger zerolog.Logger) {
	if st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.RecordRun(ctx, rec); err != nil {
		logger.Warn().Err(err).Str("run_id", rec.ID).Msg("failed to record run")
	}
}

// triggerViaAPI resolves name to an ID through the daemon and starts a
// manual run. It does not wait for the run to finish.
func triggerViaAPI(apiURL, name string) int {
	base := strings.TrimRight(apiURL, "/") + "/api/v1"
	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(base + "/commands")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing commands: %v\n", err)
		return 1
	}
	var cmds []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	err = json.NewDecoder(resp.Body).Decode(&cmds)
	resp.Body.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error decoding command list: %v\n", err)
		return 1
	}

	id := ""
	for _, c := range cmds {
		if c.Name == name {
			id = c.ID
			break
		}
	}
	if id == "" {
		fmt.Fprintf(os.Stderr, "error: daemon has no command named %q\n", name)
		return 1
	}

	resp, err = client.Post(base+"/commands/"+url.PathEscape(id)+"/run", "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error triggering run: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "trigger failed (%d): %s\n", resp.StatusCode, body["error"])
		return 1
	}
	fmt.Printf("triggered %s run %s\n", name, body["run_id"])
	return 0
}
