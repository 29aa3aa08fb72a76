package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
)

// runWatchdog probes the daemon health endpoint and runs restart-cmd when
// the daemon is unreachable, unhealthy or degraded.
func runWatchdog(args []string) int {
	fs := flag.NewFlagSet("watchdog", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "tickrun API URL")
	restartCmd := fs.String("restart-cmd", "", "command to run if unhealthy")
	timeoutSec := fs.Int("timeout", 5, "health check timeout in seconds")
	allowDegraded := fs.Bool("allow-degraded", false, "treat a definitions load error as healthy")
	fs.Parse(args)

	client := &http.Client{
		Timeout: time.Duration(*timeoutSec) * time.Second,
	}
	if err := checkHealth(client, *apiURL, *allowDegraded); err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		return handleUnhealthy(*restartCmd)
	}
	return 0
}

func checkHealth(client *http.Client, apiURL string, allowDegraded bool) error {
	url := strings.TrimRight(apiURL, "/") + "/api/v1/health"
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	var health struct {
		Status    string `json:"status"`
		LoadError string `json:"load_error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}
	if health.Status != "ok" && !allowDegraded {
		return fmt.Errorf("daemon %s: %s", health.Status, health.LoadError)
	}
	return nil
}

func handleUnhealthy(restartCmd string) int {
	if restartCmd == "" {
		return 1
	}

	argv, err := shlex.Split(restartCmd)
	if err != nil || len(argv) == 0 {
		if err == nil {
			err = errors.New("empty command")
		}
		fmt.Fprintf(os.Stderr, "invalid restart command: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "attempting restart: %s\n", restartCmd)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "restart command failed: %v\n", err)
		return 1
	}
	return 0
}
