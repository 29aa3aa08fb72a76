package notify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/patrickspencer/tickrun/internal/history"
	"github.com/patrickspencer/tickrun/internal/realtime"
	"github.com/rs/zerolog"
)

// LogSink writes notifications to the daemon log.
type LogSink struct {
	Log zerolog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Notify(_ context.Context, evt Event) error {
	level := zerolog.InfoLevel
	if evt.Status != history.StatusSuccess {
		level = zerolog.WarnLevel
	}
	s.Log.WithLevel(level).Str("command", evt.CommandName).
		Str("run_id", evt.RunID).
		Str("status", string(evt.Status)).
		Msg(evt.Message())
	return nil
}

// BrokerSink publishes notifications to realtime subscribers.
type BrokerSink struct {
	Broker *realtime.Broker
}

func (BrokerSink) Name() string { return "broker" }

func (s BrokerSink) Notify(_ context.Context, evt Event) error {
	s.Broker.Publish(realtime.Event{
		Type:        realtime.TypeNotify,
		CommandID:   evt.CommandID,
		CommandName: evt.CommandName,
		RunID:       evt.RunID,
		Status:      string(evt.Status),
		Message:     evt.Message(),
		At:          evt.At,
	})
	return nil
}

// Environment passed to the external notification command.
const (
	EnvNotifyTitle   = "TICKRUN_NOTIFY_TITLE"
	EnvNotifyMessage = "TICKRUN_NOTIFY_MESSAGE"
	EnvNotifyStatus  = "TICKRUN_NOTIFY_STATUS"
	EnvNotifyCommand = "TICKRUN_NOTIFY_COMMAND_ID"
	EnvNotifyRunID   = "TICKRUN_NOTIFY_RUN_ID"
)

// CommandSink runs a user-configured shell command per notification, for
// example notify-send or a webhook curl.
type CommandSink struct {
	Command string
	Timeout time.Duration
}

func (CommandSink) Name() string { return "command" }

func (s CommandSink) Notify(ctx context.Context, evt Event) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", s.Command)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", s.Command)
	}
	cmd.Env = append(os.Environ(),
		EnvNotifyTitle+"="+evt.Title(),
		EnvNotifyMessage+"="+evt.Message(),
		EnvNotifyStatus+"="+string(evt.Status),
		EnvNotifyCommand+"="+evt.CommandID,
		EnvNotifyRunID+"="+evt.RunID,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("notify command: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
