// Package notify turns finished runs into user notifications and delivers
// them to sinks.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/patrickspencer/tickrun/internal/history"
)

// Event is a notification about one finished run.
type Event struct {
	CommandID   string         `json:"command_id"`
	CommandName string         `json:"command_name"`
	RunID       string         `json:"run_id"`
	Status      history.Status `json:"status"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	Duration    time.Duration  `json:"duration"`
	Output      string         `json:"output,omitempty"`
	FailMessage string         `json:"fail_message,omitempty"`
	// RestartIn is set when a restart has been queued.
	RestartIn time.Duration `json:"restart_in,omitempty"`
	At        time.Time     `json:"at"`
}

// FromRecord builds the notification for rec. The second result is false
// when the resolved flags suppress it.
func FromRecord(rec history.Record, flags command.Flags, restartIn time.Duration) (Event, bool) {
	switch rec.Status {
	case history.StatusSuccess:
		if !flags.NotifyOnComplete {
			return Event{}, false
		}
	case history.StatusError, history.StatusFailed:
		if !flags.NotifyOnError {
			return Event{}, false
		}
	default:
		return Event{}, false
	}

	evt := Event{
		CommandID:   rec.CommandID,
		CommandName: rec.CommandName,
		RunID:       rec.ID,
		Status:      rec.Status,
		ExitCode:    rec.ExitCode,
		Duration:    rec.Duration(),
		FailMessage: rec.FailMessage,
		RestartIn:   restartIn,
		At:          time.Now().UTC(),
	}
	if rec.EndedAt != nil {
		evt.At = *rec.EndedAt
	}
	if flags.IncludeOutputInNotifications {
		evt.Output = rec.Output
	}
	return evt, true
}

// Title is the notification headline.
func (e Event) Title() string {
	return e.CommandName
}

// Message is the notification body.
func (e Event) Message() string {
	var b strings.Builder
	if e.Status == history.StatusFailed && e.ExitCode == nil {
		fmt.Fprintf(&b, "Command failed to run (%s)", e.FailMessage)
	} else {
		code := 0
		if e.ExitCode != nil {
			code = *e.ExitCode
		}
		fmt.Fprintf(&b, "Command exited with code %d (took %.2f seconds)", code, e.Duration.Seconds())
	}
	if e.RestartIn > 0 {
		fmt.Fprintf(&b, "; restarting after %d seconds...", int64(e.RestartIn.Round(time.Second)/time.Second))
	} else {
		b.WriteString(".")
	}
	if e.Output != "" {
		b.WriteString("\n\nOutput: ")
		b.WriteString(e.Output)
	}
	return b.String()
}
