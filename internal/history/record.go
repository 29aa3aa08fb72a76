// Package history keeps the bounded per-command run log and the statistics
// derived from it.
package history

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the outcome of a run.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusFailed  Status = "failed"
)

// Trigger records why a run was started.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerStartup  Trigger = "startup"
	TriggerMissed   Trigger = "missed"
	TriggerRestart  Trigger = "restart"
	TriggerManual   Trigger = "manual"
)

// NewRunID generates a new ULID-based run identifier.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Record is one execution of a command.
type Record struct {
	ID              string     `json:"id"`
	CommandID       string     `json:"command_id"`
	CommandName     string     `json:"command_name"`
	Trigger         Trigger    `json:"trigger"`
	Status          Status     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	PID             int        `json:"pid,omitempty"`
	Output          string     `json:"output,omitempty"`
	OutputTruncated bool       `json:"output_truncated,omitempty"`
	FailMessage     string     `json:"fail_message,omitempty"`
	LogPath         string     `json:"log_path,omitempty"`
}

// Finished reports whether the run has ended.
func (r Record) Finished() bool {
	return r.EndedAt != nil && r.Status != StatusRunning
}

// Unsuccessful reports whether the run ended in error or failed to run.
func (r Record) Unsuccessful() bool {
	return r.Status == StatusError || r.Status == StatusFailed
}

// Duration is the wall time of a finished run, zero otherwise.
func (r Record) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// DurationMs returns Duration in milliseconds.
func (r Record) DurationMs() int64 {
	return r.Duration().Milliseconds()
}
