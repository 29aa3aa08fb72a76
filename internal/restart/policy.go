// Package restart decides whether a finished run is followed by another.
package restart

import (
	"time"

	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/patrickspencer/tickrun/internal/history"
)

// DefaultFloor is the minimum gap between a run's end and its restart.
const DefaultFloor = 5 * time.Second

// Policy resolves the restart options of a definition against the global
// defaults.
type Policy struct {
	Defaults command.Flags
	Floor    time.Duration
}

// New returns a Policy. A non-positive floor selects DefaultFloor.
func New(defaults command.Flags, floor time.Duration) Policy {
	if floor <= 0 {
		floor = DefaultFloor
	}
	return Policy{Defaults: defaults, Floor: floor}
}

// ShouldRestart reports whether rec should be followed by a restart.
// restart_on_exit covers every outcome and wins over restart_on_failure.
// Disabled commands and commands with a broken schedule never restart.
func (p Policy) ShouldRestart(def command.Definition, rec history.Record, scheduleErr error) bool {
	if def.Disabled || scheduleErr != nil || !rec.Finished() {
		return false
	}
	flags := def.Options.Resolve(p.Defaults)
	if flags.RestartOnExit {
		return true
	}
	return flags.RestartOnFailure && rec.Unsuccessful()
}

// RestartAt is the earliest time a restart of rec may start.
func (p Policy) RestartAt(rec history.Record) time.Time {
	end := rec.StartedAt
	if rec.EndedAt != nil {
		end = *rec.EndedAt
	}
	return end.Add(p.Floor)
}
