// Package schedule decides when a command is due.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/robfig/cron/v3"
)

const (
	MinIntervalSeconds = 30
	MaxIntervalSeconds = 999_999_999
)

// cronParser supports standard 5-field cron expressions and descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ConfigError reports an invalid schedule. Only the command that owns the
// schedule is affected.
type ConfigError struct {
	Expr string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Expr == "" {
		return "invalid schedule: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid schedule %q: %v", e.Expr, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Kind is the schedule variant.
type Kind int

const (
	Manual Kind = iota
	Interval
	Cron
)

func (k Kind) String() string {
	switch k {
	case Interval:
		return "interval"
	case Cron:
		return "cron"
	default:
		return "manual"
	}
}

// Spec is a parsed schedule.
type Spec struct {
	Kind     Kind
	Interval time.Duration
	Expr     string
	cron     cron.Schedule
}

// Parse validates s and returns its parsed form. Errors are *ConfigError.
func Parse(s command.Schedule) (Spec, error) {
	hasInterval := s.IntervalSeconds != 0
	hasCron := s.Cron != ""

	switch {
	case hasInterval && hasCron:
		return Spec{}, &ConfigError{Expr: s.Cron, Err: errors.New("interval_seconds and cron are mutually exclusive")}
	case hasInterval:
		if s.IntervalSeconds < MinIntervalSeconds || s.IntervalSeconds > MaxIntervalSeconds {
			return Spec{}, &ConfigError{
				Expr: fmt.Sprintf("every %ds", s.IntervalSeconds),
				Err:  fmt.Errorf("interval must be between %d and %d seconds", MinIntervalSeconds, MaxIntervalSeconds),
			}
		}
		return Spec{Kind: Interval, Interval: time.Duration(s.IntervalSeconds) * time.Second}, nil
	case hasCron:
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return Spec{}, &ConfigError{Expr: s.Cron, Err: err}
		}
		return Spec{Kind: Cron, Expr: s.Cron, cron: sched}, nil
	default:
		return Spec{Kind: Manual}, nil
	}
}

// Decision is the outcome of evaluating a schedule.
type Decision int

const (
	NotDue Decision = iota
	Due
	DueMissed
)

func (d Decision) String() string {
	switch d {
	case Due:
		return "due"
	case DueMissed:
		return "due_missed"
	default:
		return "not_due"
	}
}

// Calculator evaluates schedules relative to the engine start time. Cron
// expressions are evaluated in Location.
type Calculator struct {
	Location  *time.Location
	StartedAt time.Time
}

// NewCalculator returns a Calculator anchored at startedAt. A nil loc means
// the local system zone.
func NewCalculator(startedAt time.Time, loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.Local
	}
	return &Calculator{Location: loc, StartedAt: startedAt}
}

// Next returns the next due time. Without a previous run the engine start
// time is the base. Manual schedules have no next time.
func (c *Calculator) Next(spec Spec, lastEnd *time.Time) (time.Time, bool) {
	base := c.StartedAt
	if lastEnd != nil {
		base = *lastEnd
	}
	switch spec.Kind {
	case Interval:
		return base.Add(spec.Interval), true
	case Cron:
		next := spec.cron.Next(base.In(c.Location))
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	default:
		return time.Time{}, false
	}
}

// Due reports whether the command is due at now.
func (c *Calculator) Due(spec Spec, lastEnd *time.Time, now time.Time) bool {
	next, ok := c.Next(spec, lastEnd)
	return ok && !now.Before(next)
}

// Missed reports whether an occurrence fell between the last run and engine
// start. Without a previous run nothing can have been missed.
func (c *Calculator) Missed(spec Spec, lastEnd *time.Time) bool {
	if lastEnd == nil {
		return false
	}
	next, ok := c.Next(spec, lastEnd)
	return ok && !next.After(c.StartedAt)
}

// Evaluate combines Due and the missed-run policy. The missed-run check only
// applies at startup and only when the definition opts in.
func (c *Calculator) Evaluate(def command.Definition, spec Spec, lastEnd *time.Time, now time.Time, atStartup bool) Decision {
	if atStartup && def.RunAtStartupIfMissed && c.Missed(spec, lastEnd) {
		return DueMissed
	}
	if c.Due(spec, lastEnd, now) {
		return Due
	}
	return NotDue
}
