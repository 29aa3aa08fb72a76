// Package command holds command definitions, their tri-state options and the
// global defaults those options resolve against.
package command

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxLogCount is the number of run records retained when a definition
// does not say otherwise.
const DefaultMaxLogCount = 100

// ActionKind discriminates the Action variant.
type ActionKind string

const (
	KindLine   ActionKind = "line"
	KindScript ActionKind = "script"
)

// Interpreter selectors for script actions.
const (
	InterpreterShell      = "shell"
	InterpreterPowerShell = "powershell"
)

// Action is what a command executes: a single command line, or a multi-line
// script run through an interpreter.
type Action struct {
	Kind        ActionKind `yaml:"kind" json:"kind" validate:"required,oneof=line script"`
	Text        string     `yaml:"text" json:"text" validate:"required"`
	Interpreter string     `yaml:"interpreter,omitempty" json:"interpreter,omitempty"`
}

// RunLine builds a command-line action.
func RunLine(text string) Action {
	return Action{Kind: KindLine, Text: text}
}

// RunScript builds a script action. An empty interpreter selects the platform
// default.
func RunScript(text, interpreter string) Action {
	return Action{Kind: KindScript, Text: text, Interpreter: interpreter}
}

// Schedule holds at most one of an interval or a cron expression. When neither
// is set the command only runs at startup or on demand.
type Schedule struct {
	IntervalSeconds int64  `yaml:"interval_seconds,omitempty" json:"interval_seconds,omitempty"`
	Cron            string `yaml:"cron,omitempty" json:"cron,omitempty"`
}

// IsManual reports whether no schedule is configured.
func (s Schedule) IsManual() bool {
	return s.IntervalSeconds == 0 && strings.TrimSpace(s.Cron) == ""
}

// Options are the per-command overrides of the global defaults.
type Options struct {
	RunInShell                   TriState `yaml:"run_in_shell,omitempty" json:"run_in_shell"`
	RestartOnExit                TriState `yaml:"restart_on_exit,omitempty" json:"restart_on_exit"`
	RestartOnFailure             TriState `yaml:"restart_on_failure,omitempty" json:"restart_on_failure"`
	NotifyOnComplete             TriState `yaml:"notify_on_complete,omitempty" json:"notify_on_complete"`
	NotifyOnError                TriState `yaml:"notify_on_error,omitempty" json:"notify_on_error"`
	IncludeOutputInNotifications TriState `yaml:"include_output_in_notifications,omitempty" json:"include_output_in_notifications"`
}

// Flags is a fully resolved set of options. The daemon config carries one as
// the global defaults record.
type Flags struct {
	RunInShell                   bool `yaml:"run_in_shell" json:"run_in_shell" mapstructure:"run_in_shell"`
	RestartOnExit                bool `yaml:"restart_on_exit" json:"restart_on_exit" mapstructure:"restart_on_exit"`
	RestartOnFailure             bool `yaml:"restart_on_failure" json:"restart_on_failure" mapstructure:"restart_on_failure"`
	NotifyOnComplete             bool `yaml:"notify_on_complete" json:"notify_on_complete" mapstructure:"notify_on_complete"`
	NotifyOnError                bool `yaml:"notify_on_error" json:"notify_on_error" mapstructure:"notify_on_error"`
	IncludeOutputInNotifications bool `yaml:"include_output_in_notifications" json:"include_output_in_notifications" mapstructure:"include_output_in_notifications"`
}

// DefaultFlags returns the built-in global defaults.
func DefaultFlags() Flags {
	return Flags{
		NotifyOnError:                true,
		IncludeOutputInNotifications: true,
	}
}

// Resolve applies the overrides on top of defaults.
func (o Options) Resolve(defaults Flags) Flags {
	return Flags{
		RunInShell:                   o.RunInShell.Resolve(defaults.RunInShell),
		RestartOnExit:                o.RestartOnExit.Resolve(defaults.RestartOnExit),
		RestartOnFailure:             o.RestartOnFailure.Resolve(defaults.RestartOnFailure),
		NotifyOnComplete:             o.NotifyOnComplete.Resolve(defaults.NotifyOnComplete),
		NotifyOnError:                o.NotifyOnError.Resolve(defaults.NotifyOnError),
		IncludeOutputInNotifications: o.IncludeOutputInNotifications.Resolve(defaults.IncludeOutputInNotifications),
	}
}

// Definition is a user-authored command.
type Definition struct {
	ID                   string            `yaml:"id" json:"id"`
	Name                 string            `yaml:"name" json:"name" validate:"required,max=128"`
	Description          string            `yaml:"description,omitempty" json:"description,omitempty"`
	Action               Action            `yaml:"action" json:"action"`
	WorkingDirectory     string            `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`
	Environment          map[string]string `yaml:"environment,omitempty" json:"environment,omitempty" validate:"envmap"`
	Schedule             Schedule          `yaml:"schedule,omitempty" json:"schedule"`
	RunAtStartup         bool              `yaml:"run_at_startup,omitempty" json:"run_at_startup"`
	RunAtStartupIfMissed bool              `yaml:"run_at_startup_if_missed,omitempty" json:"run_at_startup_if_missed"`
	StartupDelaySeconds  int               `yaml:"startup_delay_seconds,omitempty" json:"startup_delay_seconds" validate:"gte=0"`
	Disabled             bool              `yaml:"disabled,omitempty" json:"disabled"`
	MaxLogCount          int               `yaml:"max_log_count,omitempty" json:"max_log_count" validate:"gte=1,lte=100000"`

	Options `yaml:",inline"`
}

// NewID returns a fresh command identifier.
func NewID() string {
	return uuid.NewString()
}

// Normalize trims user input and fills in defaults. It assigns an ID when
// none is set.
func (d *Definition) Normalize() {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		d.ID = NewID()
	}
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	d.WorkingDirectory = strings.TrimSpace(d.WorkingDirectory)
	d.Action.Interpreter = strings.TrimSpace(d.Action.Interpreter)
	d.Schedule.Cron = strings.TrimSpace(d.Schedule.Cron)
	if d.Action.Kind == "" && strings.TrimSpace(d.Action.Text) != "" {
		d.Action.Kind = KindLine
	}
	if d.Action.Kind == KindLine {
		d.Action.Text = strings.TrimSpace(d.Action.Text)
	}
	if d.MaxLogCount == 0 {
		d.MaxLogCount = DefaultMaxLogCount
	}
}

// Clone returns a deep copy.
func (d Definition) Clone() Definition {
	if d.Environment != nil {
		env := make(map[string]string, len(d.Environment))
		for k, v := range d.Environment {
			env[k] = v
		}
		d.Environment = env
	}
	return d
}
