package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/patrickspencer/tickrun/internal/history"
	"github.com/patrickspencer/tickrun/internal/realtime"
	"github.com/patrickspencer/tickrun/internal/schedule"
)

const maxSaveAttempts = 3

// Command is a definition together with its live scheduling state.
type Command struct {
	command.Definition
	State    State           `json:"state"`
	Error    string          `json:"error,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
	Current  *history.Record `json:"current,omitempty"`
	NextDue  *time.Time      `json:"next_due,omitempty"`
}

// Summary describes the engine as a whole.
type Summary struct {
	StartedAt time.Time `json:"started_at"`
	Commands  int       `json:"commands"`
	Running   int       `json:"running"`
	Pending   int       `json:"pending"`
	Disabled  int       `json:"disabled"`
	LoadError string    `json:"load_error,omitempty"`
}

// Summary returns counts by state.
func (e *Engine) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	sum := Summary{StartedAt: e.startedAt}
	for _, s := range e.slots {
		if s.deleted {
			continue
		}
		sum.Commands++
		switch s.state {
		case StateRunning:
			sum.Running++
		case StatePending:
			sum.Pending++
		case StateDisabled:
			sum.Disabled++
		}
	}
	if e.loadErr != nil {
		sum.LoadError = e.loadErr.Error()
	}
	return sum
}

// Definitions returns a copy of the current definition set in file order.
func (e *Engine) Definitions() []command.Definition {
	return e.defs.Load().clone()
}

// List returns every command in definition order.
func (e *Engine) List() []Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.defs.Load()
	out := make([]Command, 0, len(snap.defs))
	for _, def := range snap.defs {
		if s, ok := e.slots[def.ID]; ok {
			out = append(out, e.viewLocked(s))
		}
	}
	return out
}

// Get returns one command.
func (e *Engine) Get(id string) (Command, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.slotLocked(id)
	if err != nil {
		return Command{}, err
	}
	return e.viewLocked(s), nil
}

// FindByName returns the command named name.
func (e *Engine) FindByName(name string) (Command, error) {
	id := e.defs.Load().nameOwner(name)
	if id == "" {
		return Command{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e.Get(id)
}

func (e *Engine) slotLocked(id string) (*slot, error) {
	s, ok := e.slots[id]
	if !ok || s.deleted {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (e *Engine) viewLocked(s *slot) Command {
	c := Command{
		Definition: s.def.Clone(),
		State:      s.state,
		NextDue:    e.nextDueLocked(s),
	}
	if s.err != nil {
		c.Error = s.err.Error()
	}
	if len(s.warnings) > 0 {
		c.Warnings = append([]string(nil), s.warnings...)
	}
	if s.current != nil {
		cur := *s.current
		c.Current = &cur
	}
	return c
}

func (e *Engine) nextDueLocked(s *slot) *time.Time {
	switch s.state {
	case StatePending:
		if at, ok := e.queue.At(s.def.ID); ok {
			return &at
		}
	case StateIdle:
		if next, ok := e.calc.Next(s.spec, e.baseLocked(s)); ok {
			return &next
		}
	}
	return nil
}

// Create adds a command and persists the definition set. An empty ID is
// assigned.
func (e *Engine) Create(def command.Definition) (command.Definition, error) {
	def.Normalize()
	if _, err := checkDefinition(def); err != nil {
		return command.Definition{}, err
	}

	gone, err := e.mutate(func(snap *snapshot) ([]command.Definition, error) {
		if _, exists := snap.index[def.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, def.ID)
		}
		if owner := snap.nameOwner(def.Name); owner != "" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
		}
		return append(snap.clone(), def), nil
	})
	if err != nil {
		return command.Definition{}, err
	}

	e.forget(gone)
	e.changed(def, "create")
	return def.Clone(), nil
}

// Update replaces the definition of command id. The ID is immutable.
func (e *Engine) Update(id string, def command.Definition) (command.Definition, error) {
	def.ID = id
	def.Normalize()
	if _, err := checkDefinition(def); err != nil {
		return command.Definition{}, err
	}

	gone, err := e.mutate(func(snap *snapshot) ([]command.Definition, error) {
		idx, ok := snap.index[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if owner := snap.nameOwner(def.Name); owner != "" && owner != id {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
		}
		defs := snap.clone()
		defs[idx] = def
		return defs, nil
	})
	if err != nil {
		return command.Definition{}, err
	}

	e.forget(gone)
	e.changed(def, "update")
	return def.Clone(), nil
}

// SetDisabled enables or disables command id. A running command finishes
// its current run.
func (e *Engine) SetDisabled(id string, disabled bool) (command.Definition, error) {
	var def command.Definition
	gone, err := e.mutate(func(snap *snapshot) ([]command.Definition, error) {
		idx, ok := snap.index[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		defs := snap.clone()
		defs[idx].Disabled = disabled
		def = defs[idx]
		return defs, nil
	})
	if err != nil {
		return command.Definition{}, err
	}

	e.forget(gone)
	action := "enable"
	if disabled {
		action = "disable"
	}
	e.changed(def, action)
	return def.Clone(), nil
}

// Delete removes command id together with its history. A running command
// finishes first.
func (e *Engine) Delete(id string) error {
	var def command.Definition
	gone, err := e.mutate(func(snap *snapshot) ([]command.Definition, error) {
		idx, ok := snap.index[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		def = snap.defs[idx]
		defs := make([]command.Definition, 0, len(snap.defs)-1)
		for i, d := range snap.clone() {
			if i != idx {
				defs = append(defs, d)
			}
		}
		return defs, nil
	})
	if err != nil {
		return err
	}

	e.forget(gone)
	e.changed(def, "delete")
	return nil
}

// mutate builds a new definition set from the current snapshot, persists it
// without holding e.mu and applies it. If a reload swapped the snapshot
// while the file was written, build runs again on the newer set.
func (e *Engine) mutate(build func(*snapshot) ([]command.Definition, error)) ([]command.Definition, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	for attempt := 1; ; attempt++ {
		snap := e.defs.Load()
		defs, err := build(snap)
		if err != nil {
			return nil, err
		}
		if err := e.source.Save(defs); err != nil {
			return nil, fmt.Errorf("save definitions: %w", err)
		}

		e.mu.Lock()
		if e.defs.Load() != snap && attempt < maxSaveAttempts {
			e.mu.Unlock()
			continue
		}
		now := e.now()
		gone := e.applyLocked(defs, &now)
		e.mu.Unlock()
		return gone, nil
	}
}

func (e *Engine) changed(def command.Definition, action string) {
	e.publish(realtime.Event{
		Type:        realtime.TypeCommandChanged,
		CommandID:   def.ID,
		CommandName: def.Name,
		Action:      action,
	})
}

// RunNow dispatches command id immediately and returns the run ID. Disabled
// commands can be run by hand; a running command is never started twice.
func (e *Engine) RunNow(id string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return "", ErrStopped
	}
	s, err := e.slotLocked(id)
	if err != nil {
		return "", err
	}
	if s.state == StateRunning {
		return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, s.def.Name)
	}
	var verr *command.ValidationError
	if errors.As(s.err, &verr) {
		return "", s.err
	}
	e.queue.Remove(id)
	return e.dispatchLocked(s, history.TriggerManual), nil
}

// History returns up to limit retained runs of command id, newest first.
func (e *Engine) History(id string, limit int) ([]history.Record, error) {
	e.mu.Lock()
	_, err := e.slotLocked(id)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l, ok := e.book.Get(id)
	if !ok {
		return []history.Record{}, nil
	}
	return l.Recent(limit), nil
}

// Stats returns the statistics of command id over its retained runs.
func (e *Engine) Stats(id string) (history.Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.slotLocked(id)
	if err != nil {
		return history.Stats{}, err
	}
	var st history.Stats
	if l, ok := e.book.Get(id); ok {
		st = l.Stats()
	}
	st.NextDue = e.nextDueLocked(s)
	return st, nil
}

// IsConfigError reports whether err is a definition or schedule problem
// that a client should fix.
func IsConfigError(err error) bool {
	var verr *command.ValidationError
	var serr *schedule.ConfigError
	return errors.As(err, &verr) || errors.As(err, &serr)
}
