// Package engine is the scheduler loop. It decides which commands are due,
// launches them, applies the restart policy and records every run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/patrickspencer/tickrun/internal/history"
	"github.com/patrickspencer/tickrun/internal/metrics"
	"github.com/patrickspencer/tickrun/internal/notify"
	"github.com/patrickspencer/tickrun/internal/realtime"
	"github.com/patrickspencer/tickrun/internal/restart"
	"github.com/patrickspencer/tickrun/internal/runlog"
	"github.com/patrickspencer/tickrun/internal/runner"
	"github.com/patrickspencer/tickrun/internal/schedule"
	"github.com/patrickspencer/tickrun/internal/store"
	"github.com/rs/zerolog"
)

// DefaultTickInterval is how often due commands are looked for.
const DefaultTickInterval = 2 * time.Second

const archiveTimeout = 5 * time.Second

// State is the scheduling state of one command.
type State string

const (
	StateIdle     State = "idle"
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
)

var (
	ErrNotFound       = errors.New("command not found")
	ErrDuplicateName  = errors.New("command name already in use")
	ErrDuplicateID    = errors.New("command id already in use")
	ErrAlreadyRunning = errors.New("command is already running")
	ErrStopped        = errors.New("engine is shutting down")
)

// Source loads and persists command definitions.
type Source interface {
	Load() ([]command.Definition, error)
	Save(defs []command.Definition) error
}

// Archive mirrors run records to durable storage.
type Archive interface {
	RecordRun(ctx context.Context, rec history.Record) error
	ListRuns(ctx context.Context, opts store.ListOpts) ([]history.Record, error)
	Prune(ctx context.Context, commandID string, keep int) (int64, error)
	DeleteCommand(ctx context.Context, commandID string) error
}

// Launcher starts a run without blocking and reports the finished record.
type Launcher interface {
	Launch(ctx context.Context, req runner.Request, done func(history.Record))
}

// Notifier accepts notifications for asynchronous delivery.
type Notifier interface {
	Enqueue(evt notify.Event) bool
}

// Options configures an Engine. Source is required; every other
// collaborator is optional.
type Options struct {
	Source   Source
	Launcher Launcher
	Archive  Archive
	RunLogs  *runlog.Manager
	Broker   *realtime.Broker
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger

	Defaults          command.Flags
	TickInterval      time.Duration
	RestartFloor      time.Duration
	DefaultWorkingDir string
	Location          *time.Location

	// Now replaces the wall clock in tests.
	Now func() time.Time
}

type slot struct {
	def      command.Definition
	flags    command.Flags
	spec     schedule.Spec
	err      error
	warnings []string
	state    State
	current  *history.Record
	// base, when later than the last run's end, is where schedule
	// evaluation starts from.
	base *time.Time
	// deleted marks a removed command whose run is still in flight.
	deleted bool
}

// snapshot is an immutable definition set.
type snapshot struct {
	defs  []command.Definition
	index map[string]int
}

func newSnapshot(defs []command.Definition) *snapshot {
	s := &snapshot{defs: defs, index: make(map[string]int, len(defs))}
	for i, d := range defs {
		s.index[d.ID] = i
	}
	return s
}

func (s *snapshot) clone() []command.Definition {
	out := make([]command.Definition, len(s.defs))
	for i, d := range s.defs {
		out[i] = d.Clone()
	}
	return out
}

func (s *snapshot) nameOwner(name string) string {
	for _, d := range s.defs {
		if d.Name == name {
			return d.ID
		}
	}
	return ""
}

// Engine owns the per-command state and the loop that drives it.
type Engine struct {
	source   Source
	launcher Launcher
	archive  Archive
	runLogs  *runlog.Manager
	broker   *realtime.Broker
	notifier Notifier
	metrics  *metrics.Metrics
	log      zerolog.Logger

	defaults     command.Flags
	tickInterval time.Duration
	workDir      string
	location     *time.Location
	now          func() time.Time
	policy       restart.Policy
	book         *history.Book

	defs atomic.Pointer[snapshot]
	// writeMu serializes API edits so each persists a set built from the
	// snapshot it replaces.
	writeMu sync.Mutex

	mu        sync.Mutex
	calc      *schedule.Calculator
	slots     map[string]*slot
	queue     runQueue
	loadErr   error
	active    int
	stopping  bool
	startedAt time.Time

	runCtx      context.Context
	cancelRuns  context.CancelFunc
	completions chan history.Record
}

// New creates an Engine. Call Start, then Run.
func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Launcher == nil {
		opts.Launcher = runner.NewRunner(runner.DefaultMaxOutput, opts.Logger)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		source:       opts.Source,
		launcher:     opts.Launcher,
		archive:      opts.Archive,
		runLogs:      opts.RunLogs,
		broker:       opts.Broker,
		notifier:     opts.Notifier,
		metrics:      opts.Metrics,
		log:          opts.Logger.With().Str("component", "engine").Logger(),
		defaults:     opts.Defaults,
		tickInterval: opts.TickInterval,
		workDir:      opts.DefaultWorkingDir,
		location:     opts.Location,
		now:          opts.Now,
		policy:       restart.New(opts.Defaults, opts.RestartFloor),
		book:         history.NewBook(),
		slots:        make(map[string]*slot),
		runCtx:       runCtx,
		cancelRuns:   cancel,
		completions:  make(chan history.Record),
	}
	now := e.now()
	e.startedAt = now
	e.calc = schedule.NewCalculator(now, opts.Location)
	e.defs.Store(newSnapshot(nil))
	return e
}

// Start loads the definitions, seeds history from the archive and queues
// startup and missed runs. A definitions file that cannot be loaded leaves
// the engine empty; the error is kept for LoadError.
func (e *Engine) Start(ctx context.Context) {
	now := e.now()
	defs, err := e.source.Load()
	if err != nil {
		e.log.Error().Err(err).Msg("failed to load command definitions, starting empty")
		defs = nil
	}

	e.mu.Lock()
	e.loadErr = err
	e.startedAt = now
	e.calc = schedule.NewCalculator(now, e.location)
	e.applyLocked(defs, nil)
	e.mu.Unlock()

	e.seedHistory(ctx)

	e.mu.Lock()
	queued := e.queueStartupLocked(now)
	n := len(e.slots)
	e.mu.Unlock()

	e.log.Info().Int("commands", n).Int("queued", queued).Msg("engine started")
}

// Run drives the loop until ctx is done. On return every in-flight run has
// been cancelled and recorded.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	e.tick(e.now())
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-ticker.C:
			e.tick(e.now())
		case rec := <-e.completions:
			e.complete(rec)
		}
	}
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	e.stopping = true
	e.queue = runQueue{}
	active := e.active
	e.mu.Unlock()

	if active > 0 {
		e.log.Info().Int("running", active).Msg("stopping in-flight runs")
	}
	e.cancelRuns()
	for {
		e.mu.Lock()
		active = e.active
		e.mu.Unlock()
		if active == 0 {
			return
		}
		e.complete(<-e.completions)
	}
}

// LoadError returns the error from the initial definitions load, if any.
func (e *Engine) LoadError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadErr
}

func (e *Engine) seedHistory(ctx context.Context) {
	if e.archive == nil {
		return
	}
	for _, def := range e.defs.Load().defs {
		recs, err := e.archive.ListRuns(ctx, store.ListOpts{
			CommandID:    def.ID,
			FinishedOnly: true,
			Limit:        def.MaxLogCount,
		})
		if err != nil {
			e.log.Warn().Err(err).Str("command", def.Name).Msg("failed to load archived runs")
			continue
		}
		l := e.book.Ensure(def.ID, def.MaxLogCount)
		for i := len(recs) - 1; i >= 0; i-- {
			l.Append(recs[i])
		}
	}
}

// queueStartupLocked queues startup and missed runs and returns how many
// were queued. A missed occurrence without the catch-up option is skipped:
// the schedule restarts from now.
func (e *Engine) queueStartupLocked(now time.Time) int {
	queued := 0
	for _, def := range e.defs.Load().defs {
		s := e.slots[def.ID]
		if s == nil || s.state != StateIdle {
			continue
		}
		lastEnd := e.book.Ensure(def.ID, def.MaxLogCount).LastEnd()

		var trigger history.Trigger
		switch {
		case def.RunAtStartup:
			trigger = history.TriggerStartup
		default:
			switch e.calc.Evaluate(def, s.spec, lastEnd, now, true) {
			case schedule.DueMissed:
				trigger = history.TriggerMissed
			case schedule.Due:
				base := now
				s.base = &base
				continue
			default:
				continue
			}
		}

		at := now.Add(time.Duration(def.StartupDelaySeconds) * time.Second)
		e.queue.Set(pending{commandID: def.ID, at: at, trigger: trigger})
		s.state = StatePending
		queued++
	}
	return queued
}

// tick dispatches due queue entries, then every idle command whose schedule
// is due.
func (e *Engine) tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return
	}

	for {
		p, ok := e.queue.PopDue(now)
		if !ok {
			break
		}
		s, ok := e.slots[p.commandID]
		if !ok || s.state != StatePending {
			continue
		}
		if s.def.Disabled || s.err != nil {
			s.state = StateDisabled
			continue
		}
		e.dispatchLocked(s, p.trigger)
	}

	for _, def := range e.defs.Load().defs {
		s := e.slots[def.ID]
		if s == nil || s.state != StateIdle || s.spec.Kind == schedule.Manual {
			continue
		}
		if e.calc.Due(s.spec, e.baseLocked(s), now) {
			e.dispatchLocked(s, history.TriggerSchedule)
		}
	}
}

// baseLocked returns the time schedule evaluation starts from.
func (e *Engine) baseLocked(s *slot) *time.Time {
	var lastEnd *time.Time
	if l, ok := e.book.Get(s.def.ID); ok {
		lastEnd = l.LastEnd()
	}
	if s.base != nil && (lastEnd == nil || s.base.After(*lastEnd)) {
		return s.base
	}
	return lastEnd
}

func (e *Engine) dispatchLocked(s *slot, trigger history.Trigger) string {
	def := s.def.Clone()
	runID := history.NewRunID()
	req := runner.Request{
		RunID:      runID,
		Definition: def,
		Flags:      s.flags,
		Trigger:    trigger,
		WorkDir:    e.workDir,
	}

	// The file is opened on the run goroutine; only its path is known here.
	var logPath string
	var logOpened atomic.Bool
	if e.runLogs != nil {
		logPath = e.runLogs.Path(def.ID, runID)
		req.OpenOutput = func() (io.WriteCloser, error) {
			w, err := e.runLogs.Open(def.ID, runID)
			if err != nil {
				return nil, err
			}
			logOpened.Store(true)
			return w, nil
		}
	}
	req.Started = func(rec history.Record) {
		if logOpened.Load() {
			rec.LogPath = logPath
		}
		e.started(rec)
	}

	s.state = StateRunning
	s.current = &history.Record{
		ID:          runID,
		CommandID:   def.ID,
		CommandName: def.Name,
		Trigger:     trigger,
		Status:      history.StatusRunning,
		StartedAt:   e.now().UTC(),
		LogPath:     logPath,
	}
	e.active++
	if e.metrics != nil {
		e.metrics.Running.Inc()
	}

	e.log.Info().
		Str("command", def.Name).
		Str("run_id", runID).
		Str("trigger", string(trigger)).
		Msg("dispatching command")

	e.launcher.Launch(e.runCtx, req, func(rec history.Record) {
		if logOpened.Load() {
			rec.LogPath = logPath
		}
		e.completions <- rec
	})
	return runID
}

// started runs on the launch goroutine once the process is up.
func (e *Engine) started(rec history.Record) {
	e.mu.Lock()
	if s, ok := e.slots[rec.CommandID]; ok && s.current != nil && s.current.ID == rec.ID {
		cur := rec
		s.current = &cur
	}
	e.mu.Unlock()

	e.archiveRun(rec, 0)
	e.publish(realtime.Event{
		Type:        realtime.TypeRunStarted,
		CommandID:   rec.CommandID,
		CommandName: rec.CommandName,
		RunID:       rec.ID,
		Status:      string(rec.Status),
		Trigger:     string(rec.Trigger),
		At:          rec.StartedAt,
	})
}

// complete records a finished run and decides what the command does next.
func (e *Engine) complete(rec history.Record) {
	e.mu.Lock()
	e.active--
	s, ok := e.slots[rec.CommandID]
	if !ok || s.deleted {
		var gone []command.Definition
		if ok {
			delete(e.slots, rec.CommandID)
			e.book.Drop(rec.CommandID)
			gone = append(gone, s.def)
		}
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.Running.Dec()
		}
		e.forget(gone)
		return
	}

	s.current = nil
	e.book.Ensure(s.def.ID, s.def.MaxLogCount).Append(rec)

	var restartIn time.Duration
	if !e.stopping && e.policy.ShouldRestart(s.def, rec, s.err) {
		at := e.policy.RestartAt(rec)
		e.queue.Set(pending{commandID: s.def.ID, at: at, trigger: history.TriggerRestart})
		s.state = StatePending
		restartIn = at.Sub(*rec.EndedAt)
	} else {
		s.state = restingState(s)
	}
	def, flags, stopping := s.def, s.flags, e.stopping
	e.mu.Unlock()

	ev := e.log.Info()
	if rec.Unsuccessful() {
		ev = e.log.Warn()
	}
	ev = ev.Str("command", def.Name).
		Str("run_id", rec.ID).
		Str("status", string(rec.Status)).
		Dur("duration", rec.Duration())
	if rec.ExitCode != nil {
		ev = ev.Int("exit_code", *rec.ExitCode)
	}
	if rec.FailMessage != "" {
		ev = ev.Str("fail_message", rec.FailMessage)
	}
	if restartIn > 0 {
		ev = ev.Dur("restart_in", restartIn)
	}
	ev.Msg("run finished")

	e.archiveRun(rec, def.MaxLogCount)

	if e.metrics != nil {
		e.metrics.Running.Dec()
		e.metrics.RunsTotal.WithLabelValues(def.Name, string(rec.Status), string(rec.Trigger)).Inc()
		e.metrics.RunDuration.WithLabelValues(def.Name).Observe(rec.Duration().Seconds())
		if restartIn > 0 {
			e.metrics.RestartsTotal.WithLabelValues(def.Name).Inc()
		}
	}

	e.publish(realtime.Event{
		Type:        realtime.TypeRunCompleted,
		CommandID:   rec.CommandID,
		CommandName: rec.CommandName,
		RunID:       rec.ID,
		Status:      string(rec.Status),
		Trigger:     string(rec.Trigger),
		Message:     rec.FailMessage,
	})

	if e.notifier != nil && !stopping {
		if evt, ok := notify.FromRecord(rec, flags, restartIn); ok {
			e.notifier.Enqueue(evt)
		}
	}
}

func restingState(s *slot) State {
	if s.def.Disabled || s.err != nil {
		return StateDisabled
	}
	return StateIdle
}

// Apply replaces the definition set, typically after the definitions file
// changed on disk. Running commands finish their current run.
func (e *Engine) Apply(defs []command.Definition) {
	now := e.now()
	e.mu.Lock()
	gone := e.applyLocked(defs, &now)
	e.mu.Unlock()

	e.forget(gone)
	e.publish(realtime.Event{Type: realtime.TypeCommandChanged, Action: "reload"})
}

// applyLocked reconciles per-command state with defs and swaps the
// snapshot. New commands start their schedule at base (nil means engine
// start). It returns the removed definitions whose cleanup is due.
func (e *Engine) applyLocked(defs []command.Definition, base *time.Time) []command.Definition {
	kept := make([]command.Definition, 0, len(defs))
	ids := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if _, dup := ids[def.ID]; dup {
			e.log.Warn().Str("command_id", def.ID).Str("command", def.Name).Msg("duplicate command id, ignoring later entry")
			continue
		}
		ids[def.ID] = struct{}{}
		kept = append(kept, def.Clone())
	}
	snap := newSnapshot(kept)

	names := make(map[string]string, len(kept))
	invalid := 0
	for _, def := range snap.defs {
		s, ok := e.slots[def.ID]
		if !ok {
			s = &slot{state: StateIdle}
			if base != nil {
				b := *base
				s.base = &b
			}
			e.slots[def.ID] = s
		} else if s.def.Name != def.Name && e.metrics != nil {
			e.metrics.Forget(s.def.Name)
		}

		s.def = def
		s.deleted = false
		s.flags = def.Options.Resolve(e.defaults)
		s.spec, s.err = checkDefinition(def)
		if owner, dup := names[def.Name]; dup && s.err == nil {
			s.err = &command.ValidationError{Field: "name", Problem: fmt.Sprintf("duplicates command %s", owner)}
		} else if !dup {
			names[def.Name] = def.ID
		}
		s.warnings = def.Warnings(s.flags)
		e.book.Ensure(def.ID, def.MaxLogCount)

		if s.err != nil {
			invalid++
			e.log.Warn().Err(s.err).Str("command", def.Name).Msg("command disabled by configuration error")
		}

		switch s.state {
		case StateRunning:
		case StatePending:
			if def.Disabled || s.err != nil {
				e.queue.Remove(def.ID)
				s.state = StateDisabled
			} else if !e.restartAllowedLocked(s) {
				e.queue.Remove(def.ID)
				s.state = restingState(s)
			}
		default:
			s.state = restingState(s)
		}
	}

	var gone []command.Definition
	for id, s := range e.slots {
		if _, ok := snap.index[id]; ok {
			continue
		}
		e.queue.Remove(id)
		if s.state == StateRunning {
			s.deleted = true
			continue
		}
		delete(e.slots, id)
		e.book.Drop(id)
		gone = append(gone, s.def)
	}

	e.defs.Store(snap)
	if e.metrics != nil {
		e.metrics.Commands.Set(float64(len(snap.defs)))
		e.metrics.ScheduleErrors.Set(float64(invalid))
	}
	return gone
}

// restartAllowedLocked reports whether a restart queued for s is still
// permitted by its current definition. Other queued triggers always are.
func (e *Engine) restartAllowedLocked(s *slot) bool {
	p, ok := e.queue.Get(s.def.ID)
	if !ok || p.trigger != history.TriggerRestart {
		return true
	}
	l, ok := e.book.Get(s.def.ID)
	if !ok {
		return false
	}
	last, ok := l.Last()
	if !ok {
		return false
	}
	return e.policy.ShouldRestart(s.def, last, s.err)
}

// checkDefinition validates def and parses its schedule.
func checkDefinition(def command.Definition) (schedule.Spec, error) {
	if err := def.Validate(); err != nil {
		return schedule.Spec{}, err
	}
	return schedule.Parse(def.Schedule)
}

// forget drops the archived runs, output files and metric series of
// removed commands.
func (e *Engine) forget(defs []command.Definition) {
	for _, def := range defs {
		if e.archive != nil {
			ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			if err := e.archive.DeleteCommand(ctx, def.ID); err != nil {
				e.log.Warn().Err(err).Str("command", def.Name).Msg("failed to delete archived runs")
			}
			cancel()
		}
		if e.runLogs != nil {
			if err := e.runLogs.RemoveCommand(def.ID); err != nil {
				e.log.Warn().Err(err).Str("command", def.Name).Msg("failed to remove run logs")
			}
		}
		if e.metrics != nil {
			e.metrics.Forget(def.Name)
		}
		e.log.Info().Str("command", def.Name).Str("command_id", def.ID).Msg("command removed")
	}
}

// archiveRun upserts rec and, when keep > 0, prunes the command's archive
// to keep records.
func (e *Engine) archiveRun(rec history.Record, keep int) {
	if e.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := e.archive.RecordRun(ctx, rec); err != nil {
		e.log.Error().Err(err).Str("run_id", rec.ID).Msg("failed to archive run")
		return
	}
	if keep > 0 {
		if _, err := e.archive.Prune(ctx, rec.CommandID, keep); err != nil {
			e.log.Warn().Err(err).Str("command_id", rec.CommandID).Msg("failed to prune archived runs")
		}
	}
}

func (e *Engine) publish(evt realtime.Event) {
	if e.broker != nil {
		e.broker.Publish(evt)
	}
}
