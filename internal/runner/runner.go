// Package runner launches a single command, captures its output and
// classifies the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/patrickspencer/tickrun/internal/command"
	"github.com/patrickspencer/tickrun/internal/history"
	"github.com/rs/zerolog"
)

// DefaultMaxOutput is the default size of the captured output tail.
const DefaultMaxOutput = 64 * 1024

// waitDelay bounds how long Wait keeps draining output after the process is
// gone or killed.
const waitDelay = 5 * time.Second

// AbortedMessage is the fail message of runs killed by cancellation.
const AbortedMessage = "aborted"

// RingBuffer is a fixed-size circular buffer that implements io.Writer.
// It retains only the most recent bytes written, up to its capacity.
type RingBuffer struct {
	buf     []byte
	size    int
	pos     int
	full    bool
	written int64
}

// NewRingBuffer creates a RingBuffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultMaxOutput
	}
	return &RingBuffer{buf: make([]byte, size), size: size}
}

// Write implements io.Writer. It writes p into the ring buffer,
// overwriting the oldest data if capacity is exceeded.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	rb.written += int64(n)
	if n >= rb.size {
		copy(rb.buf, p[n-rb.size:])
		rb.pos = 0
		rb.full = true
		return n, nil
	}

	oldPos := rb.pos
	first := rb.size - rb.pos
	if first >= n {
		copy(rb.buf[rb.pos:], p)
	} else {
		copy(rb.buf[rb.pos:], p[:first])
		copy(rb.buf, p[first:])
	}

	rb.pos = (rb.pos + n) % rb.size
	if !rb.full && n > 0 && rb.pos <= oldPos {
		rb.full = true
	}
	return n, nil
}

// String returns the buffered contents in chronological order.
func (rb *RingBuffer) String() string {
	if !rb.full {
		return string(rb.buf[:rb.pos])
	}
	out := make([]byte, rb.size)
	n := copy(out, rb.buf[rb.pos:])
	copy(out[n:], rb.buf[:rb.pos])
	return string(out)
}

// Truncated reports whether older bytes were discarded.
func (rb *RingBuffer) Truncated() bool {
	return rb.written > int64(rb.size)
}

// Request describes one run.
type Request struct {
	RunID      string
	Definition command.Definition
	// Flags are the definition's options resolved against the global defaults.
	Flags   command.Flags
	Trigger history.Trigger
	// WorkDir is used when the definition has no working directory or the
	// configured one is missing.
	WorkDir string
	// Output, when set, receives a copy of everything the process writes.
	Output io.Writer
	// OpenOutput, when set, is called on the run goroutine to open a
	// writer used in place of Output. It is closed when the run ends.
	OpenOutput func() (io.WriteCloser, error)
	// Started is called once the process is running.
	Started func(rec history.Record)
}

// Runner executes command definitions.
type Runner struct {
	maxOutput int
	log       zerolog.Logger
}

// NewRunner creates a Runner keeping at most maxOutput bytes of output per run.
func NewRunner(maxOutput int, log zerolog.Logger) *Runner {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	return &Runner{maxOutput: maxOutput, log: log.With().Str("component", "runner").Logger()}
}

// Launch runs req on its own goroutine and hands the finished record to done.
func (r *Runner) Launch(ctx context.Context, req Request, done func(history.Record)) {
	go func() {
		done(r.Run(ctx, req))
	}()
}

// Run executes req and blocks until it finishes. Launch problems are
// reported as a failed record, never as an error.
func (r *Runner) Run(ctx context.Context, req Request) history.Record {
	def := req.Definition
	rec := history.Record{
		ID:          req.RunID,
		CommandID:   def.ID,
		CommandName: def.Name,
		Trigger:     req.Trigger,
		Status:      history.StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	if rec.ID == "" {
		rec.ID = history.NewRunID()
	}

	output := req.Output
	if req.OpenOutput != nil {
		w, err := req.OpenOutput()
		if err != nil {
			r.log.Warn().Err(err).Str("command", def.Name).Str("run_id", rec.ID).Msg("failed to open run output, continuing without it")
		} else {
			output = w
			defer func() {
				if err := w.Close(); err != nil {
					r.log.Warn().Err(err).Str("run_id", rec.ID).Msg("failed to close run output")
				}
			}()
		}
	}

	cmd, cleanup, err := r.command(ctx, req)
	defer cleanup()
	if err != nil {
		return finishFailed(rec, err.Error())
	}

	buf := NewRingBuffer(r.maxOutput)
	// One writer for both streams keeps interleaving intact and lets exec
	// share a single pipe.
	out := newTeeWriter(buf, output)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = BuildEnv(def.Environment, map[string]string{
		EnvCommandID:   def.ID,
		EnvCommandName: def.Name,
		EnvTrigger:     string(req.Trigger),
		EnvRunID:       rec.ID,
	})
	cmd.Dir = r.workDir(def, req.WorkDir)
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return finishFailed(rec, err.Error())
	}
	rec.PID = cmd.Process.Pid
	if req.Started != nil {
		req.Started(rec)
	}

	waitErr := cmd.Wait()
	end := time.Now().UTC()
	rec.EndedAt = &end
	rec.Output = strings.TrimSpace(buf.String())
	rec.OutputTruncated = buf.Truncated()

	classify(&rec, ctx, cmd, waitErr)
	return rec
}

func classify(rec *history.Record, ctx context.Context, cmd *exec.Cmd, err error) {
	if err == nil {
		code := 0
		rec.ExitCode = &code
		rec.Status = history.StatusSuccess
		return
	}
	if ctx.Err() != nil {
		rec.Status = history.StatusFailed
		rec.FailMessage = AbortedMessage
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// Terminated by a signal.
			rec.Status = history.StatusFailed
			rec.FailMessage = exitErr.Error()
			return
		}
		rec.ExitCode = &code
		rec.Status = history.StatusError
		return
	}

	// ErrWaitDelay and friends: the process did exit, trust its state.
	if ps := cmd.ProcessState; ps != nil && ps.Exited() {
		code := ps.ExitCode()
		rec.ExitCode = &code
		if code == 0 {
			rec.Status = history.StatusSuccess
		} else {
			rec.Status = history.StatusError
		}
		return
	}
	rec.Status = history.StatusFailed
	rec.FailMessage = err.Error()
}

func finishFailed(rec history.Record, msg string) history.Record {
	end := time.Now().UTC()
	rec.EndedAt = &end
	rec.Status = history.StatusFailed
	rec.FailMessage = msg
	return rec
}

// command builds the exec.Cmd for req. cleanup is always non-nil.
func (r *Runner) command(ctx context.Context, req Request) (*exec.Cmd, func(), error) {
	noop := func() {}
	action := req.Definition.Action

	switch action.Kind {
	case command.KindScript:
		path, err := writeScript(action)
		if err != nil {
			return nil, noop, fmt.Errorf("write script: %w", err)
		}
		cleanup := func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				r.log.Warn().Err(err).Str("path", path).Msg("failed to remove script file")
			}
		}
		argv, err := scriptArgv(action, path)
		if err != nil {
			return nil, cleanup, err
		}
		return exec.CommandContext(ctx, argv[0], argv[1:]...), cleanup, nil

	case command.KindLine:
		if req.Flags.RunInShell {
			argv := shellArgv(action.Text)
			return exec.CommandContext(ctx, argv[0], argv[1:]...), noop, nil
		}
		argv, err := shlex.Split(action.Text)
		if err != nil {
			return nil, noop, fmt.Errorf("parse command line: %w", err)
		}
		if len(argv) == 0 {
			return nil, noop, errors.New("empty command line")
		}
		return exec.CommandContext(ctx, argv[0], argv[1:]...), noop, nil
	}
	return nil, noop, fmt.Errorf("unknown action kind %q", action.Kind)
}

func shellArgv(line string) []string {
	if runtime.GOOS == "windows" {
		return []string{"powershell", "-NoProfile", "-NonInteractive", "-Command", line}
	}
	return []string{"/bin/sh", "-c", line}
}

func interpreterOf(action command.Action) string {
	if action.Interpreter != "" {
		return action.Interpreter
	}
	if runtime.GOOS == "windows" {
		return command.InterpreterPowerShell
	}
	return command.InterpreterShell
}

func writeScript(action command.Action) (string, error) {
	pattern := "tickrun-*.sh"
	if interpreterOf(action) == command.InterpreterPowerShell {
		pattern = "tickrun-*.ps1"
	}
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(action.Text); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if err := os.Chmod(f.Name(), 0o700); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// scriptArgv returns the argv that runs the script at path. Shell scripts
// honour their shebang line and fall back to /bin/sh.
func scriptArgv(action command.Action, path string) ([]string, error) {
	switch interp := interpreterOf(action); interp {
	case command.InterpreterPowerShell:
		return []string{"powershell", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", path}, nil
	case command.InterpreterShell:
		if line, ok := shebang(action.Text); ok {
			argv, err := shlex.Split(line)
			if err != nil || len(argv) == 0 {
				return nil, fmt.Errorf("invalid shebang %q", line)
			}
			return append(argv, path), nil
		}
		return []string{"/bin/sh", path}, nil
	default:
		argv, err := shlex.Split(interp)
		if err != nil || len(argv) == 0 {
			return nil, fmt.Errorf("invalid interpreter %q", interp)
		}
		return append(argv, path), nil
	}
}

func shebang(script string) (string, bool) {
	if !strings.HasPrefix(script, "#!") {
		return "", false
	}
	line, _, _ := strings.Cut(script[2:], "\n")
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	return line, line != ""
}

// workDir picks the directory a run starts in, falling back to defaultDir
// and then the home directory when the configured one is missing.
func (r *Runner) workDir(def command.Definition, defaultDir string) string {
	if defaultDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			defaultDir = home
		}
	}
	if def.WorkingDirectory == "" {
		return defaultDir
	}
	if info, err := os.Stat(def.WorkingDirectory); err != nil || !info.IsDir() {
		r.log.Warn().
			Str("command", def.Name).
			Str("working_directory", def.WorkingDirectory).
			Str("fallback", defaultDir).
			Msg("working directory missing, using default")
		return defaultDir
	}
	return def.WorkingDirectory
}

type teeWriter struct {
	primary   io.Writer
	secondary io.Writer
}

func newTeeWriter(primary io.Writer, secondary io.Writer) io.Writer {
	if secondary == nil {
		return primary
	}
	return &teeWriter{
		primary:   primary,
		secondary: secondary,
	}
}

func (t *teeWriter) Write(p []byte) (int, error) {
	n, err := t.primary.Write(p)
	if t.secondary != nil {
		_, _ = t.secondary.Write(p)
	}
	return n, err
}
