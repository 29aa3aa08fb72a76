// Package runlog stores the full output of each run on disk and enforces
// retention.
package runlog

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const logSuffix = ".log"

// Manager lays out one file per run under <baseDir>/<command>/<run>.log.
type Manager struct {
	baseDir        string
	maxBytesPerRun int64
	retention      time.Duration
	maxTotalBytes  int64
}

// NewManager creates a Manager. A zero retentionDays or maxTotalBytes
// disables that limit.
func NewManager(baseDir string, maxBytesPerRun int64, retentionDays int, maxTotalBytes int64) *Manager {
	return &Manager{
		baseDir:        baseDir,
		maxBytesPerRun: maxBytesPerRun,
		retention:      time.Duration(retentionDays) * 24 * time.Hour,
		maxTotalBytes:  maxTotalBytes,
	}
}

func (m *Manager) BaseDir() string { return m.baseDir }

// Path returns the output file path for a run.
func (m *Manager) Path(commandID, runID string) string {
	return filepath.Join(m.commandDir(commandID), safeName(runID)+logSuffix)
}

func (m *Manager) commandDir(commandID string) string {
	return filepath.Join(m.baseDir, safeName(commandID))
}

// Open creates the output file for a run.
func (m *Manager) Open(commandID, runID string) (*CappedFileWriter, error) {
	path := m.Path(commandID, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return NewCappedFileWriter(f, m.maxBytesPerRun), nil
}

// Read returns the persisted output of a run. The error wraps
// os.ErrNotExist when the file is gone.
func (m *Manager) Read(commandID, runID string) (string, error) {
	data, err := os.ReadFile(m.Path(commandID, runID))
	return string(data), err
}

// RemoveCommand deletes every output file of a command.
func (m *Manager) RemoveCommand(commandID string) error {
	err := os.RemoveAll(m.commandDir(commandID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// CleanupStats summarizes one Cleanup pass.
type CleanupStats struct {
	Expired   int
	Evicted   int
	Remaining int64
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

// Cleanup deletes files older than the retention window, then the oldest
// remaining files until the total size fits under the cap.
func (m *Manager) Cleanup() (CleanupStats, error) {
	var stats CleanupStats
	now := time.Now()

	files, err := m.scan()
	if err != nil {
		return stats, err
	}

	kept := files[:0]
	for _, f := range files {
		if m.retention > 0 && now.Sub(f.modTime) > m.retention {
			if removeFile(f.path) {
				stats.Expired++
				continue
			}
		}
		kept = append(kept, f)
		stats.Remaining += f.size
	}

	if m.maxTotalBytes > 0 && stats.Remaining > m.maxTotalBytes {
		slices.SortFunc(kept, func(a, b logFile) int { return a.modTime.Compare(b.modTime) })
		for _, f := range kept {
			if stats.Remaining <= m.maxTotalBytes {
				break
			}
			if removeFile(f.path) {
				stats.Evicted++
				stats.Remaining -= f.size
			}
		}
	}

	m.pruneEmptyDirs()
	return stats, nil
}

func (m *Manager) scan() ([]logFile, error) {
	var files []logFile
	err := filepath.WalkDir(m.baseDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || filepath.Ext(path) != logSuffix {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, logFile{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return files, err
}

func (m *Manager) pruneEmptyDirs() {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			// Fails harmlessly on non-empty directories.
			_ = os.Remove(filepath.Join(m.baseDir, e.Name()))
		}
	}
}

func removeFile(path string) bool {
	err := os.Remove(path)
	return err == nil || errors.Is(err, fs.ErrNotExist)
}

// CappedFileWriter writes to a file up to maxBytes, then discards new bytes.
// It is safe for concurrent use by the stdout and stderr copiers.
type CappedFileWriter struct {
	file     *os.File
	maxBytes int64

	mu        sync.Mutex
	written   int64
	truncated bool
	failed    bool
}

// NewCappedFileWriter wraps file. A non-positive maxBytes discards everything.
func NewCappedFileWriter(file *os.File, maxBytes int64) *CappedFileWriter {
	return &CappedFileWriter{file: file, maxBytes: maxBytes}
}

// Write always reports success so that a full disk or the cap never fails
// the run itself.
func (w *CappedFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	room := max(w.maxBytes-w.written, 0)
	chunk := p[:min(int64(len(p)), room)]
	if len(chunk) < len(p) {
		w.truncated = true
	}
	if len(chunk) == 0 || w.failed {
		return len(p), nil
	}
	n, err := w.file.Write(chunk)
	w.written += int64(n)
	if err != nil {
		w.failed = true
	}
	return len(p), nil
}

func (w *CappedFileWriter) Close() error { return w.file.Close() }

func (w *CappedFileWriter) Path() string { return w.file.Name() }

// WrittenBytes returns the number of bytes persisted.
func (w *CappedFileWriter) WrittenBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Truncated reports whether output exceeded the cap.
func (w *CappedFileWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}

// safeName maps an ID to a single path segment.
func safeName(value string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, value)
	if trimmed := strings.Trim(mapped, "._"); trimmed != "" {
		return trimmed
	}
	return "unknown"
}
