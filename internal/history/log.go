package history

import (
	"sync"
	"time"
)

// Stats are derived from the retained window of a Log.
type Stats struct {
	Total         int        `json:"total"`
	Successes     int        `json:"successes"`
	Errors        int        `json:"errors"`
	Failures      int        `json:"failures"`
	MinDurationMs int64      `json:"min_duration_ms"`
	MaxDurationMs int64      `json:"max_duration_ms"`
	AvgDurationMs float64    `json:"avg_duration_ms"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	LastStatus    Status     `json:"last_status,omitempty"`
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	NextDue       *time.Time `json:"next_due,omitempty"`
}

// Log is a bounded FIFO of finished runs for one command, oldest first.
type Log struct {
	mu      sync.Mutex
	max     int
	records []Record
}

// NewLog creates a Log retaining at most max records. max < 1 is treated as 1.
func NewLog(max int) *Log {
	if max < 1 {
		max = 1
	}
	return &Log{max: max}
}

// Append adds a record and evicts the oldest beyond the limit.
func (l *Log) Append(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	l.trimLocked()
}

// Resize changes the limit. Shrinking drops the oldest records immediately.
func (l *Log) Resize(max int) {
	if max < 1 {
		max = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = max
	l.trimLocked()
}

func (l *Log) trimLocked() {
	if over := len(l.records) - l.max; over > 0 {
		kept := make([]Record, l.max)
		copy(kept, l.records[over:])
		l.records = kept
	}
}

// Max returns the current limit.
func (l *Log) Max() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Recent returns up to limit records, newest first. limit <= 0 means all.
func (l *Log) Recent(limit int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.records[i])
	}
	return out
}

// Last returns the newest record.
func (l *Log) Last() (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return Record{}, false
	}
	return l.records[len(l.records)-1], true
}

// LastEnd returns the end time of the newest finished record.
func (l *Log) LastEnd() *time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		if end := l.records[i].EndedAt; end != nil {
			t := *end
			return &t
		}
	}
	return nil
}

// Stats computes statistics over the retained window.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s Stats
	var totalMs int64
	var timed int
	for i := range l.records {
		r := &l.records[i]
		s.Total++
		switch r.Status {
		case StatusSuccess:
			s.Successes++
			if r.EndedAt != nil {
				t := *r.EndedAt
				s.LastSuccess = &t
			}
		case StatusError:
			s.Errors++
		case StatusFailed:
			s.Failures++
		}
		if r.EndedAt == nil {
			continue
		}
		ms := r.DurationMs()
		if timed == 0 || ms < s.MinDurationMs {
			s.MinDurationMs = ms
		}
		if ms > s.MaxDurationMs {
			s.MaxDurationMs = ms
		}
		totalMs += ms
		timed++
	}
	if timed > 0 {
		s.AvgDurationMs = float64(totalMs) / float64(timed)
	}
	if n := len(l.records); n > 0 {
		last := l.records[n-1]
		t := last.StartedAt
		s.LastRun = &t
		s.LastStatus = last.Status
	}
	return s
}

// Book maps command IDs to their logs.
type Book struct {
	mu   sync.RWMutex
	logs map[string]*Log
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{logs: make(map[string]*Log)}
}

// Ensure returns the log for id, creating or resizing it to max.
func (b *Book) Ensure(id string, max int) *Log {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.logs[id]; ok {
		if l.Max() != max {
			l.Resize(max)
		}
		return l
	}
	l := NewLog(max)
	b.logs[id] = l
	return l
}

// Get returns the log for id.
func (b *Book) Get(id string) (*Log, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.logs[id]
	return l, ok
}

// Drop forgets the log for id.
func (b *Book) Drop(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.logs, id)
}
