package engine

import (
	"container/heap"
	"time"

	"github.com/patrickspencer/tickrun/internal/history"
)

// pending is a run queued outside the regular schedule: a startup run, a
// missed-run catch-up or a restart.
type pending struct {
	commandID string
	at        time.Time
	trigger   history.Trigger
}

// pendingHeap is a min-heap of pending runs ordered by at (earliest first).
type pendingHeap []pending

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].commandID < h[j].commandID
	}
	return h[i].at.Before(h[j].at)
}
func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)   { *h = append(*h, x.(pending)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	*h = old[:n-1]
	return p
}

// runQueue holds at most one pending run per command. Not safe for
// concurrent use; the engine guards it with its mutex.
type runQueue struct {
	h pendingHeap
}

// Set queues p, replacing any entry for the same command.
func (q *runQueue) Set(p pending) {
	q.Remove(p.commandID)
	heap.Push(&q.h, p)
}

// Remove drops the entry for commandID and reports whether one existed.
func (q *runQueue) Remove(commandID string) bool {
	for i, p := range q.h {
		if p.commandID == commandID {
			heap.Remove(&q.h, i)
			return true
		}
	}
	return false
}

// At returns when the run queued for commandID is due.
func (q *runQueue) At(commandID string) (time.Time, bool) {
	p, ok := q.Get(commandID)
	return p.at, ok
}

// Get returns the entry queued for commandID.
func (q *runQueue) Get(commandID string) (pending, bool) {
	for _, p := range q.h {
		if p.commandID == commandID {
			return p, true
		}
	}
	return pending{}, false
}

// PopDue removes and returns the earliest entry if it is due at now.
func (q *runQueue) PopDue(now time.Time) (pending, bool) {
	if q.h.Len() == 0 || q.h[0].at.After(now) {
		return pending{}, false
	}
	return heap.Pop(&q.h).(pending), true
}

// Len returns the number of queued runs.
func (q *runQueue) Len() int {
	return q.h.Len()
}
