package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finished(id string, start time.Time, d time.Duration, status Status) Record {
	end := start.Add(d)
	return Record{ID: id, StartedAt: start, EndedAt: &end, Status: status}
}

func TestLogEvictsOldest(t *testing.T) {
	t.Parallel()

	const k, m = 5, 7
	l := NewLog(k)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < k+m; i++ {
		l.Append(finished(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute), time.Second, StatusSuccess))
	}

	require.Equal(t, k, l.Len())
	recent := l.Recent(0)
	require.Len(t, recent, k)
	// Newest first: the last k appended.
	for i, r := range recent {
		assert.Equal(t, string(rune('a'+k+m-1-i)), r.ID)
	}
}

func TestLogResizeTruncatesImmediately(t *testing.T) {
	t.Parallel()

	l := NewLog(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		l.Append(finished(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute), time.Second, StatusSuccess))
	}

	l.Resize(3)
	require.Equal(t, 3, l.Len())
	last, ok := l.Last()
	require.True(t, ok)
	assert.Equal(t, "j", last.ID)
	assert.Equal(t, "h", l.Recent(0)[2].ID)

	l.Resize(0)
	assert.Equal(t, 1, l.Len())
}

func TestLogRecentLimit(t *testing.T) {
	t.Parallel()

	l := NewLog(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		l.Append(finished(string(rune('a'+i)), base, time.Second, StatusSuccess))
	}
	got := l.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "d", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

func TestLogStats(t *testing.T) {
	t.Parallel()

	l := NewLog(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.Append(finished("1", base, 2*time.Second, StatusSuccess))
	l.Append(finished("2", base.Add(time.Minute), 4*time.Second, StatusError))
	l.Append(Record{ID: "3", StartedAt: base.Add(2 * time.Minute), Status: StatusFailed, EndedAt: ptr(base.Add(2 * time.Minute))})

	s := l.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Successes)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, int64(0), s.MinDurationMs)
	assert.Equal(t, int64(4000), s.MaxDurationMs)
	assert.InDelta(t, 2000.0, s.AvgDurationMs, 0.001)
	require.NotNil(t, s.LastRun)
	assert.True(t, s.LastRun.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, StatusFailed, s.LastStatus)
	require.NotNil(t, s.LastSuccess)
	assert.True(t, s.LastSuccess.Equal(base.Add(2*time.Second)))

	end := l.LastEnd()
	require.NotNil(t, end)
	assert.True(t, end.Equal(base.Add(2*time.Minute)))
}

func TestEmptyStats(t *testing.T) {
	t.Parallel()

	s := NewLog(3).Stats()
	assert.Zero(t, s.Total)
	assert.Nil(t, s.LastRun)
	assert.Nil(t, NewLog(3).LastEnd())
}

func TestBook(t *testing.T) {
	t.Parallel()

	b := NewBook()
	l := b.Ensure("a", 5)
	l.Append(Record{ID: "x"})
	assert.Same(t, l, b.Ensure("a", 2))
	assert.Equal(t, 2, l.Max())

	b.Drop("a")
	_, ok := b.Get("a")
	assert.False(t, ok)
}

func ptr(t time.Time) *time.Time { return &t }
