package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/patrickspencer/tickrun/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tickrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func finishedRecord(id, cmd string, start time.Time, status history.Status, code *int) history.Record {
	end := start.Add(1500 * time.Millisecond)
	return history.Record{
		ID:          id,
		CommandID:   cmd,
		CommandName: "name-" + cmd,
		Trigger:     history.TriggerSchedule,
		Status:      status,
		StartedAt:   start,
		EndedAt:     &end,
		ExitCode:    code,
		PID:         42,
		Output:      "out",
	}
}

func TestRecordRunUpsert(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	running := history.Record{ID: "R1", CommandID: "c", CommandName: "c", Status: history.StatusRunning, StartedAt: start, Trigger: history.TriggerManual}
	require.NoError(t, st.RecordRun(ctx, running))

	got, err := st.GetRun(ctx, "R1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, history.StatusRunning, got.Status)
	assert.Nil(t, got.EndedAt)
	assert.Nil(t, got.ExitCode)

	code := 2
	done := finishedRecord("R1", "c", start, history.StatusError, &code)
	done.OutputTruncated = true
	require.NoError(t, st.RecordRun(ctx, done))

	got, err = st.GetRun(ctx, "R1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, history.StatusError, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 2, *got.ExitCode)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(*done.EndedAt))
	assert.True(t, got.OutputTruncated)
	assert.Equal(t, history.TriggerManual, got.Trigger)

	missing, err := st.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListRunsAndPrune(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		id := string(rune('A' + i))
		require.NoError(t, st.RecordRun(ctx, finishedRecord(id, "a", base.Add(time.Duration(i)*time.Second), history.StatusSuccess, nil)))
	}
	require.NoError(t, st.RecordRun(ctx, finishedRecord("Z", "b", base, history.StatusFailed, nil)))
	require.NoError(t, st.RecordRun(ctx, history.Record{ID: "Y", CommandID: "a", CommandName: "a", Status: history.StatusRunning, StartedAt: base.Add(time.Minute), Trigger: history.TriggerSchedule}))

	runs, err := st.ListRuns(ctx, ListOpts{CommandID: "a", FinishedOnly: true})
	require.NoError(t, err)
	require.Len(t, runs, 5)
	assert.Equal(t, "E", runs[0].ID)
	assert.Equal(t, "A", runs[4].ID)

	page, err := st.ListRuns(ctx, ListOpts{CommandID: "a", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "E", page[0].ID)

	deleted, err := st.Prune(ctx, "a", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	runs, err = st.ListRuns(ctx, ListOpts{CommandID: "a"})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "Y", runs[0].ID)

	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[history.StatusSuccess])
	assert.Equal(t, 1, counts[history.StatusFailed])
	assert.Equal(t, 1, counts[history.StatusRunning])

	require.NoError(t, st.DeleteCommand(ctx, "b"))
	runs, err = st.ListRuns(ctx, ListOpts{CommandID: "b"})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestMigrationsAreVersioned(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tickrun.db")

	st, err := NewSQLiteStore(path)
	require.NoError(t, err)
	var version int
	require.NoError(t, st.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, SchemaVersion(), version)
	require.NoError(t, st.Close())

	// Reopening applies nothing and keeps data.
	st, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, RunMigrations(st.db))

	_, err = st.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	assert.ErrorContains(t, RunMigrations(st.db), "newer than supported")
}

func TestMarkInterrupted(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	running := history.Record{
		ID:          "run-open",
		CommandID:   "c1",
		CommandName: "name-c1",
		Trigger:     history.TriggerSchedule,
		Status:      history.StatusRunning,
		StartedAt:   start,
	}
	require.NoError(t, st.RecordRun(ctx, running))
	code := 0
	require.NoError(t, st.RecordRun(ctx, finishedRecord("run-done", "c1", start, history.StatusSuccess, &code)))

	restart := start.Add(time.Hour)
	n, err := st.MarkInterrupted(ctx, restart)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetRun(ctx, "run-open")
	require.NoError(t, err)
	assert.Equal(t, history.StatusFailed, got.Status)
	assert.Equal(t, InterruptedMessage, got.FailMessage)
	require.NotNil(t, got.EndedAt)
	assert.True(t, restart.Equal(*got.EndedAt))

	done, err := st.GetRun(ctx, "run-done")
	require.NoError(t, err)
	assert.Equal(t, history.StatusSuccess, done.Status)

	n, err = st.MarkInterrupted(ctx, restart)
	require.NoError(t, err)
	assert.Zero(t, n)
}
