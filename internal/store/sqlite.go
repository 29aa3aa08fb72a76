package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/patrickspencer/tickrun/internal/history"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements RunStore backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ RunStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Fixed width so that lexical order matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullIntPtr(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullDuration(rec history.Record) sql.NullInt64 {
	if rec.EndedAt == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: rec.DurationMs(), Valid: true}
}

// RecordRun inserts or updates a run record.
func (s *SQLiteStore) RecordRun(ctx context.Context, rec history.Record) error {
	if rec.ID == "" {
		return errors.New("record run: empty run id")
	}
	truncated := 0
	if rec.OutputTruncated {
		truncated = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, command_id, command_name, status, exit_code, pid, started_at,
			ended_at, duration_ms, output, output_truncated, fail_message,
			log_path, trigger_type, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			command_name = excluded.command_name,
			status = excluded.status,
			exit_code = excluded.exit_code,
			pid = excluded.pid,
			ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms,
			output = excluded.output,
			output_truncated = excluded.output_truncated,
			fail_message = excluded.fail_message,
			log_path = excluded.log_path`,
		rec.ID,
		rec.CommandID,
		rec.CommandName,
		string(rec.Status),
		nullIntPtr(rec.ExitCode),
		rec.PID,
		formatTime(rec.StartedAt),
		formatTimePtr(rec.EndedAt),
		nullDuration(rec),
		nullString(rec.Output),
		truncated,
		nullString(rec.FailMessage),
		nullString(rec.LogPath),
		string(rec.Trigger),
		formatTime(time.Now()),
	)
	return err
}

func (s *SQLiteStore) scanRun(row interface{ Scan(...any) error }) (*history.Record, error) {
	var r history.Record
	var status, trigger, startedAt string
	var endedAt, output, failMessage, logPath sql.NullString
	var exitCode, pid sql.NullInt64
	var truncated int

	err := row.Scan(
		&r.ID,
		&r.CommandID,
		&r.CommandName,
		&status,
		&exitCode,
		&pid,
		&startedAt,
		&endedAt,
		&output,
		&truncated,
		&failMessage,
		&logPath,
		&trigger,
	)
	if err != nil {
		return nil, err
	}

	r.Status = history.Status(status)
	r.Trigger = history.Trigger(trigger)
	r.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	r.EndedAt, err = parseTimePtr(endedAt)
	if err != nil {
		return nil, fmt.Errorf("parse ended_at: %w", err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	if pid.Valid {
		r.PID = int(pid.Int64)
	}
	r.Output = output.String
	r.OutputTruncated = truncated != 0
	r.FailMessage = failMessage.String
	r.LogPath = logPath.String

	return &r, nil
}

const selectRunCols = `id, command_id, command_name, status, exit_code, pid,
	started_at, ended_at, output, output_truncated, fail_message, log_path,
	trigger_type`

// GetRun retrieves a single run by ID. A missing run is (nil, nil).
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*history.Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectRunCols+" FROM runs WHERE id = ?", id)
	run, err := s.scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns runs matching the given options, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOpts) ([]history.Record, error) {
	query := "SELECT " + selectRunCols + " FROM runs WHERE 1=1"
	var args []any

	if opts.CommandID != "" {
		query += " AND command_id = ?"
		args = append(args, opts.CommandID)
	}
	if opts.FinishedOnly {
		query += " AND ended_at IS NOT NULL"
	}
	query += " ORDER BY started_at DESC, id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []history.Record
	for rows.Next() {
		r, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// Prune keeps the newest keep runs of a command and deletes the rest.
func (s *SQLiteStore) Prune(ctx context.Context, commandID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE command_id = ?
		AND id NOT IN (
			SELECT id FROM runs
			WHERE command_id = ?
			ORDER BY started_at DESC, id DESC
			LIMIT ?
		)`, commandID, commandID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteCommand removes every run of a command.
func (s *SQLiteStore) DeleteCommand(ctx context.Context, commandID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE command_id = ?", commandID)
	return err
}

// InterruptedMessage is the fail message of runs found still running when
// the archive is reopened.
const InterruptedMessage = "interrupted"

// MarkInterrupted closes runs left in the running state by a previous
// process, marking them failed as of at. Call it before any new run starts.
func (s *SQLiteStore) MarkInterrupted(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, fail_message = ?
		WHERE status = ?`,
		string(history.StatusFailed), formatTime(at), InterruptedMessage, string(history.StatusRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus returns the number of archived runs per status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[history.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[history.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[history.Status(status)] = n
	}
	return out, rows.Err()
}
