// Package store archives run records in SQLite so history survives restarts.
package store

import (
	"context"

	"github.com/patrickspencer/tickrun/internal/history"
)

// ListOpts controls filtering and pagination for run queries.
type ListOpts struct {
	CommandID string
	// FinishedOnly skips in-flight records.
	FinishedOnly bool
	Limit        int
	Offset       int
}

// RunStore is the interface for persisting and querying runs.
type RunStore interface {
	RecordRun(ctx context.Context, rec history.Record) error
	GetRun(ctx context.Context, id string) (*history.Record, error)
	ListRuns(ctx context.Context, opts ListOpts) ([]history.Record, error)
	Prune(ctx context.Context, commandID string, keep int) (int64, error)
	DeleteCommand(ctx context.Context, commandID string) error
	CountByStatus(ctx context.Context) (map[history.Status]int, error)
}
