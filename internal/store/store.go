package store

import (
	"context"

	"github.com/me/xvsched/pkg/model"
)

// Store defines the persistence layer for recorded runs.
type Store interface {
	// Run CRUD
	CreateRun(ctx context.Context, run *model.Run) error
	CompleteRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	DeleteRun(ctx context.Context, id string) error

	// Dispatch log
	InsertDispatches(ctx context.Context, runID string, events []model.DispatchEvent) error
	ListDispatches(ctx context.Context, runID string, opts model.ListOptions) ([]model.DispatchEvent, int, error)
	TicksByLevel(ctx context.Context, runID string) (map[int]uint64, error)
	DispatchLengths(ctx context.Context, runID string) ([]float64, error)

	// Per-process aggregates
	SaveProcStats(ctx context.Context, runID string, stats []model.ProcStat) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
