package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/xvsched/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Run CRUD ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workload, config, ncpu, seed, started_at, ticks, dispatches, dropped)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Workload, run.Config, run.NCPU, run.Seed,
		run.StartedAt.Format(time.RFC3339Nano), run.Ticks, run.Dispatches, run.Dropped,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// CompleteRun stores the final counters of a run and its per-process stats.
func (s *SQLiteStore) CompleteRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID)

	completedAt := time.Now().UTC()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET completed_at = ?, ticks = ?, dispatches = ?, dropped = ? WHERE id = ?`,
		completedAt.Format(time.RFC3339Nano), run.Ticks, run.Dispatches, run.Dropped, run.ID,
	)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete run %s: not found", run.ID)
	}
	if len(run.Procs) > 0 {
		return s.SaveProcStats(ctx, run.ID, run.Procs)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, workload, config, ncpu, seed, started_at, completed_at, ticks, dispatches, dropped
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	procs, err := s.procStats(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Procs = procs
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workload, config, ncpu, seed, started_at, completed_at, ticks, dispatches, dropped
		 FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "runs", "id", id)
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var startedAt string
	var completedAt *string
	if err := row.Scan(&run.ID, &run.Workload, &run.Config, &run.NCPU, &run.Seed,
		&startedAt, &completedAt, &run.Ticks, &run.Dispatches, &run.Dropped); err != nil {
		return nil, err
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *completedAt)
		run.CompletedAt = &t
	}
	return &run, nil
}

// --- Dispatch log ---

// InsertDispatches appends a batch of dispatch events in one transaction.
func (s *SQLiteStore) InsertDispatches(ctx context.Context, runID string, events []model.DispatchEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "insert", "table", "dispatches", "run", runID, "count", len(events))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dispatches (run_id, seq, cpu, pid, tid, name, level, start_tick, end_tick, ticks, decision)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, runID, ev.Seq, ev.CPU, ev.Pid, ev.Tid, ev.Name, ev.Level,
			ev.Start, ev.End, ev.Ticks(), ev.Decision.String()); err != nil {
			return fmt.Errorf("insert dispatch %d: %w", ev.Seq, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListDispatches(ctx context.Context, runID string, opts model.ListOptions) ([]model.DispatchEvent, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "dispatches", "run", runID, "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatches WHERE run_id = ?`, runID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, cpu, pid, tid, name, level, start_tick, end_tick, decision
		 FROM dispatches WHERE run_id = ? ORDER BY seq LIMIT ? OFFSET ?`, runID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []model.DispatchEvent
	for rows.Next() {
		var ev model.DispatchEvent
		var decision string
		if err := rows.Scan(&ev.Seq, &ev.CPU, &ev.Pid, &ev.Tid, &ev.Name, &ev.Level,
			&ev.Start, &ev.End, &decision); err != nil {
			return nil, 0, err
		}
		ev.Decision = model.ParseDecision(decision)
		events = append(events, ev)
	}
	return events, total, rows.Err()
}

// TicksByLevel sums dispatched ticks per scheduling level.
func (s *SQLiteStore) TicksByLevel(ctx context.Context, runID string) (map[int]uint64, error) {
	s.logger.Debug("sql", "op", "aggregate", "table", "dispatches", "run", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT level, SUM(ticks) FROM dispatches WHERE run_id = ? GROUP BY level`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]uint64)
	for rows.Next() {
		var level int
		var ticks uint64
		if err := rows.Scan(&level, &ticks); err != nil {
			return nil, err
		}
		out[level] = ticks
	}
	return out, rows.Err()
}

// DispatchLengths returns the length in ticks of every dispatch of a run, in order.
func (s *SQLiteStore) DispatchLengths(ctx context.Context, runID string) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticks FROM dispatches WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var ticks uint64
		if err := rows.Scan(&ticks); err != nil {
			return nil, err
		}
		out = append(out, float64(ticks))
	}
	return out, rows.Err()
}

// --- Per-process aggregates ---

// SaveProcStats replaces the stats of every listed process.
func (s *SQLiteStore) SaveProcStats(ctx context.Context, runID string, stats []model.ProcStat) error {
	s.logger.Debug("sql", "op", "upsert", "table", "proc_stats", "run", runID, "count", len(stats))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, st := range stats {
		levelJSON, err := json.Marshal(st.LevelTicks)
		if err != nil {
			return fmt.Errorf("marshal level ticks: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO proc_stats (run_id, pid, name, dispatches, ticks, level_ticks, stride_ticks, final_level)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, st.Pid, st.Name, st.Dispatches, st.Ticks, string(levelJSON), st.StrideTick, st.FinalLevel,
		); err != nil {
			return fmt.Errorf("save stats pid %d: %w", st.Pid, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) procStats(ctx context.Context, runID string) ([]model.ProcStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pid, name, dispatches, ticks, level_ticks, stride_ticks, final_level
		 FROM proc_stats WHERE run_id = ? ORDER BY pid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []model.ProcStat
	for rows.Next() {
		var st model.ProcStat
		var levelJSON string
		if err := rows.Scan(&st.Pid, &st.Name, &st.Dispatches, &st.Ticks, &levelJSON,
			&st.StrideTick, &st.FinalLevel); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(levelJSON), &st.LevelTicks); err != nil {
			return nil, fmt.Errorf("unmarshal level ticks: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
