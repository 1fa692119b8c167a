package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/me/xvsched/pkg/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:", quietLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRun(id string, started time.Time) *model.Run {
	return &model.Run{
		ID:        id,
		Workload:  "mlfq-vs-stride",
		Config:    "kernel:\n  ncpu: 2\n",
		NCPU:      2,
		Seed:      42,
		StartedAt: started.UTC().Truncate(time.Millisecond),
	}
}

func sampleEvents(n int) []model.DispatchEvent {
	events := make([]model.DispatchEvent, n)
	for i := range events {
		events[i] = model.DispatchEvent{
			Seq:      uint64(i + 1),
			CPU:      i % 2,
			Pid:      2 + i%3,
			Tid:      2 + i%3,
			Name:     fmt.Sprintf("p%d", i%3),
			Level:    i%3 - 1,
			Start:    uint64(i * 2),
			End:      uint64(i*2 + 2),
			Decision: model.Decision(i % 2),
		}
	}
	return events
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestCreateAndGetRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_1", time.Now())

	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := st.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil")
	}
	if got.Workload != run.Workload || got.NCPU != 2 || got.Seed != 42 {
		t.Errorf("got %+v, want %+v", got, run)
	}
	if !got.StartedAt.Equal(run.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, run.StartedAt)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetRun(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestCompleteRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_1", time.Now())
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	done := time.Now().UTC().Truncate(time.Millisecond)
	run.CompletedAt = &done
	run.Ticks = 500
	run.Dispatches = 321
	run.Dropped = 3
	run.Procs = []model.ProcStat{
		{Pid: 2, Name: "hog", Dispatches: 200, Ticks: 400, LevelTicks: []uint64{5, 10, 385}, FinalLevel: 2},
		{Pid: 3, Name: "share", Dispatches: 121, Ticks: 100, LevelTicks: []uint64{1, 0, 0}, StrideTick: 99, FinalLevel: -1},
	}
	if err := st.CompleteRun(ctx, run); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	got, err := st.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
	}
	if got.Ticks != 500 || got.Dispatches != 321 || got.Dropped != 3 {
		t.Errorf("counters = %d/%d/%d", got.Ticks, got.Dispatches, got.Dropped)
	}
	if len(got.Procs) != 2 {
		t.Fatalf("Procs = %d, want 2", len(got.Procs))
	}
	if got.Procs[0].Name != "hog" || got.Procs[0].LevelTicks[2] != 385 {
		t.Errorf("Procs[0] = %+v", got.Procs[0])
	}
	if got.Procs[1].FinalLevel != model.StrideLevel || got.Procs[1].StrideTick != 99 {
		t.Errorf("Procs[1] = %+v", got.Procs[1])
	}
}

func TestCompleteRun_Missing(t *testing.T) {
	st := testStore(t)
	if err := st.CompleteRun(context.Background(), sampleRun("ghost", time.Now())); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestListRuns(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Now()
	for i := range 5 {
		run := sampleRun(fmt.Sprintf("run_%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := st.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun %d: %v", i, err)
		}
	}

	runs, total, err := st.ListRuns(ctx, model.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	if runs[0].ID != "run_4" || runs[1].ID != "run_3" {
		t.Errorf("order = %s, %s; want newest first", runs[0].ID, runs[1].ID)
	}

	runs, _, err = st.ListRuns(ctx, model.ListOptions{Limit: 10, Offset: 4})
	if err != nil {
		t.Fatalf("ListRuns offset: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run_0" {
		t.Errorf("offset page = %v", runs)
	}
}

func TestDispatches(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.CreateRun(ctx, sampleRun("run_1", time.Now())); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	events := sampleEvents(30)
	if err := st.InsertDispatches(ctx, "run_1", events); err != nil {
		t.Fatalf("InsertDispatches: %v", err)
	}
	if err := st.InsertDispatches(ctx, "run_1", nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}

	got, total, err := st.ListDispatches(ctx, "run_1", model.ListOptions{Limit: 10, Offset: 10})
	if err != nil {
		t.Fatalf("ListDispatches: %v", err)
	}
	if total != 30 {
		t.Errorf("total = %d, want 30", total)
	}
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
	if got[0] != events[10] {
		t.Errorf("got[0] = %+v, want %+v", got[0], events[10])
	}

	byLevel, err := st.TicksByLevel(ctx, "run_1")
	if err != nil {
		t.Fatalf("TicksByLevel: %v", err)
	}
	// 30 events of 2 ticks spread evenly over levels -1, 0 and 1.
	for _, lv := range []int{-1, 0, 1} {
		if byLevel[lv] != 20 {
			t.Errorf("level %d ticks = %d, want 20", lv, byLevel[lv])
		}
	}

	lengths, err := st.DispatchLengths(ctx, "run_1")
	if err != nil {
		t.Fatalf("DispatchLengths: %v", err)
	}
	if len(lengths) != 30 || lengths[0] != 2 {
		t.Errorf("lengths = %v, want 30 dispatches of 2 ticks", lengths)
	}
}

func TestInsertDispatches_DuplicateSeqRollsBack(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.CreateRun(ctx, sampleRun("run_1", time.Now())); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	events := sampleEvents(3)
	events[2].Seq = events[0].Seq
	if err := st.InsertDispatches(ctx, "run_1", events); err == nil {
		t.Fatal("expected duplicate key error")
	}
	_, total, err := st.ListDispatches(ctx, "run_1", model.DefaultListOptions())
	if err != nil {
		t.Fatalf("ListDispatches: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0 after rollback", total)
	}
}

func TestDeleteRun_Cascades(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_1", time.Now())
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := st.InsertDispatches(ctx, "run_1", sampleEvents(4)); err != nil {
		t.Fatalf("InsertDispatches: %v", err)
	}
	if err := st.SaveProcStats(ctx, "run_1", []model.ProcStat{{Pid: 2, Name: "a", LevelTicks: []uint64{}}}); err != nil {
		t.Fatalf("SaveProcStats: %v", err)
	}

	if err := st.DeleteRun(ctx, "run_1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	_, total, err := st.ListDispatches(ctx, "run_1", model.DefaultListOptions())
	if err != nil {
		t.Fatalf("ListDispatches: %v", err)
	}
	if total != 0 {
		t.Errorf("dispatches left = %d", total)
	}
	stats, err := st.procStats(ctx, "run_1")
	if err != nil {
		t.Fatalf("procStats: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("stats left = %d", len(stats))
	}
}

func TestSaveProcStats_Replaces(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.CreateRun(ctx, sampleRun("run_1", time.Now())); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	first := []model.ProcStat{{Pid: 2, Name: "a", Ticks: 1, LevelTicks: []uint64{1}}}
	second := []model.ProcStat{{Pid: 2, Name: "a", Ticks: 9, LevelTicks: []uint64{9}}}
	if err := st.SaveProcStats(ctx, "run_1", first); err != nil {
		t.Fatalf("SaveProcStats: %v", err)
	}
	if err := st.SaveProcStats(ctx, "run_1", second); err != nil {
		t.Fatalf("SaveProcStats: %v", err)
	}
	stats, err := st.procStats(ctx, "run_1")
	if err != nil {
		t.Fatalf("procStats: %v", err)
	}
	if len(stats) != 1 || stats[0].Ticks != 9 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSaveProcStats_UnknownRun(t *testing.T) {
	st := testStore(t)
	err := st.SaveProcStats(context.Background(), "ghost", []model.ProcStat{{Pid: 2, Name: "a"}})
	if err == nil {
		t.Fatal("expected foreign key error")
	}
}
