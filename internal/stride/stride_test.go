package stride

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/xvsched/internal/config"
	"github.com/me/xvsched/internal/logging"
	"github.com/me/xvsched/internal/proc"
	"github.com/me/xvsched/pkg/model"
)

func newScheduler(t *testing.T, nproc int) (*Scheduler, *proc.Table) {
	t.Helper()
	tbl := proc.NewTable(nproc, 1)
	return New(tbl, config.Default().Stride, logging.Discard()), tbl
}

func runnable(t *testing.T, tbl *proc.Table, name string) *proc.Proc {
	t.Helper()
	p, err := tbl.Alloc(name)
	require.NoError(t, err)
	p.State = model.StateRunnable
	p.SetThreadState(p.Current(), model.StateRunnable)
	return p
}

func conserved(t *testing.T, s *Scheduler) {
	t.Helper()
	sum := s.SentinelTickets()
	for _, slot := range s.Snapshot() {
		if slot.Kind == Reserved.String() {
			sum += slot.Tickets
		}
	}
	assert.Equal(t, s.cfg.MaxTicket, sum)
	assert.Equal(t, s.cfg.MaxTicket-s.Total(), s.SentinelTickets())
}

func TestNew(t *testing.T) {
	s, _ := newScheduler(t, 4)
	assert.Equal(t, 100, s.SentinelTickets())
	assert.Equal(t, 0, s.Total())
	assert.Equal(t, Entry{Kind: MLFQSentinel, Handle: proc.NoHandle}, s.Next())
	require.Len(t, s.Snapshot(), 1)
	assert.Equal(t, "mlfq", s.Snapshot()[0].Kind)
}

func TestAppend(t *testing.T) {
	s, tbl := newScheduler(t, 4)
	p := runnable(t, tbl, "a")

	require.NoError(t, s.Append(p, 30))
	assert.Equal(t, model.StrideLevel, p.Sched.Level)
	assert.Equal(t, 1, p.Sched.Slot)
	assert.Equal(t, 30, s.Tickets(p))
	assert.Equal(t, 30, s.Total())
	assert.Equal(t, 70, s.SentinelTickets())
	conserved(t, s)
}

func TestAppend_CapEnforced(t *testing.T) {
	s, tbl := newScheduler(t, 4)
	a := runnable(t, tbl, "a")
	b := runnable(t, tbl, "b")
	require.NoError(t, s.Append(a, 50))

	before := s.Snapshot()
	err := s.Append(b, 31)
	var se *model.ShareError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.ShareCapExceeded, se.Reason)
	assert.Equal(t, 30, se.Available)
	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, 0, b.Sched.Level)

	require.NoError(t, s.Append(b, 30))
	assert.Equal(t, 80, s.Total())
	conserved(t, s)
}

func TestAppend_NoSlot(t *testing.T) {
	s, tbl := newScheduler(t, 2)
	a := runnable(t, tbl, "a")
	b := runnable(t, tbl, "b")
	require.NoError(t, s.Append(a, 10))
	require.NoError(t, s.Append(b, 10))

	// Every slot is taken; reuse a as the requester.
	err := s.Append(a, 10)
	var se *model.ShareError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.ShareNoSlot, se.Reason)
	assert.True(t, errors.Is(err, model.ErrFullQueue))
}

func TestAppend_Invalid(t *testing.T) {
	s, tbl := newScheduler(t, 1)
	p := runnable(t, tbl, "a")
	var se *model.ShareError
	require.ErrorAs(t, s.Append(p, 0), &se)
	assert.Equal(t, model.ShareInvalid, se.Reason)
}

func TestAppend_FairNewcomer(t *testing.T) {
	s, tbl := newScheduler(t, 4)
	a := runnable(t, tbl, "a")
	require.NoError(t, s.Append(a, 20))
	for range 7 {
		s.Update(a)
	}
	for range 3 {
		s.UpdateMLFQ()
	}
	require.Equal(t, 35.0, s.Pass(a))
	require.InDelta(t, 3*100.0/80, s.SentinelPass(), 1e-9)

	b := runnable(t, tbl, "b")
	require.NoError(t, s.Append(b, 10))
	assert.Equal(t, s.SentinelPass(), s.Pass(b))
}

func TestDelete(t *testing.T) {
	s, tbl := newScheduler(t, 4)
	a := runnable(t, tbl, "a")
	b := runnable(t, tbl, "b")
	require.NoError(t, s.Append(a, 25))
	require.NoError(t, s.Append(b, 15))

	s.Delete(a)
	assert.Equal(t, 15, s.Total())
	assert.Equal(t, 85, s.SentinelTickets())
	assert.Equal(t, 0, s.Tickets(a))
	conserved(t, s)

	c := runnable(t, tbl, "c")
	require.NoError(t, s.Append(c, 5))
	assert.Equal(t, 1, c.Sched.Slot, "freed slots are reused")
}

func TestDelete_Twice(t *testing.T) {
	s, tbl := newScheduler(t, 2)
	a := runnable(t, tbl, "a")
	require.NoError(t, s.Append(a, 25))
	s.Delete(a)

	defer func() {
		fe, ok := model.AsFatal(recover())
		require.True(t, ok)
		assert.Equal(t, model.FatalDoubleFree, fe.Kind)
	}()
	s.Delete(a)
}

func TestTicketConservation_Random(t *testing.T) {
	const nproc = 16
	s, tbl := newScheduler(t, nproc)
	rng := rand.New(rand.NewSource(7))
	procs := make([]*proc.Proc, nproc)
	for i := range procs {
		procs[i] = runnable(t, tbl, "p")
	}
	held := make([]bool, nproc)

	for range 2000 {
		i := rng.Intn(nproc)
		if held[i] {
			s.Delete(procs[i])
			procs[i].Sched.Level = 0
			held[i] = false
		} else {
			usage := 1 + rng.Intn(30)
			before := s.Total()
			err := s.Append(procs[i], usage)
			if before+usage > s.cfg.MaxStride {
				require.Error(t, err)
				assert.Equal(t, before, s.Total())
			} else {
				require.NoError(t, err)
				held[i] = true
			}
		}
		conserved(t, s)
		assert.LessOrEqual(t, s.Total(), s.cfg.MaxStride)
	}
}

func TestUpdate_PassMonotonic(t *testing.T) {
	s, tbl := newScheduler(t, 2)
	a := runnable(t, tbl, "a")
	require.NoError(t, s.Append(a, 40))

	prev := s.Pass(a)
	for range 100 {
		assert.Equal(t, model.DecisionNext, s.Update(a))
		cur := s.Pass(a)
		assert.Greater(t, cur, prev)
		assert.InDelta(t, 2.5, cur-prev, 1e-9)
		prev = cur
	}
}

func TestUpdate_Rescale(t *testing.T) {
	cfg := config.Default().Stride
	cfg.MaxPass = 50
	cfg.ScalePass = 10
	tbl := proc.NewTable(2, 1)
	s := New(tbl, cfg, logging.Discard())
	a := runnable(t, tbl, "a")
	b := runnable(t, tbl, "b")
	require.NoError(t, s.Append(a, 10))
	require.NoError(t, s.Append(b, 50))

	for range 5 {
		s.Update(a)
	}
	s.Update(b)
	require.Equal(t, 50.0, s.Pass(a))
	require.Equal(t, 2.0, s.Pass(b))

	s.Update(a) // 60 > 50, everyone positive drops by 40
	assert.Equal(t, 20.0, s.Pass(a))
	assert.Equal(t, -38.0, s.Pass(b))
	assert.Equal(t, 0.0, s.SentinelPass(), "zero passes are not rescaled")
}

func TestNext_MinPassAndTies(t *testing.T) {
	s, tbl := newScheduler(t, 3)
	a := runnable(t, tbl, "a")
	b := runnable(t, tbl, "b")
	require.NoError(t, s.Append(a, 10))
	require.NoError(t, s.Append(b, 10))

	// All three start at pass 0: the sentinel owns the tie.
	assert.Equal(t, MLFQSentinel, s.Next().Kind)

	s.UpdateMLFQ()
	e := s.Next()
	assert.Equal(t, Reserved, e.Kind)
	assert.Equal(t, a.Handle(), e.Handle, "ties between processes go to the lower slot")

	a.SetThreadState(a.Current(), model.StateRunning)
	assert.Equal(t, b.Handle(), s.Next().Handle, "non-runnable processes are skipped")
}

func TestNext_ScenarioB(t *testing.T) {
	s, tbl := newScheduler(t, 4)
	ten := runnable(t, tbl, "ten")
	forty := runnable(t, tbl, "forty")
	require.NoError(t, s.Append(ten, 10))
	require.NoError(t, s.Append(forty, 40))

	counts := map[proc.Handle]int{}
	for range 50 {
		e := s.Next()
		if e.Kind == MLFQSentinel {
			s.UpdateMLFQ()
			continue
		}
		counts[e.Handle]++
		s.Update(tbl.Get(e.Handle))
	}
	require.NotZero(t, counts[ten.Handle()])
	ratio := float64(counts[forty.Handle()]) / float64(counts[ten.Handle()])
	assert.InDelta(t, 4.0, ratio, 1.0)
}

func TestHasRunnable(t *testing.T) {
	s, tbl := newScheduler(t, 4)
	assert.False(t, s.HasRunnable(), "the sentinel alone does not count")

	p := runnable(t, tbl, "a")
	require.NoError(t, s.Append(p, 10))
	assert.True(t, s.HasRunnable())

	p.SetThreadState(p.Current(), model.StateRunning)
	p.SetThreadState(p.Current(), model.StateSleeping)
	assert.False(t, s.HasRunnable())

	p.SetThreadState(p.Current(), model.StateRunnable)
	s.Delete(p)
	assert.False(t, s.HasRunnable())
}
