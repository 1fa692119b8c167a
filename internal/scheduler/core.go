// Package scheduler holds the scheduler context object shared by every CPU and the
// per-CPU dispatch loop.
//
// All scheduling state is guarded by the single lock of Core. The lock travels with
// control: a dispatch loop acquires it, selects a process and switches to its thread,
// which releases it; the thread reacquires it before switching back, and the loop
// releases it at the end of the iteration. Unless noted otherwise, methods of Core
// expect the caller to hold the lock.
package scheduler

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/sasha-s/go-deadlock"

	"github.com/me/xvsched/internal/clock"
	"github.com/me/xvsched/internal/config"
	"github.com/me/xvsched/internal/mlfq"
	"github.com/me/xvsched/internal/proc"
	"github.com/me/xvsched/internal/stride"
	"github.com/me/xvsched/internal/swtch"
	"github.com/me/xvsched/pkg/model"
)

// Observer receives every completed dispatch. It runs with the lock held and must not
// block or call back into the Core.
type Observer func(model.DispatchEvent)

// Option customizes a Core.
type Option func(*Core)

// WithAddressSpace installs the address-space collaborator.
func WithAddressSpace(as AddressSpace) Option {
	return func(c *Core) { c.space = as }
}

// Core is the scheduler context object. Create one per system with NewCore.
type Core struct {
	mu deadlock.Mutex

	cfg    config.Config
	table  *proc.Table
	mlfq   *mlfq.Queue
	stride *stride.Scheduler
	clock  clock.Clock
	space  AddressSpace

	boostUnit uint64
	nextBoost uint64

	// wake is closed and replaced whenever a thread may have become runnable.
	wake      chan struct{}
	observers []Observer
	seq       uint64

	logger *slog.Logger
}

// NewCore builds the scheduler structures over table.
func NewCore(cfg config.Config, table *proc.Table, clk clock.Clock, logger *slog.Logger, opts ...Option) *Core {
	c := &Core{
		cfg:       cfg,
		table:     table,
		mlfq:      mlfq.New(table, cfg.MLFQ, logger),
		stride:    stride.New(table, cfg.Stride, logger),
		clock:     clk,
		space:     NopAddressSpace{},
		boostUnit: cfg.MLFQ.Boost(),
		wake:      make(chan struct{}),
		logger:    logger.With("component", "scheduler"),
	}
	c.nextBoost = clk.Now() + c.boostUnit
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lock acquires the scheduling lock.
func (c *Core) Lock() { c.mu.Lock() }

// Unlock releases the scheduling lock. It may be called from a different goroutine than
// the one that locked it when control was handed over with a switch.
func (c *Core) Unlock() { c.mu.Unlock() }

// Table returns the process table.
func (c *Core) Table() *proc.Table { return c.table }

// Clock returns the tick source.
func (c *Core) Clock() clock.Clock { return c.clock }

// MLFQ returns the feedback queue.
func (c *Core) MLFQ() *mlfq.Queue { return c.mlfq }

// Stride returns the meta-scheduler.
func (c *Core) Stride() *stride.Scheduler { return c.stride }

// Observe registers fn for every future dispatch. Register observers before any dispatch
// loop starts.
func (c *Core) Observe(fn Observer) {
	c.observers = append(c.observers, fn)
}

// Notify wakes idle dispatch loops.
func (c *Core) Notify() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// Admit places a newly allocated process in the top MLFQ level.
func (c *Core) Admit(p *proc.Proc) error {
	return c.mlfq.Append(p, 0)
}

// DeleteFromScheduler removes p from whichever scheduler owns it. It is called exactly
// once, when p is reaped.
func (c *Core) DeleteFromScheduler(p *proc.Proc) {
	if p.Sched.Level == model.StrideLevel {
		c.stride.Delete(p)
		return
	}
	c.mlfq.Delete(p)
}

// CurrentLevel returns p's MLFQ level, or model.StrideLevel for stride processes.
func (c *Core) CurrentLevel(p *proc.Proc) int {
	return p.Sched.Level
}

// MigrateToStride reserves usage tickets for p. An MLFQ process leaves its queue slot on
// success and keeps it on failure. A stride process has its reservation resized.
func (c *Core) MigrateToStride(p *proc.Proc, usage int) error {
	if p.Sched.Level == model.StrideLevel {
		return c.resize(p, usage)
	}
	level, slot := p.Sched.Level, p.Sched.Slot
	if err := c.stride.Append(p, usage); err != nil {
		c.logger.Warn("cpu share refused", "pid", p.Pid, "tickets", usage, "error", err)
		return err
	}
	c.mlfq.Release(p, level, slot)
	c.logger.Info("moved to stride", "pid", p.Pid, "tickets", usage, "from_level", level)
	return nil
}

func (c *Core) resize(p *proc.Proc, usage int) error {
	old := c.stride.Tickets(p)
	if usage == old {
		return nil
	}
	if usage <= 0 {
		return &model.ShareError{Reason: model.ShareInvalid, Requested: usage}
	}
	if avail := c.cfg.Stride.MaxStride - c.stride.Total() + old; usage > avail {
		err := &model.ShareError{Reason: model.ShareCapExceeded, Requested: usage, Available: avail}
		c.logger.Warn("cpu share refused", "pid", p.Pid, "tickets", usage, "error", err)
		return err
	}
	c.stride.Delete(p)
	if err := c.stride.Append(p, usage); err != nil {
		model.Fatal(model.FatalTicketUnderflow, "pid %d: re-reserving %d tickets: %v", p.Pid, usage, err)
	}
	c.logger.Info("stride share resized", "pid", p.Pid, "from", old, "to", usage)
	return nil
}

// Quantum returns how long p may run before a preemption check yields it.
func (c *Core) Quantum(p *proc.Proc) uint64 {
	if p.Sched.Level == model.StrideLevel {
		return c.cfg.Stride.Quantum
	}
	return c.mlfq.Quantum(p.Sched.Level)
}

// Info returns the procdump view of p including its stride reservation.
func (c *Core) Info(p *proc.Proc) model.ProcInfo {
	info := p.Info(c.table.Pid(p.Parent))
	if p.Sched.Level == model.StrideLevel {
		info.Sched.Tickets = c.stride.Tickets(p)
		info.Sched.Pass = c.stride.Pass(p)
	}
	return info
}

// Snapshot captures both scheduler structures.
func (c *Core) Snapshot() model.SchedSnapshot {
	level, pos := c.mlfq.Cursor()
	return model.SchedSnapshot{
		Ticks:       c.clock.Now(),
		NextBoost:   c.nextBoost,
		CursorLevel: level,
		CursorPos:   pos,
		Levels:      c.mlfq.Snapshot(),
		StrideTotal: c.stride.Total(),
		Stride:      c.stride.Snapshot(),
	}
}

// RunForever is the dispatch loop of cpu. It returns when ctx is cancelled, at the top of
// an iteration, so a process it dispatched has always handed control back first. The
// caller does not hold the lock.
func (c *Core) RunForever(ctx context.Context, cpu *CPU) error {
	c.logger.Info("dispatcher started", "cpu", cpu.id)
	for {
		// Interrupt window: let other goroutines in before contending for the lock again.
		runtime.Gosched()
		if err := ctx.Err(); err != nil {
			c.logger.Info("dispatcher stopped", "cpu", cpu.id)
			return err
		}
		ran, wake := c.tick(cpu)
		if ran || wake == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-wake:
		}
	}
}

// Tick runs one iteration of cpu's dispatch loop and reports whether a process ran.
// An iteration that picks the MLFQ while only stride processes are runnable runs nothing
// but advances the MLFQ pass, so a later Tick reaches them. The caller does not hold the lock.
func (c *Core) Tick(cpu *CPU) bool {
	ran, _ := c.tick(cpu)
	return ran
}

// tick returns the channel to park on when nothing at all is runnable, nil otherwise.
func (c *Core) tick(cpu *CPU) (bool, <-chan struct{}) {
	c.mu.Lock()
	p := cpu.last
	if cpu.keep == model.DecisionNext || p == nil || !p.Runnable() {
		p = c.pick()
		if p == nil {
			cpu.keep = c.stride.UpdateMLFQ()
			cpu.last = nil
			var wake <-chan struct{}
			if !c.stride.HasRunnable() {
				wake = c.wake
			}
			c.mu.Unlock()
			return false, wake
		}
	}
	c.dispatch(cpu, p)
	c.mu.Unlock()
	return true, nil
}

func (c *Core) pick() *proc.Proc {
	e := c.stride.Next()
	switch e.Kind {
	case stride.MLFQSentinel:
		return c.mlfq.Next()
	case stride.Reserved:
		return c.table.Get(e.Handle)
	}
	return nil
}

func (c *Core) dispatch(cpu *CPU, p *proc.Proc) {
	th := p.Current()
	tid := th.Tid
	level := p.Sched.Level

	cpu.proc = p
	c.space.Activate(cpu.id, p)
	p.SetThreadState(th, model.StateRunning)
	p.Host, p.CPU = cpu.ctx, cpu.id
	start := c.clock.Now()
	p.Sched.Start = start

	swtch.Switch(cpu.ctx, th.Ctx)

	c.space.Deactivate(cpu.id)
	end := c.clock.Now()
	p.Sched.Elapsed += end - start
	p.Sched.Runtime += end - start
	cpu.keep = c.update(p)
	cpu.proc = nil
	cpu.last = p

	if end > c.nextBoost {
		c.mlfq.Boost()
		c.nextBoost += c.boostUnit
		c.logger.Debug("priority boost", "tick", end, "next", c.nextBoost)
	}

	c.seq++
	ev := model.DispatchEvent{
		Seq:      c.seq,
		CPU:      cpu.id,
		Pid:      p.Pid,
		Tid:      tid,
		Name:     p.Name,
		Level:    level,
		Start:    start,
		End:      end,
		Decision: cpu.keep,
	}
	for _, fn := range c.observers {
		fn(ev)
	}
}

// update accounts a dispatch that just returned. Zombie and killed processes are left
// alone; they are cleaned up when reaped.
func (c *Core) update(p *proc.Proc) model.Decision {
	if p.State == model.StateZombie || p.Killed {
		return model.DecisionNext
	}
	if p.Sched.Level == model.StrideLevel {
		return c.stride.Update(p)
	}
	c.stride.UpdateMLFQ()
	return c.mlfq.Update(p)
}
