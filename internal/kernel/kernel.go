// Package kernel ties the process table and the scheduler together into a running system:
// process and thread lifecycle, sleep and wakeup, and the per-thread system call surface
// handed to programs.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/me/xvsched/internal/clock"
	"github.com/me/xvsched/internal/config"
	"github.com/me/xvsched/internal/proc"
	"github.com/me/xvsched/internal/scheduler"
	"github.com/me/xvsched/pkg/model"
)

// Program is the body of a process. Returning from it exits the process.
type Program func(t *Task)

// ThreadFunc is the body of a thread created with SpawnThread. Its return value is
// published to the joiner.
type ThreadFunc func(t *Task, arg any) any

// Option customizes a Kernel.
type Option func(*Kernel)

// WithTracer records a span per process lifetime.
func WithTracer(tr trace.Tracer) Option {
	return func(k *Kernel) { k.tracer = tr }
}

// WithFatalHandler replaces the default reaction to a corrupted scheduler, which is to
// re-panic and bring the program down.
func WithFatalHandler(fn func(*model.FatalError)) Option {
	return func(k *Kernel) { k.onFatal = fn }
}

// WithObserver registers a dispatch observer.
func WithObserver(fn scheduler.Observer) Option {
	return func(k *Kernel) { k.observers = append(k.observers, fn) }
}

// WithAddressSpace attaches the memory manager collaborator.
func WithAddressSpace(as scheduler.AddressSpace) Option {
	return func(k *Kernel) { k.coreOpts = append(k.coreOpts, scheduler.WithAddressSpace(as)) }
}

// Kernel is a booted or bootable system.
type Kernel struct {
	cfg    config.Config
	core   *scheduler.Core
	table  *proc.Table
	clock  clock.Clock
	logger *slog.Logger

	tracer    trace.Tracer
	onFatal   func(*model.FatalError)
	observers []scheduler.Observer
	coreOpts  []scheduler.Option

	// Guarded by the scheduling lock.
	initProc *proc.Proc
	ticks    uint64 // last tick seen; its address is the timed-sleep wait channel
	spans    map[proc.Handle]trace.Span
	ctx      context.Context

	halted atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a kernel from cfg. Call Boot to start it.
func New(cfg config.Config, clk clock.Clock, logger *slog.Logger, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kernel config: %w", err)
	}
	k := &Kernel{
		cfg:    cfg,
		table:  proc.NewTable(cfg.Kernel.NProc, cfg.Kernel.NThread),
		clock:  clk,
		logger: logger.With("component", "kernel"),
		tracer: noop.NewTracerProvider().Tracer("xvsched"),
		spans:  make(map[proc.Handle]trace.Span),
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.core = scheduler.NewCore(cfg, k.table, clk, logger, k.coreOpts...)
	for _, fn := range k.observers {
		k.core.Observe(fn)
	}
	return k, nil
}

// Core exposes the scheduler context object.
func (k *Kernel) Core() *scheduler.Core { return k.core }

// Boot creates the init process running initProgram and starts the clock and one dispatch
// loop per CPU. It returns once everything is running.
func (k *Kernel) Boot(ctx context.Context, initProgram Program) error {
	k.core.Lock()
	if k.initProc != nil {
		k.core.Unlock()
		return errors.New("kernel already booted")
	}
	ctx, cancel := context.WithCancel(ctx)
	k.ctx = ctx
	p, err := k.allocProcess("init", initProgram, nil)
	if err != nil {
		k.core.Unlock()
		cancel()
		return fmt.Errorf("boot: %w", err)
	}
	k.initProc = p
	k.cancel = cancel
	k.core.Unlock()

	if r, ok := k.clock.(clock.Runner); ok {
		k.wg.Add(1)
		go func() {
			defer k.wg.Done()
			r.Run(ctx)
		}()
	}
	k.wg.Add(1)
	go k.tickLoop(ctx)
	for id := range k.cfg.Kernel.NCPU {
		k.wg.Add(1)
		go k.runCPU(ctx, scheduler.NewCPU(id))
	}
	k.logger.Info("booted", "ncpu", k.cfg.Kernel.NCPU, "nproc", k.cfg.Kernel.NProc,
		"levels", k.cfg.MLFQ.Levels(), "boost", k.cfg.MLFQ.Boost())
	return nil
}

// Shutdown stops the dispatch loops and releases every thread. Running programs are
// parked at their next system call. If ctx expires first the kernel is left halted but
// not fully released.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.cancel == nil {
		return nil
	}
	k.halted.Store(true)
	k.cancel()

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}

	k.core.Lock()
	for p := range k.table.All() {
		for i := range p.Threads {
			if c := p.Threads[i].Ctx; c != nil {
				c.Kill()
			}
		}
		if span, ok := k.spans[p.Handle()]; ok {
			span.End()
			delete(k.spans, p.Handle())
		}
	}
	k.core.Unlock()
	k.logger.Info("shut down")
	return nil
}

func (k *Kernel) runCPU(ctx context.Context, cpu *scheduler.CPU) {
	defer k.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			fe, ok := model.AsFatal(r)
			if !ok {
				panic(r)
			}
			k.fatal(fe)
		}
	}()
	_ = k.core.RunForever(ctx, cpu)
}

// tickLoop is the timer interrupt: it publishes each tick and wakes timed sleepers.
func (k *Kernel) tickLoop(ctx context.Context) {
	defer k.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-k.clock.C():
			k.core.Lock()
			k.ticks = now
			k.wakeup1(&k.ticks)
			k.core.Unlock()
		}
	}
}

func (k *Kernel) fatal(fe *model.FatalError) {
	k.halted.Store(true)
	k.logger.Error("kernel panic", "kind", fe.Kind, "message", fe.Message)
	if k.onFatal == nil {
		panic(fe)
	}
	k.onFatal(fe)
}

// CreateProcess starts prog in a new process parented to init.
func (k *Kernel) CreateProcess(name string, prog Program) (int, error) {
	k.core.Lock()
	defer k.core.Unlock()
	p, err := k.allocProcess(name, prog, k.initProc)
	if err != nil {
		return 0, err
	}
	return p.Pid, nil
}

// RequestCPUShare moves process pid to the stride scheduler with percent of the CPU.
func (k *Kernel) RequestCPUShare(pid, percent int) error {
	k.core.Lock()
	defer k.core.Unlock()
	p, err := k.lookupLive(pid)
	if err != nil {
		return err
	}
	return k.requestShare(p, percent)
}

// CurrentLevel returns the MLFQ level of pid, or model.StrideLevel.
func (k *Kernel) CurrentLevel(pid int) (int, error) {
	k.core.Lock()
	defer k.core.Unlock()
	p, err := k.lookupLive(pid)
	if err != nil {
		return 0, err
	}
	return k.core.CurrentLevel(p), nil
}

// Kill marks pid killed and wakes its sleeping threads.
func (k *Kernel) Kill(pid int) error {
	k.core.Lock()
	defer k.core.Unlock()
	return k.kill(pid)
}

// Wakeup wakes every thread sleeping on ch.
func (k *Kernel) Wakeup(ch proc.Chan) {
	k.core.Lock()
	k.wakeup1(ch)
	k.core.Unlock()
}

// Procdump lists every process record in use.
func (k *Kernel) Procdump() []model.ProcInfo {
	k.core.Lock()
	defer k.core.Unlock()
	var out []model.ProcInfo
	for p := range k.table.All() {
		if p.State == model.StateUnused {
			continue
		}
		out = append(out, k.core.Info(p))
	}
	return out
}

// Process returns the procdump entry of pid.
func (k *Kernel) Process(pid int) (model.ProcInfo, error) {
	k.core.Lock()
	defer k.core.Unlock()
	p := k.table.Lookup(pid)
	if p == nil {
		return model.ProcInfo{}, fmt.Errorf("process %d: %w", pid, model.ErrNoProc)
	}
	return k.core.Info(p), nil
}

// Snapshot captures the scheduler tables.
func (k *Kernel) Snapshot() model.SchedSnapshot {
	k.core.Lock()
	defer k.core.Unlock()
	return k.core.Snapshot()
}

// Uptime returns the current tick count.
func (k *Kernel) Uptime() uint64 {
	return k.clock.Now()
}

// Halted reports whether the kernel is shutting down or hit a fatal error.
func (k *Kernel) Halted() bool {
	return k.halted.Load()
}

func (k *Kernel) lookupLive(pid int) (*proc.Proc, error) {
	p := k.table.Lookup(pid)
	if p == nil || p.State == model.StateZombie {
		return nil, fmt.Errorf("process %d: %w", pid, model.ErrNoProc)
	}
	return p, nil
}

func (k *Kernel) requestShare(p *proc.Proc, percent int) error {
	if percent <= 0 || percent > 100 {
		return &model.ShareError{Reason: model.ShareInvalid, Requested: percent}
	}
	return k.core.MigrateToStride(p, percent*k.cfg.Stride.MaxTicket/100)
}

func (k *Kernel) startSpan(p *proc.Proc) {
	_, span := k.tracer.Start(k.ctx, "process "+p.Name,
		trace.WithAttributes(attribute.Int("pid", p.Pid), attribute.String("name", p.Name)))
	k.spans[p.Handle()] = span
}

func (k *Kernel) endSpan(p *proc.Proc) {
	span, ok := k.spans[p.Handle()]
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.Int("level", p.Sched.Level),
		attribute.Bool("killed", p.Killed),
	)
	span.End()
	delete(k.spans, p.Handle())
}
