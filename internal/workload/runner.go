package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/xvsched/internal/kernel"
	"github.com/me/xvsched/pkg/model"
)

// RunResult summarizes a finished run.
type RunResult struct {
	Results  *Results
	Ticks    uint64 // clock ticks when the run ended
	Created  int64  // processes created, boot and arrivals
	Refused  int64  // creations that failed, usually a full table
	TimedOut bool   // Duration elapsed before every process exited
}

// Runner executes a workload on a kernel.
type Runner struct {
	k      *kernel.Kernel
	w      *Workload
	poll   time.Duration
	logger *slog.Logger

	created atomic.Int64
	refused atomic.Int64
}

// NewRunner creates a runner. poll is how often the host side looks at the clock to inject
// arrivals; one tick is a good value.
func NewRunner(k *kernel.Kernel, w *Workload, poll time.Duration, logger *slog.Logger) *Runner {
	return &Runner{k: k, w: w, poll: poll, logger: logger.With("component", "workload", "workload", w.Name)}
}

// Run boots the kernel and blocks until every process has exited, the workload duration
// has elapsed, or ctx is done. The kernel keeps running; the caller shuts it down.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	res := &Results{}
	progs, err := r.w.programs(res, r.logger)
	if err != nil {
		return nil, err
	}

	var arr []*arrivals
	for i, d := range r.w.Processes {
		if d.Rate > 0 {
			arr = append(arr, newArrivals(i, d.Rate, d.Until, r.w.Seed))
		}
	}
	var arrivalsDone atomic.Bool
	arrivalsDone.Store(len(arr) == 0)

	idle := make(chan struct{})
	var idleOnce sync.Once
	initProgram := func(t *kernel.Task) {
		for i, d := range r.w.Processes {
			for range d.Count {
				r.spawn(func() (int, error) { return t.Fork(d.Name, progs[i]) }, d.Name)
			}
		}
		for {
			// Read before Wait: arrivals created after a Wait that found no children
			// must not count as finished.
			done := arrivalsDone.Load()
			_, err := t.Wait()
			if err == nil {
				continue
			}
			if errors.Is(err, model.ErrNoChildren) && done {
				idleOnce.Do(func() { close(idle) })
			}
			_ = t.SleepTicks(1)
		}
	}

	if err := r.k.Boot(ctx, initProgram); err != nil {
		return nil, fmt.Errorf("run %s: %w", r.w.Name, err)
	}
	r.logger.Info("workload started", "processes", len(r.w.Processes), "duration", r.w.Duration)

	result := func(timedOut bool) *RunResult {
		return &RunResult{
			Results:  res,
			Ticks:    r.k.Uptime(),
			Created:  r.created.Load(),
			Refused:  r.refused.Load(),
			TimedOut: timedOut,
		}
	}

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	var next uint64
	for {
		select {
		case <-ctx.Done():
			return result(false), ctx.Err()
		case <-idle:
			r.logger.Info("workload finished", "ticks", r.k.Uptime())
			return result(false), nil
		case <-ticker.C:
		}

		if r.k.Halted() {
			return result(false), fmt.Errorf("run %s: kernel halted", r.w.Name)
		}
		now := r.k.Uptime()
		for ; next < now; next++ {
			for _, a := range arr {
				d := r.w.Processes[a.def]
				for range a.draw(next) {
					r.spawn(func() (int, error) { return r.k.CreateProcess(d.Name, progs[a.def]) }, d.Name)
				}
			}
		}
		if !arrivalsDone.Load() && allDone(arr, now) {
			arrivalsDone.Store(true)
			r.logger.Debug("arrivals finished", "tick", now)
		}
		if r.w.Duration > 0 && now >= r.w.Duration {
			r.logger.Info("workload duration elapsed", "ticks", now)
			return result(true), nil
		}
	}
}

func (r *Runner) spawn(create func() (int, error), name string) {
	pid, err := create()
	if err != nil {
		r.refused.Add(1)
		r.logger.Warn("process not created", "name", name, "error", err)
		return
	}
	r.created.Add(1)
	r.logger.Debug("process created", "name", name, "pid", pid)
}

func allDone(arr []*arrivals, tick uint64) bool {
	for _, a := range arr {
		if !a.done(tick) {
			return false
		}
	}
	return true
}
