package workload

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/me/xvsched/internal/kernel"
	"github.com/me/xvsched/internal/proc"
	"github.com/me/xvsched/internal/script"
	"github.com/me/xvsched/pkg/model"
)

// Outcome is what a finished process reports about itself.
type Outcome struct {
	Pid    int            `json:"pid"`
	Name   string         `json:"name"`
	Kind   Kind           `json:"kind"`
	Work   uint64         `json:"work"`             // CPU ticks consumed
	Levels map[int]uint64 `json:"levels,omitempty"` // ticks sampled per level, -1 for stride
	Rounds int            `json:"rounds,omitempty"`
	Value  any            `json:"value,omitempty"` // script completion value
	Err    string         `json:"error,omitempty"`
}

// Results collects outcomes from every process of a run.
type Results struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *Results) add(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

// Outcomes returns the outcomes ordered by pid.
func (r *Results) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.outcomes)
	slices.SortFunc(out, func(a, b Outcome) int { return a.Pid - b.Pid })
	return out
}

// spinIters is the busy work done between two preemption checks.
const spinIters = 2000

var sink atomic.Uint64

func spin() {
	var x uint64
	for i := range uint64(spinIters) {
		x += i * i
	}
	sink.Store(x)
}

// burn consumes work CPU ticks of the calling process, counting the ticks seen at each
// level. It stops early if the process is killed.
func burn(t *kernel.Task, work uint64, yield bool, levels map[int]uint64) uint64 {
	start := t.Runtime()
	last := start
	for {
		now := t.Runtime()
		if now-start >= work {
			return now - start
		}
		if now != last {
			levels[t.GetLevel()] += now - last
			last = now
			if yield {
				t.Yield()
			}
		}
		spin()
		t.Preempt()
	}
}

// programs builds the kernel program of every process definition.
func (w *Workload) programs(res *Results, logger *slog.Logger) ([]kernel.Program, error) {
	progs := make([]kernel.Program, len(w.Processes))
	for i, d := range w.Processes {
		p, err := w.program(d, res, logger)
		if err != nil {
			return nil, fmt.Errorf("processes[%d] (%s): %w", i, d.Name, err)
		}
		progs[i] = p
	}
	return progs, nil
}

func (w *Workload) program(d ProcDef, res *Results, logger *slog.Logger) (kernel.Program, error) {
	switch d.Kind {
	case KindCompute:
		return func(t *kernel.Task) {
			o := Outcome{Pid: t.Pid(), Name: d.Name, Kind: d.Kind, Levels: map[int]uint64{}}
			o.Work = burn(t, d.Work, d.Yield, o.Levels)
			res.add(o)
		}, nil

	case KindStride:
		return func(t *kernel.Task) {
			o := Outcome{Pid: t.Pid(), Name: d.Name, Kind: d.Kind, Levels: map[int]uint64{}}
			if err := t.SetCPUShare(d.Share); err != nil {
				logger.Warn("cpu share refused", "pid", t.Pid(), "share", d.Share, "error", err)
				o.Err = err.Error()
			}
			o.Work = burn(t, d.Work, false, o.Levels)
			res.add(o)
		}, nil

	case KindThreads:
		return threadsProgram(d, res), nil

	case KindPingPong:
		return pingPongProgram(d, res), nil

	case KindScript:
		src, err := w.scriptSource(d)
		if err != nil {
			return nil, err
		}
		prog, err := script.Compile(d.Name, src, d.Args, logger)
		if err != nil {
			return nil, err
		}
		return func(t *kernel.Task) {
			o := Outcome{Pid: t.Pid(), Name: d.Name, Kind: d.Kind}
			v, err := prog.Run(t)
			if err != nil {
				o.Err = err.Error()
			}
			o.Value = v
			res.add(o)
		}, nil
	}
	return nil, fmt.Errorf("unknown kind %q", d.Kind)
}

// threadsProgram spreads the work over worker threads that share the process's slot. The
// main thread only spawns and joins. Rounds counts the busy loops of all workers.
func threadsProgram(d ProcDef, res *Results) kernel.Program {
	return func(t *kernel.Task) {
		o := Outcome{Pid: t.Pid(), Name: d.Name, Kind: d.Kind}
		start := t.Runtime()
		worker := func(t *kernel.Task, _ any) any {
			loops := 0
			for t.Runtime()-start < d.Work {
				spin()
				loops++
				if d.Switch {
					t.SwitchThread()
				}
				t.Preempt()
			}
			return loops
		}

		var handles []*proc.JoinHandle
		for range d.Threads {
			h, err := t.SpawnThread(worker, nil)
			if err != nil {
				o.Err = err.Error()
				break
			}
			handles = append(handles, h)
		}
		joinWorkers(t, handles, &o)
		o.Work = t.Runtime() - start
		res.add(o)
	}
}

// joinWorkers joins every handle and adds the loop counts the workers returned. A worker
// that panicked joins with no value and is reported in o.Err.
func joinWorkers(t *kernel.Task, handles []*proc.JoinHandle, o *Outcome) {
	for _, h := range handles {
		v, err := t.JoinThread(h)
		if err != nil {
			o.Err = err.Error()
			continue
		}
		n, ok := v.(int)
		if !ok {
			o.Err = fmt.Sprintf("thread %d returned no result", h.Tid())
			continue
		}
		o.Rounds += n
	}
}

// pingPongProgram forks two children that take turns Rounds times, each waking the other
// through a shared channel.
func pingPongProgram(d ProcDef, res *Results) kernel.Program {
	return func(t *kernel.Task) {
		o := Outcome{Pid: t.Pid(), Name: d.Name, Kind: d.Kind}
		var (
			mu    sync.Mutex
			turn  int
			count int
		)
		player := func(me int) kernel.Program {
			return func(t *kernel.Task) {
				for range d.Rounds {
					mu.Lock()
					for turn != me {
						if t.Killed() {
							mu.Unlock()
							return
						}
						t.Sleep(&turn, &mu)
					}
					turn = 1 - me
					count++
					mu.Unlock()
					t.Wakeup(&turn)
				}
			}
		}

		for i, name := range []string{d.Name + "-ping", d.Name + "-pong"} {
			if _, err := t.Fork(name, player(i)); err != nil {
				o.Err = err.Error()
			}
		}
		for {
			if _, err := t.Wait(); err != nil {
				if !errors.Is(err, model.ErrNoChildren) {
					o.Err = err.Error()
				}
				break
			}
		}
		mu.Lock()
		o.Rounds = count
		mu.Unlock()
		res.add(o)
	}
}
