// Package proc holds the fixed-capacity process and thread arena. Records are never
// allocated after construction; slots are reused once a process is reaped.
//
// Nothing here locks. Every mutation happens under the scheduling lock owned by the caller.
package proc

import (
	"fmt"

	"github.com/me/xvsched/internal/swtch"
	"github.com/me/xvsched/pkg/model"
)

// Handle is the stable index of a process record in its Table.
type Handle int

// NoHandle marks an absent process reference.
const NoHandle Handle = -1

// Chan is an opaque wait-channel identifier, compared only for equality.
// Values must be comparable; pointers are the usual choice.
type Chan = any

// JoinHandle is shared between a thread and whoever joins it.
type JoinHandle struct {
	tid    int
	done   bool
	retval any
}

// NewJoinHandle returns an open handle for thread tid.
func NewJoinHandle(tid int) *JoinHandle {
	return &JoinHandle{tid: tid}
}

// Tid returns the id of the thread the handle refers to.
func (h *JoinHandle) Tid() int { return h.tid }

// Done reports whether the thread has exited.
func (h *JoinHandle) Done() bool { return h.done }

// Retval returns the value the thread exited with.
func (h *JoinHandle) Retval() any { return h.retval }

// Publish records the exit value and flags the handle done.
func (h *JoinHandle) Publish(retval any) {
	h.retval = retval
	h.done = true
}

// Thread is one schedulable context of a process.
type Thread struct {
	State model.ProcState
	Tid   int
	Chan  Chan
	Ctx   *swtch.Context
	Join  *JoinHandle
}

// SchedInfo is the scheduling metadata cached in a process record.
// Level is model.StrideLevel for stride-owned processes, otherwise Slot indexes MLFQ level Level.
type SchedInfo struct {
	Level   int
	Slot    int
	Elapsed uint64
	Start   uint64
	Runtime uint64 // ticks spent running since creation, across levels
}

// Proc is a process record.
type Proc struct {
	handle  Handle
	Pid     int
	Name    string
	State   model.ProcState
	Parent  Handle
	Killed  bool
	TIdx    int
	Threads []Thread
	Sched   SchedInfo

	// Host is the dispatch loop context to return to while the process is on a CPU.
	Host *swtch.Context
	CPU  int
}

// Handle returns the arena index of the record.
func (p *Proc) Handle() Handle { return p.handle }

// Current returns the currently scheduled thread.
func (p *Proc) Current() *Thread { return &p.Threads[p.TIdx] }

// Runnable reports whether the process may be selected: it is alive and its current
// thread is Runnable.
func (p *Proc) Runnable() bool {
	if p.State == model.StateUnused || p.State == model.StateZombie {
		return false
	}
	return p.Current().State == model.StateRunnable
}

// SetThreadState moves t to next, halting on a transition the lifecycle never makes.
func (p *Proc) SetThreadState(t *Thread, next model.ProcState) {
	if t.State == next {
		return
	}
	if !t.State.CanTransitionTo(next) {
		model.Fatal(model.FatalSchedState, "pid %d tid %d: %s -> %s", p.Pid, t.Tid, t.State, next)
	}
	t.State = next
}

// NextRunnable scans the thread table circularly after the current thread and returns the
// index of the first Runnable thread, or -1.
func (p *Proc) NextRunnable() int {
	n := len(p.Threads)
	for i := 1; i < n; i++ {
		idx := (p.TIdx + i) % n
		if p.Threads[idx].State == model.StateRunnable {
			return idx
		}
	}
	return -1
}

// Index returns the position of t in the thread table.
func (p *Proc) Index(t *Thread) int {
	for i := range p.Threads {
		if &p.Threads[i] == t {
			return i
		}
	}
	return -1
}

// LiveThreads counts threads that have not exited.
func (p *Proc) LiveThreads() int {
	n := 0
	for i := range p.Threads {
		if p.Threads[i].State.IsLive() {
			n++
		}
	}
	return n
}

// Info returns a procdump view of the record.
func (p *Proc) Info(parentPid int) model.ProcInfo {
	info := model.ProcInfo{
		Pid:     p.Pid,
		Parent:  parentPid,
		Name:    p.Name,
		State:   p.State,
		Killed:  p.Killed,
		Current: p.TIdx,
		Sched: model.SchedInfo{
			Level:   p.Sched.Level,
			Slot:    p.Sched.Slot,
			Elapsed: p.Sched.Elapsed,
			Start:   p.Sched.Start,
			Runtime: p.Sched.Runtime,
		},
	}
	for i := range p.Threads {
		t := &p.Threads[i]
		if t.State == model.StateUnused {
			continue
		}
		ti := model.ThreadInfo{Tid: t.Tid, State: t.State}
		if t.Chan != nil {
			ti.Chan = fmt.Sprintf("%v", t.Chan)
		}
		info.Threads = append(info.Threads, ti)
	}
	return info
}

func (p *Proc) String() string {
	return fmt.Sprintf("%s(%d)", p.Name, p.Pid)
}
