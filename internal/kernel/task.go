package kernel

import (
	"fmt"
	"sync"

	"github.com/me/xvsched/internal/proc"
	"github.com/me/xvsched/pkg/model"
)

// Task is the system call surface of one thread. A Task is only valid on the goroutine
// running that thread.
type Task struct {
	k   *Kernel
	p   *proc.Proc
	th  *proc.Thread
	pid int
	tid int

	// exited is set once the thread can no longer be scheduled. System calls made after
	// that, typically from deferred functions while the goroutine unwinds, do nothing.
	exited bool
}

// Pid returns the process id.
func (t *Task) Pid() int { return t.pid }

// Tid returns the thread id.
func (t *Task) Tid() int { return t.tid }

// enter gates every system call. A halted kernel parks the caller instead.
func (t *Task) enter() bool {
	if t.exited {
		return false
	}
	if t.k.halted.Load() {
		t.k.core.Lock()
		t.p.SetThreadState(t.th, model.StateRunnable)
		t.k.sched(t)
		t.k.core.Unlock()
		return false
	}
	return true
}

// Fork starts prog in a child process and returns the child's pid.
func (t *Task) Fork(name string, prog Program) (int, error) {
	if !t.enter() {
		return 0, model.ErrKilled
	}
	t.k.core.Lock()
	child, err := t.k.allocProcess(name, prog, t.p)
	if err != nil {
		t.k.core.Unlock()
		return 0, fmt.Errorf("fork: %w", err)
	}
	pid := child.Pid
	t.k.core.Unlock()
	return pid, nil
}

// Exit terminates the process. It does not return.
func (t *Task) Exit() {
	if t.exited {
		return
	}
	t.exit(false)
}

func (t *Task) exit(killed bool) {
	t.k.exit(t, killed)
}

// Wait reaps an exited child and returns its pid. It blocks while children are alive and
// fails with model.ErrNoChildren if there are none.
func (t *Task) Wait() (int, error) {
	if !t.enter() {
		return 0, model.ErrKilled
	}
	k, p := t.k, t.p
	k.core.Lock()
	for {
		havekids := false
		for q := range k.table.All() {
			if q.State == model.StateUnused || q.Parent != p.Handle() {
				continue
			}
			havekids = true
			if q.State == model.StateZombie {
				pid := q.Pid
				k.reap(q)
				k.core.Unlock()
				return pid, nil
			}
		}
		if !havekids {
			k.core.Unlock()
			return 0, fmt.Errorf("wait: %w", model.ErrNoChildren)
		}
		if p.Killed {
			k.core.Unlock()
			return 0, fmt.Errorf("wait: %w", model.ErrKilled)
		}
		k.sleep(t, p)
	}
}

// Kill marks process pid killed.
func (t *Task) Kill(pid int) error {
	if !t.enter() {
		return model.ErrKilled
	}
	t.k.core.Lock()
	defer t.k.core.Unlock()
	return t.k.kill(pid)
}

// Killed reports whether the caller's process has been killed.
func (t *Task) Killed() bool {
	t.k.core.Lock()
	defer t.k.core.Unlock()
	return t.p.Killed
}

// Yield gives up the CPU for one scheduling round.
func (t *Task) Yield() {
	if !t.enter() {
		return
	}
	t.k.core.Lock()
	t.p.SetThreadState(t.th, model.StateRunnable)
	t.k.sched(t)
	t.k.core.Unlock()
}

// Preempt is the timer check: if the process used up the quantum of its level since it
// was dispatched, it yields. A killed process exits here.
func (t *Task) Preempt() {
	if !t.enter() {
		return
	}
	k, p := t.k, t.p
	k.core.Lock()
	if p.Killed {
		k.core.Unlock()
		t.exit(false)
		return
	}
	if k.clock.Now()-p.Sched.Start >= k.core.Quantum(p) {
		p.SetThreadState(t.th, model.StateRunnable)
		k.sched(t)
	}
	k.core.Unlock()
}

// Sleep atomically releases lk and blocks on ch until Wakeup(ch), then reacquires lk.
// lk may be nil. ch must be comparable.
func (t *Task) Sleep(ch proc.Chan, lk sync.Locker) {
	if !t.enter() {
		return
	}
	k := t.k
	k.core.Lock()
	held := lk == nil
	// A thread released while asleep still owes its caller the lock.
	defer func() {
		if !held {
			lk.Lock()
		}
	}()
	if lk != nil {
		lk.Unlock()
	}
	k.sleep(t, ch)
	k.core.Unlock()
	if lk != nil {
		lk.Lock()
		held = true
	}
}

// Wakeup wakes every thread sleeping on ch.
func (t *Task) Wakeup(ch proc.Chan) {
	if !t.enter() {
		return
	}
	t.k.Wakeup(ch)
}

// SleepTicks blocks for n clock ticks. It fails with model.ErrKilled if the process is
// killed meanwhile.
func (t *Task) SleepTicks(n uint64) error {
	if !t.enter() {
		return model.ErrKilled
	}
	k := t.k
	k.core.Lock()
	t0 := k.ticks
	for k.ticks-t0 < n {
		if t.p.Killed {
			k.core.Unlock()
			return fmt.Errorf("sleep: %w", model.ErrKilled)
		}
		k.sleep(t, &k.ticks)
	}
	k.core.Unlock()
	return nil
}

// Uptime returns the tick count.
func (t *Task) Uptime() uint64 {
	return t.k.clock.Now()
}

// Runtime returns the CPU ticks the process has consumed, including the current dispatch.
func (t *Task) Runtime() uint64 {
	k := t.k
	k.core.Lock()
	defer k.core.Unlock()
	return t.p.Sched.Runtime + k.clock.Now() - t.p.Sched.Start
}

// GetLevel returns the caller's MLFQ level, or model.StrideLevel.
func (t *Task) GetLevel() int {
	t.k.core.Lock()
	defer t.k.core.Unlock()
	return t.k.core.CurrentLevel(t.p)
}

// SetCPUShare moves the caller to the stride scheduler with percent of the CPU.
func (t *Task) SetCPUShare(percent int) error {
	if !t.enter() {
		return model.ErrKilled
	}
	t.k.core.Lock()
	defer t.k.core.Unlock()
	return t.k.requestShare(t.p, percent)
}
