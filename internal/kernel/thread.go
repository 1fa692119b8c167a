package kernel

import (
	"fmt"

	"github.com/me/xvsched/internal/proc"
	"github.com/me/xvsched/internal/swtch"
	"github.com/me/xvsched/pkg/model"
)

// SpawnThread starts fn(arg) in a new thread of the caller's process. The thread shares
// the process's scheduler slot.
func (t *Task) SpawnThread(fn ThreadFunc, arg any) (*proc.JoinHandle, error) {
	if !t.enter() {
		return nil, model.ErrKilled
	}
	k, p := t.k, t.p
	k.core.Lock()
	defer k.core.Unlock()
	th := k.table.AllocThread(p)
	if th == nil {
		return nil, fmt.Errorf("spawn thread in pid %d: %w", p.Pid, model.ErrTableFull)
	}
	h := proc.NewJoinHandle(th.Tid)
	th.Join = h
	k.startThread(p, th, func(nt *Task) { k.runThread(nt, fn, arg) })
	p.SetThreadState(th, model.StateRunnable)
	k.logger.Debug("thread created", "pid", p.Pid, "tid", th.Tid)
	return h, nil
}

// ExitThread ends the calling thread and publishes retval to its joiner. The last live
// thread of a process exits the whole process. It does not return.
func (t *Task) ExitThread(retval any) {
	if t.exited {
		return
	}
	k, p, th := t.k, t.p, t.th
	k.core.Lock()
	if p.LiveThreads() <= 1 {
		k.core.Unlock()
		t.exit(false)
		return
	}
	if th.Join != nil {
		th.Join.Publish(retval)
		k.wakeup1(th.Join)
	}
	p.SetThreadState(th, model.StateZombie)
	th.Chan = nil
	if idx := p.NextRunnable(); idx >= 0 {
		p.TIdx = idx
	}
	k.logger.Debug("thread exited", "pid", p.Pid, "tid", th.Tid)
	t.exited = true
	swtch.Exit(p.Host)
}

// JoinThread waits for the thread behind h to exit, frees its record and returns its
// value. It fails with model.ErrNoThread if h does not name an unjoined thread of the
// caller's process.
func (t *Task) JoinThread(h *proc.JoinHandle) (any, error) {
	if h == nil {
		return nil, fmt.Errorf("join: %w", model.ErrNoThread)
	}
	if !t.enter() {
		return nil, model.ErrKilled
	}
	k, p := t.k, t.p
	k.core.Lock()
	for !h.Done() {
		if findJoin(p, h) == nil {
			k.core.Unlock()
			return nil, fmt.Errorf("join tid %d: %w", h.Tid(), model.ErrNoThread)
		}
		if p.Killed {
			k.core.Unlock()
			return nil, fmt.Errorf("join: %w", model.ErrKilled)
		}
		k.sleep(t, h)
	}
	th := findJoin(p, h)
	if th == nil || th.State != model.StateZombie {
		k.core.Unlock()
		return nil, fmt.Errorf("join tid %d: %w", h.Tid(), model.ErrNoThread)
	}
	if c := k.table.FreeThread(th); c != nil {
		c.Kill()
	}
	ret := h.Retval()
	k.core.Unlock()
	return ret, nil
}

func findJoin(p *proc.Proc, h *proc.JoinHandle) *proc.Thread {
	for i := range p.Threads {
		th := &p.Threads[i]
		if th.State != model.StateUnused && th.Join == h {
			return th
		}
	}
	return nil
}

// SwitchThread hands the CPU directly to the next runnable thread of the same process,
// bypassing the scheduler. It returns immediately if there is none.
func (t *Task) SwitchThread() {
	if !t.enter() {
		return
	}
	k, p, th := t.k, t.p, t.th
	k.core.Lock()
	idx := p.NextRunnable()
	if idx < 0 {
		k.core.Unlock()
		return
	}
	next := &p.Threads[idx]
	p.SetThreadState(th, model.StateRunnable)
	p.SetThreadState(next, model.StateRunning)
	p.TIdx = idx
	k.switchTo(t, next.Ctx)
	k.core.Unlock()
}
