package kernel

import (
	"fmt"
	"runtime"

	"github.com/me/xvsched/internal/proc"
	"github.com/me/xvsched/internal/swtch"
	"github.com/me/xvsched/pkg/model"
)

// allocProcess creates a runnable process in MLFQ level 0 whose first thread runs prog.
// The caller holds the lock.
func (k *Kernel) allocProcess(name string, prog Program, parent *proc.Proc) (*proc.Proc, error) {
	p, err := k.table.Alloc(name)
	if err != nil {
		k.logger.Warn("process table full", "name", name)
		return nil, fmt.Errorf("allocate %s: %w", name, err)
	}
	if err := k.core.Admit(p); err != nil {
		for _, c := range k.table.Free(p) {
			c.Kill()
		}
		return nil, fmt.Errorf("admit %s: %w", name, err)
	}
	if parent != nil {
		p.Parent = parent.Handle()
	}
	th := p.Current()
	k.startThread(p, th, func(t *Task) { k.runProgram(t, prog) })
	p.State = model.StateRunnable
	p.SetThreadState(th, model.StateRunnable)
	k.startSpan(p)
	k.core.Notify()
	k.logger.Debug("process created", "pid", p.Pid, "name", name, "parent", k.table.Pid(p.Parent))
	return p, nil
}

// startThread prepares th to run body the first time it is switched to. Whoever switches
// to it holds the lock, which the new thread releases before entering body.
func (k *Kernel) startThread(p *proc.Proc, th *proc.Thread, body func(*Task)) {
	t := &Task{k: k, p: p, th: th, pid: p.Pid, tid: th.Tid}
	swtch.Start(th.Ctx, func() {
		k.core.Unlock()
		body(t)
	})
}

func (k *Kernel) runProgram(t *Task, prog Program) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if fe, ok := model.AsFatal(r); ok {
			k.fatal(fe)
			runtime.Goexit()
		}
		if t.exited {
			return
		}
		k.logger.Error("program panicked", "pid", t.pid, "name", t.p.Name, "panic", r)
		t.exit(true)
	}()
	prog(t)
	t.Exit()
}

func (k *Kernel) runThread(t *Task, fn ThreadFunc, arg any) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if fe, ok := model.AsFatal(r); ok {
			k.fatal(fe)
			runtime.Goexit()
		}
		if t.exited {
			return
		}
		k.logger.Error("thread panicked", "pid", t.pid, "tid", t.tid, "panic", r)
		t.ExitThread(nil)
	}()
	t.ExitThread(fn(t, arg))
}

// exit turns t's process into a zombie and hands the CPU back for good.
func (k *Kernel) exit(t *Task, killed bool) {
	p := t.p
	if p == k.initProc {
		model.Fatal(model.FatalInitExit, "init exiting")
	}
	k.core.Lock()
	if killed {
		p.Killed = true
	}

	// The parent might be sleeping in Wait.
	if parent := k.table.Get(p.Parent); parent != nil {
		k.wakeup1(parent)
	}
	for q := range k.table.All() {
		if q.State == model.StateUnused || q.Parent != p.Handle() {
			continue
		}
		q.Parent = k.initProc.Handle()
		if q.State == model.StateZombie {
			k.wakeup1(k.initProc)
		}
	}

	p.State = model.StateZombie
	for i := range p.Threads {
		th := &p.Threads[i]
		if th.State == model.StateUnused || th.State == model.StateZombie {
			continue
		}
		p.SetThreadState(th, model.StateZombie)
		th.Chan = nil
	}
	k.logger.Debug("process exited", "pid", p.Pid, "name", p.Name, "killed", p.Killed)
	t.exited = true
	swtch.Exit(p.Host)
}

// reap frees a zombie child. The caller holds the lock.
func (k *Kernel) reap(q *proc.Proc) {
	k.core.DeleteFromScheduler(q)
	k.endSpan(q)
	k.logger.Debug("process reaped", "pid", q.Pid, "name", q.Name)
	for _, c := range k.table.Free(q) {
		c.Kill()
	}
}

// sleep blocks t on ch until a wakeup names it. The caller holds the lock, which is held
// again when sleep returns.
func (k *Kernel) sleep(t *Task, ch proc.Chan) {
	th := t.th
	th.Chan = ch
	t.p.SetThreadState(th, model.StateSleeping)
	k.sched(t)
	th.Chan = nil
}

// wakeup1 makes every thread sleeping on ch runnable. The caller holds the lock.
func (k *Kernel) wakeup1(ch proc.Chan) {
	woke := false
	for p := range k.table.All() {
		if p.State == model.StateUnused || p.State == model.StateZombie {
			continue
		}
		for i := range p.Threads {
			th := &p.Threads[i]
			if th.State == model.StateSleeping && th.Chan == ch {
				k.makeRunnable(p, i)
				woke = true
			}
		}
	}
	if woke {
		k.core.Notify()
	}
}

// makeRunnable wakes thread idx of p. If the current thread cannot run, the woken thread
// becomes current so the process is eligible again.
func (k *Kernel) makeRunnable(p *proc.Proc, idx int) {
	th := &p.Threads[idx]
	p.SetThreadState(th, model.StateRunnable)
	th.Chan = nil
	if cur := p.Current().State; cur != model.StateRunnable && cur != model.StateRunning {
		p.TIdx = idx
	}
}

func (k *Kernel) kill(pid int) error {
	p := k.table.Lookup(pid)
	if p == nil {
		return fmt.Errorf("kill %d: %w", pid, model.ErrNoProc)
	}
	p.Killed = true
	woke := false
	for i := range p.Threads {
		if p.Threads[i].State == model.StateSleeping {
			k.makeRunnable(p, i)
			woke = true
		}
	}
	if woke {
		k.core.Notify()
	}
	k.logger.Debug("process killed", "pid", pid)
	return nil
}

// sched hands the CPU back to the dispatch loop running t's process. The caller holds the
// lock and has already moved t's thread out of Running. If the thread can no longer run,
// another runnable thread of the process becomes current.
func (k *Kernel) sched(t *Task) {
	p, th := t.p, t.th
	if th.State == model.StateRunning {
		model.Fatal(model.FatalSchedState, "pid %d tid %d: sched while running", p.Pid, th.Tid)
	}
	if th.State != model.StateRunnable {
		if idx := p.NextRunnable(); idx >= 0 {
			p.TIdx = idx
		}
	}
	k.switchTo(t, p.Host)
	if p.State == model.StateZombie || th.State == model.StateZombie {
		model.Fatal(model.FatalZombieReturn, "pid %d tid %d resumed after exit", p.Pid, th.Tid)
	}
}

// switchTo suspends t and resumes to. If t is released while suspended its goroutine
// unwinds and t is marked exited so deferred system calls become no-ops.
func (k *Kernel) switchTo(t *Task, to *swtch.Context) {
	released := true
	defer func() {
		if released {
			t.exited = true
		}
	}()
	swtch.Switch(t.th.Ctx, to)
	released = false
}
