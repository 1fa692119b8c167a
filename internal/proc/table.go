package proc

import (
	"iter"

	"github.com/me/xvsched/internal/swtch"
	"github.com/me/xvsched/pkg/model"
)

// Table owns every process record for the lifetime of the system.
type Table struct {
	procs   []Proc
	nextPid int
	nextTid int
}

// NewTable allocates nproc process records with nthread thread records each.
func NewTable(nproc, nthread int) *Table {
	t := &Table{
		procs:   make([]Proc, nproc),
		nextPid: 1,
		nextTid: 1,
	}
	for i := range t.procs {
		t.procs[i].handle = Handle(i)
		t.procs[i].Parent = NoHandle
		t.procs[i].Threads = make([]Thread, nthread)
	}
	return t
}

// Cap returns the number of process records.
func (t *Table) Cap() int { return len(t.procs) }

// Get resolves a handle. NoHandle and out-of-range handles resolve to nil.
func (t *Table) Get(h Handle) *Proc {
	if h < 0 || int(h) >= len(t.procs) {
		return nil
	}
	return &t.procs[h]
}

// Lookup finds the live or zombie process with the given pid.
func (t *Table) Lookup(pid int) *Proc {
	for i := range t.procs {
		p := &t.procs[i]
		if p.State != model.StateUnused && p.Pid == pid {
			return p
		}
	}
	return nil
}

// All yields every process record in table order, Unused ones included.
func (t *Table) All() iter.Seq[*Proc] {
	return func(yield func(*Proc) bool) {
		for i := range t.procs {
			if !yield(&t.procs[i]) {
				return
			}
		}
	}
}

// Alloc claims an Unused record. The process and its first thread come back Embryo;
// the first thread has a fresh, not yet started Context.
func (t *Table) Alloc(name string) (*Proc, error) {
	for i := range t.procs {
		p := &t.procs[i]
		if p.State != model.StateUnused {
			continue
		}
		p.State = model.StateEmbryo
		p.Pid = t.nextPid
		t.nextPid++
		p.Name = name
		p.Parent = NoHandle
		p.Killed = false
		p.TIdx = 0
		p.Sched = SchedInfo{}
		p.Host = nil

		th := &p.Threads[0]
		p.SetThreadState(th, model.StateEmbryo)
		th.Tid = t.NewTid()
		th.Ctx = swtch.New()
		return p, nil
	}
	return nil, model.ErrTableFull
}

// AllocThread claims an Unused thread record of p, or returns nil if all are in use.
func (t *Table) AllocThread(p *Proc) *Thread {
	for i := range p.Threads {
		th := &p.Threads[i]
		if th.State != model.StateUnused {
			continue
		}
		th.Tid = t.NewTid()
		th.Chan = nil
		th.Join = nil
		th.Ctx = swtch.New()
		return th
	}
	return nil
}

// NewTid hands out the next thread id.
func (t *Table) NewTid() int {
	tid := t.nextTid
	t.nextTid++
	return tid
}

// FreeThread returns a thread record to Unused and hands back its context so the caller
// can release a goroutine still parked in it.
func (t *Table) FreeThread(th *Thread) *swtch.Context {
	ctx := th.Ctx
	th.State = model.StateUnused
	th.Tid = 0
	th.Chan = nil
	th.Join = nil
	th.Ctx = nil
	return ctx
}

// Free resets the record to Unused and returns the contexts of all of its threads.
func (t *Table) Free(p *Proc) []*swtch.Context {
	var ctxs []*swtch.Context
	for i := range p.Threads {
		if ctx := t.FreeThread(&p.Threads[i]); ctx != nil {
			ctxs = append(ctxs, ctx)
		}
	}
	p.State = model.StateUnused
	p.Pid = 0
	p.Name = ""
	p.Parent = NoHandle
	p.Killed = false
	p.TIdx = 0
	p.Sched = SchedInfo{}
	p.Host = nil
	return ctxs
}

// Pid returns the pid of the process behind h, or 0.
func (t *Table) Pid(h Handle) int {
	if p := t.Get(h); p != nil {
		return p.Pid
	}
	return 0
}
