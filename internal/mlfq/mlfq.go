// Package mlfq implements the multi-level feedback queue. Each level is a fixed array of
// slots indexed by the slot number cached in the process record, so deleting a process is
// a single store and slots never move except during a boost.
package mlfq

import (
	"fmt"
	"log/slog"

	"github.com/me/xvsched/internal/config"
	"github.com/me/xvsched/internal/proc"
	"github.com/me/xvsched/pkg/model"
)

type slot struct {
	h    proc.Handle
	used bool
}

type cursor struct {
	level int
	pos   int
}

// Queue is the MLFQ. It is not safe for concurrent use; callers hold the scheduling lock.
type Queue struct {
	table   *proc.Table
	levels  [][]slot
	quantum []uint64
	expire  []uint64
	cur     cursor
	logger  *slog.Logger
}

// New returns an empty queue with one level per configured quantum. Every level has
// room for every process in table.
func New(table *proc.Table, cfg config.MLFQConfig, logger *slog.Logger) *Queue {
	q := &Queue{
		table:   table,
		levels:  make([][]slot, cfg.Levels()),
		quantum: append([]uint64(nil), cfg.Quantum...),
		expire:  append([]uint64(nil), cfg.Expire...),
		logger:  logger.With("component", "mlfq"),
	}
	for i := range q.levels {
		q.levels[i] = make([]slot, table.Cap())
	}
	return q
}

// Levels returns the number of priority levels.
func (q *Queue) Levels() int { return len(q.levels) }

// Quantum returns the preemption quantum of level, in ticks.
func (q *Queue) Quantum(level int) uint64 { return q.quantum[level] }

// Expire returns the time allotment of level before demotion, in ticks.
func (q *Queue) Expire(level int) uint64 { return q.expire[level] }

// Append places p in the first free slot of level and resets its elapsed time.
// It returns an error wrapping model.ErrFullQueue if the level has no free slot.
func (q *Queue) Append(p *proc.Proc, level int) error {
	for i := range q.levels[level] {
		s := &q.levels[level][i]
		if s.used {
			continue
		}
		s.h, s.used = p.Handle(), true
		p.Sched.Level = level
		p.Sched.Slot = i
		p.Sched.Elapsed = 0
		return nil
	}
	q.logger.Warn("level full", "level", level, "pid", p.Pid)
	return fmt.Errorf("mlfq level %d: %w", level, model.ErrFullQueue)
}

// Delete frees the slot cached in p.
func (q *Queue) Delete(p *proc.Proc) {
	q.Release(p, p.Sched.Level, p.Sched.Slot)
}

// Release frees the given slot, which must hold p. It is used when p's cached position has
// already been overwritten, as on migration to the stride scheduler.
func (q *Queue) Release(p *proc.Proc, level, index int) {
	if level < 0 || level >= len(q.levels) || index < 0 || index >= len(q.levels[level]) {
		q.fatal(model.FatalDoubleFree, "pid %d: no mlfq slot %d/%d", p.Pid, level, index)
	}
	s := &q.levels[level][index]
	if !s.used || s.h != p.Handle() {
		q.fatal(model.FatalDoubleFree, "pid %d: mlfq slot %d/%d not held", p.Pid, level, index)
	}
	*s = slot{}
}

// Update accounts a finished dispatch of p and demotes it once it used up its allotment.
// It returns DecisionNext for zombie or killed processes and after a demotion.
func (q *Queue) Update(p *proc.Proc) model.Decision {
	if p.State == model.StateZombie || p.Killed {
		return model.DecisionNext
	}
	level, index := p.Sched.Level, p.Sched.Slot
	if level+1 < len(q.levels) && p.Sched.Elapsed >= q.expire[level] {
		if err := q.Append(p, level+1); err != nil {
			q.fatal(model.FatalDemotionOverflow, "pid %d: %v", p.Pid, err)
		}
		q.levels[level][index] = slot{}
		q.logger.Debug("demoted", "pid", p.Pid, "from", level, "to", level+1)
		return model.DecisionNext
	}
	return model.DecisionKeep
}

// Next selects the next runnable process in priority order, resuming round robin from
// where the previous call left off. The level the cursor points into is scanned from the
// cursor to its end and then once more from its start. It returns nil if nothing is
// runnable and rewinds the cursor to the top.
func (q *Queue) Next() *proc.Proc {
	retry := false
	for lv := 0; lv < len(q.levels); lv++ {
		start := 0
		resume := lv == q.cur.level && !retry
		if resume {
			start = q.cur.pos
		}
		for i := start; i < len(q.levels[lv]); i++ {
			s := q.levels[lv][i]
			if !s.used {
				continue
			}
			p := q.table.Get(s.h)
			if !p.Runnable() {
				continue
			}
			q.cur = cursor{level: lv, pos: i + 1}
			return p
		}
		if resume {
			lv--
			retry = true
		} else {
			retry = false
		}
	}
	q.cur = cursor{}
	return nil
}

// Boost moves every process in the lower levels to the top level and resets its elapsed
// time. Top-level free slots are consumed left to right in a single pass.
func (q *Queue) Boost() {
	if len(q.levels) == 0 {
		return
	}
	top := q.levels[0]
	free := 0
	moved := 0
	for lv := 1; lv < len(q.levels); lv++ {
		for i := range q.levels[lv] {
			s := &q.levels[lv][i]
			if !s.used {
				continue
			}
			for free < len(top) && top[free].used {
				free++
			}
			p := q.table.Get(s.h)
			if free == len(top) {
				q.fatal(model.FatalBoostOverflow, "no free top-level slot for pid %d", p.Pid)
			}
			top[free] = *s
			*s = slot{}
			p.Sched.Level = 0
			p.Sched.Slot = free
			p.Sched.Elapsed = 0
			moved++
		}
	}
	q.logger.Debug("boost", "moved", moved)
}

// Contains reports whether p occupies the slot its record points at.
func (q *Queue) Contains(p *proc.Proc) bool {
	level, index := p.Sched.Level, p.Sched.Slot
	if level < 0 || level >= len(q.levels) || index < 0 || index >= len(q.levels[level]) {
		return false
	}
	s := q.levels[level][index]
	return s.used && s.h == p.Handle()
}

// Len returns the number of occupied slots in level.
func (q *Queue) Len(level int) int {
	n := 0
	for _, s := range q.levels[level] {
		if s.used {
			n++
		}
	}
	return n
}

// Snapshot lists the pid held by every slot, level by level.
func (q *Queue) Snapshot() []model.LevelSnapshot {
	out := make([]model.LevelSnapshot, len(q.levels))
	for lv, slots := range q.levels {
		ls := model.LevelSnapshot{
			Level:   lv,
			Quantum: q.quantum[lv],
			Expire:  q.expire[lv],
			Slots:   make([]int, len(slots)),
		}
		for i, s := range slots {
			if s.used {
				ls.Slots[i] = q.table.Pid(s.h)
			}
		}
		out[lv] = ls
	}
	return out
}

// Cursor returns the resume position of Next.
func (q *Queue) Cursor() (level, pos int) {
	return q.cur.level, q.cur.pos
}

func (q *Queue) fatal(kind model.FatalKind, format string, args ...any) {
	q.logger.Error("invariant violated", "kind", kind, "detail", fmt.Sprintf(format, args...))
	model.Fatal(kind, format, args...)
}
