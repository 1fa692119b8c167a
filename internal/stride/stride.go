// Package stride implements the proportional-share meta-scheduler. Slot 0 stands for the
// MLFQ as a whole and holds whatever tickets are not reserved; the remaining slots are
// reserved by processes that asked for a fixed CPU share.
package stride

import (
	"fmt"
	"log/slog"

	"github.com/me/xvsched/internal/config"
	"github.com/me/xvsched/internal/proc"
	"github.com/me/xvsched/pkg/model"
)

// Kind tags a stride table entry.
type Kind int

const (
	Empty Kind = iota
	Reserved
	MLFQSentinel
)

func (k Kind) String() string {
	switch k {
	case Reserved:
		return "reserved"
	case MLFQSentinel:
		return "mlfq"
	}
	return "empty"
}

// Entry is the occupant of one stride slot. Handle is only meaningful for Reserved.
type Entry struct {
	Kind   Kind
	Handle proc.Handle
}

// Scheduler is the stride table. It is not safe for concurrent use.
type Scheduler struct {
	table   *proc.Table
	cfg     config.StrideConfig
	entries []Entry
	pass    []float64
	ticket  []int
	total   int
	logger  *slog.Logger
}

// New returns a table holding only the MLFQ sentinel, owning every ticket.
// It has one reservable slot per process record.
func New(table *proc.Table, cfg config.StrideConfig, logger *slog.Logger) *Scheduler {
	n := table.Cap() + 1
	s := &Scheduler{
		table:   table,
		cfg:     cfg,
		entries: make([]Entry, n),
		pass:    make([]float64, n),
		ticket:  make([]int, n),
		logger:  logger.With("component", "stride"),
	}
	s.entries[0] = Entry{Kind: MLFQSentinel, Handle: proc.NoHandle}
	s.ticket[0] = cfg.MaxTicket
	for i := 1; i < n; i++ {
		s.entries[i] = Entry{Kind: Empty, Handle: proc.NoHandle}
	}
	return s
}

// Append reserves usage tickets for p. On failure it returns a *model.ShareError and
// leaves the table unchanged. On success p's level becomes model.StrideLevel and its pass
// starts at the smallest pass of any active slot.
func (s *Scheduler) Append(p *proc.Proc, usage int) error {
	if usage <= 0 {
		return &model.ShareError{Reason: model.ShareInvalid, Requested: usage, Available: s.cfg.MaxStride - s.total}
	}
	if s.total+usage > s.cfg.MaxStride {
		return &model.ShareError{Reason: model.ShareCapExceeded, Requested: usage, Available: s.cfg.MaxStride - s.total}
	}
	idx := -1
	for i := 1; i < len(s.entries); i++ {
		if s.entries[i].Kind == Empty {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &model.ShareError{Reason: model.ShareNoSlot, Requested: usage, Available: s.cfg.MaxStride - s.total}
	}

	minpass := s.pass[0]
	for i := 1; i < len(s.entries); i++ {
		if s.entries[i].Kind == Reserved && s.pass[i] < minpass {
			minpass = s.pass[i]
		}
	}

	s.entries[idx] = Entry{Kind: Reserved, Handle: p.Handle()}
	s.ticket[idx] = usage
	s.pass[idx] = minpass
	s.total += usage
	s.ticket[0] -= usage
	p.Sched.Level = model.StrideLevel
	p.Sched.Slot = idx
	s.logger.Debug("reserved", "pid", p.Pid, "slot", idx, "tickets", usage, "pass", minpass)
	return nil
}

// Delete returns p's tickets to the MLFQ sentinel and frees its slot.
func (s *Scheduler) Delete(p *proc.Proc) {
	idx := p.Sched.Slot
	if p.Sched.Level != model.StrideLevel || idx <= 0 || idx >= len(s.entries) ||
		s.entries[idx].Kind != Reserved || s.entries[idx].Handle != p.Handle() {
		s.fatal(model.FatalDoubleFree, "pid %d: stride slot %d not held", p.Pid, idx)
	}
	usage := s.ticket[idx]
	s.total -= usage
	s.ticket[0] += usage
	if s.total < 0 || s.ticket[0] > s.cfg.MaxTicket {
		s.fatal(model.FatalTicketUnderflow, "total %d, mlfq tickets %d after freeing slot %d", s.total, s.ticket[0], idx)
	}
	s.entries[idx] = Entry{Kind: Empty, Handle: proc.NoHandle}
	s.ticket[idx] = 0
	s.pass[idx] = 0
	s.logger.Debug("released", "pid", p.Pid, "slot", idx, "tickets", usage)
}

// Update advances p's pass after it ran. It always asks for a fresh selection.
func (s *Scheduler) Update(p *proc.Proc) model.Decision {
	return s.update(p.Sched.Slot)
}

// UpdateMLFQ advances the pass of the MLFQ sentinel.
func (s *Scheduler) UpdateMLFQ() model.Decision {
	return s.update(0)
}

func (s *Scheduler) update(idx int) model.Decision {
	if s.ticket[idx] <= 0 {
		s.fatal(model.FatalTicketUnderflow, "slot %d has %d tickets", idx, s.ticket[idx])
	}
	s.pass[idx] += float64(s.cfg.MaxTicket) / float64(s.ticket[idx])
	if s.pass[idx] > s.cfg.MaxPass {
		shift := s.cfg.MaxPass - s.cfg.ScalePass
		for i := range s.entries {
			if s.entries[i].Kind != Empty && s.pass[i] > 0 {
				s.pass[i] -= shift
			}
		}
		s.logger.Debug("rescaled pass", "shift", shift)
	}
	return model.DecisionNext
}

// Next returns the active entry with the smallest pass. Reserved entries only count while
// their process is runnable; ties go to the lowest slot, so the sentinel wins them all.
func (s *Scheduler) Next() Entry {
	best := 0
	for i := 1; i < len(s.entries); i++ {
		e := s.entries[i]
		if e.Kind != Reserved || s.pass[i] >= s.pass[best] {
			continue
		}
		if p := s.table.Get(e.Handle); p != nil && p.Runnable() {
			best = i
		}
	}
	return s.entries[best]
}

// HasRunnable reports whether any reserved slot holds a runnable process.
func (s *Scheduler) HasRunnable() bool {
	for _, e := range s.entries[1:] {
		if e.Kind != Reserved {
			continue
		}
		if p := s.table.Get(e.Handle); p != nil && p.Runnable() {
			return true
		}
	}
	return false
}

// Tickets returns the tickets reserved by p, or 0 if p is not stride-managed.
func (s *Scheduler) Tickets(p *proc.Proc) int {
	if !s.holds(p) {
		return 0
	}
	return s.ticket[p.Sched.Slot]
}

// Pass returns p's pass value, or 0 if p is not stride-managed.
func (s *Scheduler) Pass(p *proc.Proc) float64 {
	if !s.holds(p) {
		return 0
	}
	return s.pass[p.Sched.Slot]
}

// SentinelTickets returns the tickets currently owned by the MLFQ.
func (s *Scheduler) SentinelTickets() int { return s.ticket[0] }

// SentinelPass returns the pass of the MLFQ sentinel.
func (s *Scheduler) SentinelPass() float64 { return s.pass[0] }

// Total returns the number of reserved tickets.
func (s *Scheduler) Total() int { return s.total }

// Snapshot lists the active slots.
func (s *Scheduler) Snapshot() []model.StrideSlot {
	var out []model.StrideSlot
	for i, e := range s.entries {
		if e.Kind == Empty {
			continue
		}
		out = append(out, model.StrideSlot{
			Slot:    i,
			Kind:    e.Kind.String(),
			Pid:     s.table.Pid(e.Handle),
			Tickets: s.ticket[i],
			Pass:    s.pass[i],
		})
	}
	return out
}

func (s *Scheduler) holds(p *proc.Proc) bool {
	idx := p.Sched.Slot
	return p.Sched.Level == model.StrideLevel && idx > 0 && idx < len(s.entries) &&
		s.entries[idx].Kind == Reserved && s.entries[idx].Handle == p.Handle()
}

func (s *Scheduler) fatal(kind model.FatalKind, format string, args ...any) {
	s.logger.Error("invariant violated", "kind", kind, "detail", fmt.Sprintf(format, args...))
	model.Fatal(kind, format, args...)
}
