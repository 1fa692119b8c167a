package scheduler

import (
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/me/xvsched/internal/config"
	"github.com/me/xvsched/internal/proc"
	"github.com/me/xvsched/internal/swtch"
	"github.com/me/xvsched/pkg/model"
)

// CPU is the per-core state of one dispatch loop.
type CPU struct {
	id  int
	ctx *swtch.Context

	proc *proc.Proc // running right now
	last *proc.Proc // ran last, candidate for Keep
	keep model.Decision
}

// NewCPU returns the state for dispatch loop id.
func NewCPU(id int) *CPU {
	return &CPU{id: id, ctx: swtch.New()}
}

// ID returns the CPU number.
func (c *CPU) ID() int { return c.id }

// Proc returns the process currently running on the CPU, if any.
func (c *CPU) Proc() *proc.Proc { return c.proc }

// Context returns the dispatch loop's saved context.
func (c *CPU) Context() *swtch.Context { return c.ctx }

// AddressSpace activates a process's memory before its thread runs and switches back to
// the kernel's own mappings once the dispatch loop resumes.
type AddressSpace interface {
	Activate(cpu int, p *proc.Proc)
	Deactivate(cpu int)
}

// NopAddressSpace is used when no memory manager is attached.
type NopAddressSpace struct{}

func (NopAddressSpace) Activate(int, *proc.Proc) {}
func (NopAddressSpace) Deactivate(int)           {}

// ConfigureLock applies the deadlock detector settings. The settings are process-wide,
// so call it once at startup before any Core is used.
func ConfigureLock(cfg config.LockConfig) {
	deadlock.Opts.Disable = !cfg.DetectDeadlock
	deadlock.Opts.DeadlockTimeout = cfg.Timeout
	if cfg.Timeout <= 0 {
		deadlock.Opts.DeadlockTimeout = 30 * time.Second
	}
}
