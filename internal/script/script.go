// Package script runs user programs written in JavaScript (goja) on top of the kernel
// system call surface.
//
// A script sees these globals:
//
//	yield()              give up the CPU
//	preempt()            yield if the quantum is used up
//	getlev()             MLFQ level, -1 under the stride scheduler
//	set_cpu_share(pct)   0 on success, -1 if refused
//	sleep(ticks)         0, or -1 if killed meanwhile
//	uptime()             clock ticks since boot
//	getpid()             process id
//	kill(pid)            0 on success, -1 if there is no such process
//	exit()               terminate the process
//	print(...)           log a line
//	args                 the arguments given in the workload
package script

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dop251/goja"

	"github.com/me/xvsched/internal/kernel"
)

// Program is a compiled script. One Program can back many processes; each gets its own
// runtime.
type Program struct {
	name   string
	prog   *goja.Program
	args   map[string]any
	logger *slog.Logger
}

// Compile parses src.
func Compile(name, src string, args map[string]any, logger *slog.Logger) (*Program, error) {
	prog, err := goja.Compile(name, src, true)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return &Program{
		name:   name,
		prog:   prog,
		args:   args,
		logger: logger.With("component", "script", "script", name),
	}, nil
}

// Name returns the script name.
func (p *Program) Name() string { return p.name }

// Kernel returns a kernel program running the script. Script errors are logged and end
// the process normally.
func (p *Program) Kernel() kernel.Program {
	return func(t *kernel.Task) {
		if _, err := p.Run(t); err != nil {
			p.logger.Warn("script failed", "pid", t.Pid(), "error", err)
		}
	}
}

// Run executes the script on t and returns its completion value exported to Go.
func (p *Program) Run(t *kernel.Task) (any, error) {
	vm, err := p.setupVM(t)
	if err != nil {
		return nil, err
	}
	val, err := vm.RunProgram(p.prog)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", p.name, err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

// setupVM creates a runtime with the system calls of t bound as globals.
func (p *Program) setupVM(t *kernel.Task) (*goja.Runtime, error) {
	vm := goja.New()
	status := func(err error) int {
		if err != nil {
			return -1
		}
		return 0
	}

	bindings := map[string]any{
		"yield":   t.Yield,
		"preempt": t.Preempt,
		"getlev":  t.GetLevel,
		"uptime":  t.Uptime,
		"getpid":  t.Pid,
		"exit":    t.Exit,
		"set_cpu_share": func(percent int) int {
			return status(t.SetCPUShare(percent))
		},
		"sleep": func(ticks int64) int {
			if ticks < 0 {
				ticks = 0
			}
			return status(t.SleepTicks(uint64(ticks)))
		},
		"kill": func(pid int) int {
			return status(t.Kill(pid))
		},
		"print": func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			p.logger.Info(strings.Join(parts, " "), "pid", t.Pid())
			return goja.Undefined()
		},
	}
	for name, fn := range bindings {
		if err := vm.Set(name, fn); err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
	}

	args := p.args
	if args == nil {
		args = map[string]any{}
	}
	if err := vm.Set("args", args); err != nil {
		return nil, fmt.Errorf("set args: %w", err)
	}
	return vm, nil
}
