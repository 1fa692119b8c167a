package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration of a scheduler instance.
type Config struct {
	Kernel KernelConfig `yaml:"kernel"`
	MLFQ   MLFQConfig   `yaml:"mlfq"`
	Stride StrideConfig `yaml:"stride"`
	Clock  ClockConfig  `yaml:"clock"`
	Lock   LockConfig   `yaml:"lock"`
	Log    LogConfig    `yaml:"log"`
	Store  StoreConfig  `yaml:"store"`
	Server ServerConfig `yaml:"server"`
}

// KernelConfig sizes the process table.
type KernelConfig struct {
	NCPU    int `yaml:"ncpu"`    // dispatch loops
	NProc   int `yaml:"nproc"`   // process records, also the per-level MLFQ capacity
	NThread int `yaml:"nthread"` // thread records per process
}

// MLFQConfig describes the feedback queue. The number of levels is len(Quantum).
type MLFQConfig struct {
	Quantum       []uint64 `yaml:"quantum"`
	Expire        []uint64 `yaml:"expire"`
	BoostInterval uint64   `yaml:"boost_interval"` // 0: expire of the last level
}

// Levels returns the number of MLFQ levels.
func (c MLFQConfig) Levels() int {
	return len(c.Quantum)
}

// Boost returns the effective boost interval in ticks.
func (c MLFQConfig) Boost() uint64 {
	if c.BoostInterval > 0 || len(c.Expire) == 0 {
		return c.BoostInterval
	}
	return c.Expire[len(c.Expire)-1]
}

// StrideConfig describes the ticket pool of the meta-scheduler.
type StrideConfig struct {
	MaxTicket int     `yaml:"max_ticket"`
	MaxStride int     `yaml:"max_stride"` // reservable tickets, strictly below MaxTicket
	MaxPass   float64 `yaml:"max_pass"`
	ScalePass float64 `yaml:"scale_pass"`
	Quantum   uint64  `yaml:"quantum"` // preemption quantum of stride processes
}

// ClockConfig sets the wall-clock length of one tick.
type ClockConfig struct {
	Tick time.Duration `yaml:"tick"`
}

// LockConfig controls deadlock detection on the scheduling lock.
type LockConfig struct {
	DetectDeadlock bool          `yaml:"detect_deadlock"`
	Timeout        time.Duration `yaml:"timeout"`
}

// LogConfig selects the slog level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StoreConfig locates the run database. An empty path disables persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig holds the introspection API listen address.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Kernel: KernelConfig{NCPU: 2, NProc: 64, NThread: 8},
		MLFQ: MLFQConfig{
			Quantum: []uint64{1, 2, 4},
			Expire:  []uint64{5, 10, 100},
		},
		Stride: StrideConfig{
			MaxTicket: 100,
			MaxStride: 80,
			MaxPass:   100000,
			ScalePass: 1000,
			Quantum:   1,
		},
		Clock: ClockConfig{Tick: 10 * time.Millisecond},
		Lock:  LockConfig{Timeout: 30 * time.Second},
		Log:   LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Load overlays the YAML file at path on the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks the cross-field constraints the scheduler relies on.
func (c Config) Validate() error {
	var errs []error
	if c.Kernel.NCPU < 1 {
		errs = append(errs, fmt.Errorf("kernel.ncpu must be >= 1, got %d", c.Kernel.NCPU))
	}
	if c.Kernel.NProc < 1 {
		errs = append(errs, fmt.Errorf("kernel.nproc must be >= 1, got %d", c.Kernel.NProc))
	}
	if c.Kernel.NThread < 1 {
		errs = append(errs, fmt.Errorf("kernel.nthread must be >= 1, got %d", c.Kernel.NThread))
	}
	if c.MLFQ.Levels() == 0 {
		errs = append(errs, errors.New("mlfq.quantum must name at least one level"))
	}
	if len(c.MLFQ.Quantum) != len(c.MLFQ.Expire) {
		errs = append(errs, fmt.Errorf("mlfq.quantum has %d levels but mlfq.expire has %d",
			len(c.MLFQ.Quantum), len(c.MLFQ.Expire)))
	}
	if c.Stride.MaxTicket < 1 {
		errs = append(errs, fmt.Errorf("stride.max_ticket must be >= 1, got %d", c.Stride.MaxTicket))
	}
	if c.Stride.MaxStride < 0 || c.Stride.MaxStride >= c.Stride.MaxTicket {
		errs = append(errs, fmt.Errorf("stride.max_stride must be in [0, %d), got %d",
			c.Stride.MaxTicket, c.Stride.MaxStride))
	}
	if c.Stride.ScalePass <= 0 || c.Stride.ScalePass >= c.Stride.MaxPass {
		errs = append(errs, fmt.Errorf("stride.scale_pass must be in (0, max_pass), got %g", c.Stride.ScalePass))
	}
	if c.Clock.Tick <= 0 {
		errs = append(errs, fmt.Errorf("clock.tick must be positive, got %s", c.Clock.Tick))
	}
	return errors.Join(errs...)
}
