// Package workload turns YAML workload files into kernel programs and drives a run: the
// processes present at boot, Poisson arrivals during the run, and completion.
package workload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Kind selects the program a process runs.
type Kind string

const (
	// KindCompute burns CPU in the MLFQ, sampling its level as it goes.
	KindCompute Kind = "compute"
	// KindStride reserves a CPU share, then burns CPU.
	KindStride Kind = "stride"
	// KindThreads burns CPU from several threads of one process.
	KindThreads Kind = "threads"
	// KindPingPong runs two processes that alternate through sleep and wakeup.
	KindPingPong Kind = "pingpong"
	// KindScript runs a JavaScript program.
	KindScript Kind = "script"
)

// Workload is a parsed workload file.
type Workload struct {
	Name      string    `yaml:"name"`
	Duration  uint64    `yaml:"duration"` // ticks; 0 runs until every process has exited
	Seed      int64     `yaml:"seed"`
	Processes []ProcDef `yaml:"processes"`

	dir string // directory of the file, for relative script paths
}

// ProcDef describes one group of identical processes.
type ProcDef struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`

	// Count processes start at boot. Rate adds Poisson arrivals per tick until tick Until.
	Count int     `yaml:"count"`
	Rate  float64 `yaml:"rate"`
	Until uint64  `yaml:"until"`

	Work    uint64         `yaml:"work"`    // CPU ticks to consume
	Yield   bool           `yaml:"yield"`   // compute: yield after every tick of work
	Share   int            `yaml:"share"`   // stride: percent of the CPU
	Threads int            `yaml:"threads"` // threads: worker threads
	Switch  bool           `yaml:"switch"`  // threads: hand off with switch_thread instead of the scheduler
	Rounds  int            `yaml:"rounds"`  // pingpong: exchanges
	Source  string         `yaml:"source"`  // script: inline JavaScript
	File    string         `yaml:"file"`    // script: path to JavaScript, relative to the workload file
	Args    map[string]any `yaml:"args"`    // script: exposed as the args global
}

// Load reads and validates the workload file at path.
func Load(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workload %s: %w", path, err)
	}
	w, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workload %s: %w", path, err)
	}
	w.dir = filepath.Dir(path)
	return w, nil
}

// Parse decodes and validates a workload document.
func Parse(data []byte) (*Workload, error) {
	var w Workload
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	w.applyDefaults()
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

func (w *Workload) applyDefaults() {
	if w.Name == "" {
		w.Name = "workload"
	}
	for i := range w.Processes {
		d := &w.Processes[i]
		if d.Name == "" {
			d.Name = fmt.Sprintf("%s%d", d.Kind, i)
		}
		if d.Count == 0 && d.Rate == 0 {
			d.Count = 1
		}
		if d.Rate > 0 && d.Until == 0 {
			d.Until = w.Duration
		}
		if d.Kind == KindThreads && d.Threads == 0 {
			d.Threads = 2
		}
	}
}

// Validate reports every problem with the workload at once.
func (w *Workload) Validate() error {
	var errs []error
	if len(w.Processes) == 0 {
		errs = append(errs, errors.New("no processes"))
	}
	for i, d := range w.Processes {
		where := fmt.Sprintf("processes[%d] (%s)", i, d.Name)
		if d.Count < 0 {
			errs = append(errs, fmt.Errorf("%s: count must be >= 0", where))
		}
		if d.Rate < 0 {
			errs = append(errs, fmt.Errorf("%s: rate must be >= 0", where))
		}
		if d.Rate > 0 && d.Until == 0 {
			errs = append(errs, fmt.Errorf("%s: arrivals need until or a workload duration", where))
		}
		switch d.Kind {
		case KindCompute:
			if d.Work == 0 {
				errs = append(errs, fmt.Errorf("%s: work must be > 0", where))
			}
		case KindStride:
			if d.Work == 0 {
				errs = append(errs, fmt.Errorf("%s: work must be > 0", where))
			}
			if d.Share <= 0 || d.Share > 100 {
				errs = append(errs, fmt.Errorf("%s: share must be in (0, 100], got %d", where, d.Share))
			}
		case KindThreads:
			if d.Work == 0 {
				errs = append(errs, fmt.Errorf("%s: work must be > 0", where))
			}
			if d.Threads < 1 {
				errs = append(errs, fmt.Errorf("%s: threads must be >= 1", where))
			}
		case KindPingPong:
			if d.Rounds < 1 {
				errs = append(errs, fmt.Errorf("%s: rounds must be >= 1", where))
			}
		case KindScript:
			if (d.Source == "") == (d.File == "") {
				errs = append(errs, fmt.Errorf("%s: exactly one of source and file is required", where))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", where, d.Kind))
		}
	}
	return errors.Join(errs...)
}

// scriptSource returns the JavaScript of a script process.
func (w *Workload) scriptSource(d ProcDef) (string, error) {
	if d.Source != "" {
		return d.Source, nil
	}
	path := d.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script %s: %w", path, err)
	}
	return string(data), nil
}
