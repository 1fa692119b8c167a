package model

import "time"

// Run is one recorded execution of a workload.
type Run struct {
	ID          string     `json:"id"`
	Workload    string     `json:"workload"`
	Config      string     `json:"config"`
	NCPU        int        `json:"ncpu"`
	Seed        int64      `json:"seed"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Ticks       uint64     `json:"ticks"`
	Dispatches  int64      `json:"dispatches"`
	Dropped     int64      `json:"dropped"` // dispatch events the recorder could not keep up with
	Procs       []ProcStat `json:"procs,omitempty"`
}

// ProcStat aggregates the dispatches of one process over a run.
type ProcStat struct {
	Pid        int      `json:"pid"`
	Name       string   `json:"name"`
	Dispatches int64    `json:"dispatches"`
	Ticks      uint64   `json:"ticks"`
	LevelTicks []uint64 `json:"level_ticks"`
	StrideTick uint64   `json:"stride_ticks"`
	FinalLevel int      `json:"final_level"`
}

// Share returns the fraction of all recorded ticks consumed by the process.
func (p ProcStat) Share(total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(p.Ticks) / float64(total)
}
