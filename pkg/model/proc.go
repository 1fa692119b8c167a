package model

// ThreadInfo is a point-in-time view of one thread record.
type ThreadInfo struct {
	Tid   int       `json:"tid"`
	State ProcState `json:"state"`
	Chan  string    `json:"chan,omitempty"`
}

// SchedInfo is the scheduling metadata of a process.
// Level is StrideLevel for stride-managed processes.
type SchedInfo struct {
	Level   int     `json:"level"`
	Slot    int     `json:"slot"`
	Elapsed uint64  `json:"elapsed"`
	Start   uint64  `json:"start"`
	Runtime uint64  `json:"runtime"`
	Tickets int     `json:"tickets,omitempty"`
	Pass    float64 `json:"pass,omitempty"`
}

// ProcInfo is a point-in-time view of a process record, as printed by procdump.
type ProcInfo struct {
	Pid     int          `json:"pid"`
	Parent  int          `json:"parent"`
	Name    string       `json:"name"`
	State   ProcState    `json:"state"`
	Killed  bool         `json:"killed"`
	Current int          `json:"current_thread"`
	Sched   SchedInfo    `json:"sched"`
	Threads []ThreadInfo `json:"threads"`
}

// LevelSnapshot lists the pids occupying one MLFQ level; 0 marks a free slot.
type LevelSnapshot struct {
	Level   int    `json:"level"`
	Quantum uint64 `json:"quantum"`
	Expire  uint64 `json:"expire"`
	Slots   []int  `json:"slots"`
}

// StrideSlot is one active entry of the stride table.
type StrideSlot struct {
	Slot    int     `json:"slot"`
	Kind    string  `json:"kind"`
	Pid     int     `json:"pid,omitempty"`
	Tickets int     `json:"tickets"`
	Pass    float64 `json:"pass"`
}

// SchedSnapshot captures both scheduler structures at once.
type SchedSnapshot struct {
	Ticks       uint64          `json:"ticks"`
	NextBoost   uint64          `json:"next_boost"`
	CursorLevel int             `json:"cursor_level"`
	CursorPos   int             `json:"cursor_pos"`
	Levels      []LevelSnapshot `json:"levels"`
	StrideTotal int             `json:"stride_total"`
	Stride      []StrideSlot    `json:"stride"`
}

// DispatchEvent records one completed context handoff.
type DispatchEvent struct {
	Seq      uint64   `json:"seq"`
	CPU      int      `json:"cpu"`
	Pid      int      `json:"pid"`
	Tid      int      `json:"tid"`
	Name     string   `json:"name"`
	Level    int      `json:"level"`
	Start    uint64   `json:"start"`
	End      uint64   `json:"end"`
	Decision Decision `json:"decision"`
}

// Ticks returns the number of clock ticks the dispatch lasted.
func (e DispatchEvent) Ticks() uint64 {
	if e.End < e.Start {
		return 0
	}
	return e.End - e.Start
}
