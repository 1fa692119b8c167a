package model

import "fmt"

// ProcState is the lifecycle state of a process or one of its threads.
// Threads track their state independently of the owning process.
type ProcState int

const (
	StateUnused ProcState = iota
	StateEmbryo
	StateSleeping
	StateRunnable
	StateRunning
	StateZombie
)

var procStateNames = [...]string{
	StateUnused:   "UNUSED",
	StateEmbryo:   "EMBRYO",
	StateSleeping: "SLEEPING",
	StateRunnable: "RUNNABLE",
	StateRunning:  "RUNNING",
	StateZombie:   "ZOMBIE",
}

// String returns the string representation of the state.
func (s ProcState) String() string {
	if s < 0 || int(s) >= len(procStateNames) {
		return fmt.Sprintf("ProcState(%d)", int(s))
	}
	return procStateNames[s]
}

// MarshalText renders the state by name in JSON and YAML output.
func (s ProcState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *ProcState) UnmarshalText(b []byte) error {
	for i, name := range procStateNames {
		if name == string(b) {
			*s = ProcState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown proc state %q", string(b))
}

// IsLive returns true while the record holds a process or thread that has not exited.
func (s ProcState) IsLive() bool {
	switch s {
	case StateEmbryo, StateSleeping, StateRunnable, StateRunning:
		return true
	}
	return false
}

// ValidThreadTransitions defines the allowed state transitions for threads.
var ValidThreadTransitions = map[ProcState][]ProcState{
	StateUnused:   {StateEmbryo, StateRunnable},
	StateEmbryo:   {StateRunnable, StateUnused},
	StateRunnable: {StateRunning, StateZombie},
	StateRunning:  {StateRunnable, StateSleeping, StateZombie},
	StateSleeping: {StateRunnable, StateZombie},
	StateZombie:   {StateUnused},
}

// CanTransitionTo returns true if moving a thread from the current state to next is valid.
func (s ProcState) CanTransitionTo(next ProcState) bool {
	for _, allowed := range ValidThreadTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StrideLevel is the scheduling level of a process owned by the stride scheduler.
const StrideLevel = -1

// Decision is the outcome of accounting a finished dispatch.
type Decision int

const (
	// DecisionNext forces a fresh selection on the next dispatch iteration.
	DecisionNext Decision = iota
	// DecisionKeep lets the dispatcher continue with the same process while it stays runnable.
	DecisionKeep
)

func (d Decision) String() string {
	if d == DecisionKeep {
		return "KEEP"
	}
	return "NEXT"
}

// ParseDecision is the inverse of Decision.String. Unknown names parse as DecisionNext.
func ParseDecision(s string) Decision {
	if s == "KEEP" {
		return DecisionKeep
	}
	return DecisionNext
}
