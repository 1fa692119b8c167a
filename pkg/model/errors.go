package model

import (
	"errors"
	"fmt"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation  ErrorCode = "VALIDATION_ERROR"
	ErrNotFound    ErrorCode = "NOT_FOUND"
	ErrConflict    ErrorCode = "CONFLICT"
	ErrInternal    ErrorCode = "INTERNAL_ERROR"
	ErrUnavailable ErrorCode = "UNAVAILABLE"
)

// APIError is a structured error returned by the introspection API.
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewValidationError creates a VALIDATION_ERROR APIError.
func NewValidationError(format string, args ...any) *APIError {
	return &APIError{Code: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// Recoverable scheduler and lifecycle errors.
var (
	// ErrFullQueue is returned when an MLFQ level or the stride slot table has no free slot.
	ErrFullQueue = errors.New("scheduler queue full")
	// ErrTableFull is returned when the process or thread table has no Unused record.
	ErrTableFull = errors.New("process table full")
	// ErrNoChildren is returned by wait when the caller has no children.
	ErrNoChildren = errors.New("no children")
	// ErrNoProc is returned when a pid does not name a live process.
	ErrNoProc = errors.New("no such process")
	// ErrNoThread is returned by join when no exited thread can be reclaimed.
	ErrNoThread = errors.New("no such thread")
	// ErrKilled is returned by blocking calls interrupted because the caller was killed.
	ErrKilled = errors.New("process killed")
)

// ShareReason classifies why a CPU share request was refused.
type ShareReason string

const (
	ShareCapExceeded ShareReason = "cap_exceeded"
	ShareNoSlot      ShareReason = "no_slot"
	ShareInvalid     ShareReason = "invalid"
)

// ShareError is returned when a process cannot migrate to the stride scheduler.
// The process stays in the MLFQ.
type ShareError struct {
	Reason    ShareReason
	Requested int // tickets requested
	Available int // tickets still reservable
}

func (e *ShareError) Error() string {
	switch e.Reason {
	case ShareNoSlot:
		return fmt.Sprintf("cpu share: no free stride slot for %d tickets", e.Requested)
	case ShareInvalid:
		return fmt.Sprintf("cpu share: invalid request %d", e.Requested)
	}
	return fmt.Sprintf("cpu share: %d tickets requested, %d reservable", e.Requested, e.Available)
}

// Is lets a ShareError without a slot match ErrFullQueue.
func (e *ShareError) Is(target error) bool {
	return target == ErrFullQueue && e.Reason == ShareNoSlot
}

// FatalKind distinguishes unrecoverable invariant violations.
type FatalKind string

const (
	FatalBoostOverflow    FatalKind = "boost-overflow"
	FatalDoubleFree       FatalKind = "double-free"
	FatalTicketUnderflow  FatalKind = "ticket-underflow"
	FatalDemotionOverflow FatalKind = "demotion-overflow"
	FatalInitExit         FatalKind = "init-exit"
	FatalSchedState       FatalKind = "sched-state"
	FatalZombieReturn     FatalKind = "zombie-return"
)

// FatalError describes a corrupted scheduler. It is raised with panic, never returned.
type FatalError struct {
	Kind    FatalKind
	Message string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("panic: %s: %s", e.Kind, e.Message)
}

// Fatal halts the caller with a FatalError of the given kind.
func Fatal(kind FatalKind, format string, args ...any) {
	panic(&FatalError{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// AsFatal extracts a FatalError from a recovered panic value.
func AsFatal(r any) (*FatalError, bool) {
	err, ok := r.(error)
	if !ok {
		return nil, false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
