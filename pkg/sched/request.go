// Package sched implements the priority-aware asynchronous copy
// scheduler. Requests are tagged with a workload class; free stream
// engines always take the oldest request from the highest non-empty
// class, and long-waiting requests age upward so no class starves.
package sched

import (
	"time"

	"github.com/neurogrid/gpuio/pkg/memory"
)

// Class is the workload class of a copy request. Lower values are
// higher priority.
type Class int

const (
	ClassInferenceRealtime Class = iota
	ClassInferenceBatch
	ClassTrainingForward
	ClassTrainingBackward

	numClasses
)

// Priority tag aliases for the boundary surface.
const (
	PrioInferenceRealtime = ClassInferenceRealtime
	PrioInferenceBatch    = ClassInferenceBatch
	PrioTrainingFw        = ClassTrainingForward
	PrioTrainingBw        = ClassTrainingBackward
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassInferenceRealtime:
		return "InferenceRealtime"
	case ClassInferenceBatch:
		return "InferenceBatch"
	case ClassTrainingForward:
		return "TrainingForward"
	case ClassTrainingBackward:
		return "TrainingBackward"
	default:
		return "Unknown"
	}
}

// Valid reports whether c is a known workload class.
func (c Class) Valid() bool {
	return c >= ClassInferenceRealtime && c < numClasses
}

// State is the lifecycle state of a copy request.
type State int

const (
	Queued State = iota
	Dispatched
	Completed
	Failed
	Cancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Queued:
		return "Queued"
	case Dispatched:
		return "Dispatched"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// CopySpec describes one transfer to submit.
type CopySpec struct {
	Device    int
	Src       memory.Handle
	SrcOffset int64
	Dst       memory.Handle
	DstOffset int64
	Length    int64
	Class     Class
}

// Request is one in-flight copy. All mutable fields are guarded by the
// owning device scheduler's lock; read them through the accessors.
type Request struct {
	id   uint64 // submission sequence number, globally monotonic
	spec CopySpec

	owner *deviceSched

	// Guarded by owner.mu.
	level      Class // current effective priority, only ever promoted
	levelSince time.Time
	state      State
	err        error
}

// ID returns the submission sequence number.
func (r *Request) ID() uint64 {
	return r.id
}

// Class returns the class the request was submitted with.
func (r *Request) Class() Class {
	return r.spec.Class
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	return r.state
}

// Err returns the failure attached to the request, if any.
func (r *Request) Err() error {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	return r.err
}

// Level returns the current effective priority level, which may be
// higher than the submitted class after aging promotion.
func (r *Request) Level() Class {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	return r.level
}
