package engine

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen indicates the circuit breaker for an operation is open
// and the call was rejected without reaching the broker.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ExecutionError indicates a unit ran on a worker and reported failure.
// It is terminal: the unit is not resubmitted, because the failure is in
// the work itself, not in delivery.
type ExecutionError struct {
	TaskName   string
	TrackingID string
	Message    string
	Attempts   int
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s (%s) failed: %s", e.TaskName, e.TrackingID, e.Message)
}

// UnitLostError indicates a unit was submitted but never confirmed: the
// broker lost track of it, or polling ran out of time. Lost units are
// resubmitted.
type UnitLostError struct {
	TaskName   string
	TrackingID string
	Reason     string
	Cause      error
}

func (e *UnitLostError) Error() string {
	return fmt.Sprintf("task %s (%s) lost: %s", e.TaskName, e.TrackingID, e.Reason)
}

func (e *UnitLostError) Unwrap() error { return e.Cause }

// RetryExhaustedError indicates every resubmission attempt for a lost
// unit failed. The unit is in the dead-letter store.
type RetryExhaustedError struct {
	TaskName string
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s: %d attempts exhausted: %v", e.TaskName, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }
