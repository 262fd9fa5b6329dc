// Package taskqueue defines the distributed task queue boundary: named-task
// submission with opaque tracking ids, status polling, and a fan-out/fan-in
// primitive. Concrete broker transports plug in through the Registry.
package taskqueue

import (
	"context"
	"errors"
)

// Status is the broker-reported state of a submitted task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal returns true once the broker will not change the status again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// StatusResult is the result of a status query.
type StatusResult struct {
	Status Status
	// ErrorMessage is set when Status is StatusFailed.
	ErrorMessage string
}

// ErrUnknownTracking indicates a status query for a tracking id the broker
// has no record of. The engine treats this as a lost unit.
var ErrUnknownTracking = errors.New("unknown tracking id")

// Queue is a distributed task queue backend.
type Queue interface {
	// Submit enqueues one named task and returns an opaque tracking id.
	Submit(ctx context.Context, taskName string, args []byte) (string, error)

	// Status reports the current state of a previously submitted task.
	Status(ctx context.Context, trackingID string) (StatusResult, error)

	// Chord registers a callback task that the broker triggers once every
	// task in trackingIDs has completed. Returns the callback tracking id.
	Chord(ctx context.Context, trackingIDs []string, callbackTask string, args []byte) (string, error)

	// Close releases broker resources.
	Close() error
}
