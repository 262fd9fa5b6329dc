// Package hooks provides lifecycle hooks for pipeline observability.
package hooks

import (
	"context"
	"time"
)

// PipelineHooks defines callbacks for coordinator lifecycle events.
// Implement this interface to add observability (logging, tracing, metrics).
// The operator-visible "no work happened" signals (zero survivors, breaker
// opening, dead-letter insertion) each have their own callback so telemetry
// can tell them apart.
type PipelineHooks interface {
	// Discovery lifecycle
	OnDiscoveryStart(ctx context.Context, info DiscoveryStartInfo)
	OnDiscoveryComplete(ctx context.Context, info DiscoveryCompleteInfo)

	// Filtering
	OnFilterApplied(ctx context.Context, info FilterAppliedInfo)

	// Claiming
	OnClaim(ctx context.Context, info ClaimInfo)
	OnRelease(ctx context.Context, info ReleaseInfo)

	// Submission lifecycle
	OnUnitSubmitted(ctx context.Context, info UnitSubmittedInfo)
	OnUnitRetry(ctx context.Context, info UnitRetryInfo)
	OnUnitCompleted(ctx context.Context, info UnitCompletedInfo)

	// Resilience signals
	OnBreakerStateChange(ctx context.Context, info BreakerStateChangeInfo)
	OnDeadLetter(ctx context.Context, info DeadLetterInfo)

	// Batched status writes
	OnBatchFlush(ctx context.Context, info BatchFlushInfo)
}

// DiscoveryStartInfo contains information about a discovery pass starting.
type DiscoveryStartInfo struct {
	WorkflowID  string
	ExecutionID string
	Roots       []string
	HardLimit   int
}

// DiscoveryCompleteInfo contains information about a finished discovery
// pass. Matched > 0 with Survivors == 0 is the "all discovered items were
// filtered out" condition.
type DiscoveryCompleteInfo struct {
	WorkflowID  string
	ExecutionID string
	Scanned     int
	Matched     int
	Survivors   int
	Duration    time.Duration
}

// FilterAppliedInfo contains information about one filter pass over a
// micro-batch.
type FilterAppliedInfo struct {
	FilterName string
	In         int
	Out        int
}

// ClaimInfo contains information about a claim attempt for the final batch.
type ClaimInfo struct {
	WorkflowID  string
	ExecutionID string
	Requested   int
	Claimed     int
	Contended   int
}

// ReleaseInfo contains information about claim release.
type ReleaseInfo struct {
	WorkflowID string
	Released   int
}

// UnitSubmittedInfo contains information about a unit handed to the queue.
type UnitSubmittedInfo struct {
	TaskName   string
	TrackingID string
	Attempt    int
}

// UnitRetryInfo contains information about a lost unit being resubmitted.
type UnitRetryInfo struct {
	TaskName    string
	Attempt     int
	MaxAttempts int
	NextDelay   time.Duration
	Error       error
}

// UnitCompletedInfo contains information about a finished unit.
type UnitCompletedInfo struct {
	TaskName string
	Outcome  string // "succeeded", "failed", "lost"
	Attempts int
	Duration time.Duration
}

// BreakerStateChangeInfo contains information about a circuit breaker
// transition.
type BreakerStateChangeInfo struct {
	Operation           string
	From                string
	To                  string
	ConsecutiveFailures int
}

// DeadLetterInfo contains information about a dead-letter insertion.
type DeadLetterInfo struct {
	EntryID       string
	OperationName string
	FailureType   string
	AttemptsMade  int
}

// BatchFlushInfo contains information about one aggregator flush.
type BatchFlushInfo struct {
	OperationType  string
	OrganizationID string
	Size           int
	Trigger        string // "size", "timer", "shutdown"
	Err            error
}

// NoOpHooks is a no-operation implementation of PipelineHooks.
// Use this as a base for partial implementations.
type NoOpHooks struct{}

func (n *NoOpHooks) OnDiscoveryStart(ctx context.Context, info DiscoveryStartInfo)         {}
func (n *NoOpHooks) OnDiscoveryComplete(ctx context.Context, info DiscoveryCompleteInfo)   {}
func (n *NoOpHooks) OnFilterApplied(ctx context.Context, info FilterAppliedInfo)           {}
func (n *NoOpHooks) OnClaim(ctx context.Context, info ClaimInfo)                           {}
func (n *NoOpHooks) OnRelease(ctx context.Context, info ReleaseInfo)                       {}
func (n *NoOpHooks) OnUnitSubmitted(ctx context.Context, info UnitSubmittedInfo)           {}
func (n *NoOpHooks) OnUnitRetry(ctx context.Context, info UnitRetryInfo)                   {}
func (n *NoOpHooks) OnUnitCompleted(ctx context.Context, info UnitCompletedInfo)           {}
func (n *NoOpHooks) OnBreakerStateChange(ctx context.Context, info BreakerStateChangeInfo) {}
func (n *NoOpHooks) OnDeadLetter(ctx context.Context, info DeadLetterInfo)                 {}
func (n *NoOpHooks) OnBatchFlush(ctx context.Context, info BatchFlushInfo)                 {}
