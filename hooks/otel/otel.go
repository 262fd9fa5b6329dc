// Package otel provides OpenTelemetry tracing for coordinator hooks.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zipstack/unstract-sub001/hooks"
)

const (
	tracerName = "coordinator"
)

// OTelHooks implements PipelineHooks with OpenTelemetry tracing. Discovery
// gets one span per execution; filter passes, claims, unit outcomes, and
// resilience signals are recorded as short spans and events.
type OTelHooks struct {
	hooks.NoOpHooks
	tracer trace.Tracer

	// Map of execution_id -> active span for tracking discovery spans
	mu             sync.Mutex
	discoverySpans map[string]trace.Span
}

// NewOTelHooks creates a new OpenTelemetry hooks instance.
// If tracerProvider is nil, the global tracer provider is used.
func NewOTelHooks(tracerProvider trace.TracerProvider) *OTelHooks {
	var tracer trace.Tracer
	if tracerProvider != nil {
		tracer = tracerProvider.Tracer(tracerName)
	} else {
		tracer = otel.Tracer(tracerName)
	}

	return &OTelHooks{
		tracer:         tracer,
		discoverySpans: make(map[string]trace.Span),
	}
}

// Discovery lifecycle

// OnDiscoveryStart creates a new span when a discovery pass starts.
func (h *OTelHooks) OnDiscoveryStart(ctx context.Context, info hooks.DiscoveryStartInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("discovery/%s", info.WorkflowID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("coordinator.workflow_id", info.WorkflowID),
			attribute.String("coordinator.execution_id", info.ExecutionID),
			attribute.StringSlice("coordinator.roots", info.Roots),
			attribute.Int("coordinator.hard_limit", info.HardLimit),
		),
	)
	h.mu.Lock()
	h.discoverySpans[info.ExecutionID] = span
	h.mu.Unlock()
}

// OnDiscoveryComplete ends the discovery span with the pass counters.
func (h *OTelHooks) OnDiscoveryComplete(ctx context.Context, info hooks.DiscoveryCompleteInfo) {
	h.mu.Lock()
	span, ok := h.discoverySpans[info.ExecutionID]
	delete(h.discoverySpans, info.ExecutionID)
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.Int("coordinator.scanned", info.Scanned),
		attribute.Int("coordinator.matched", info.Matched),
		attribute.Int("coordinator.survivors", info.Survivors),
		attribute.Int64("coordinator.duration_ms", info.Duration.Milliseconds()),
	)
	if info.Matched > 0 && info.Survivors == 0 {
		span.AddEvent("all_items_filtered")
	}
	span.SetStatus(codes.Ok, "discovery completed")
	span.End()
}

// Filtering

// OnFilterApplied records one filter pass as a short span.
func (h *OTelHooks) OnFilterApplied(ctx context.Context, info hooks.FilterAppliedInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("filter/%s", info.FilterName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("coordinator.filter", info.FilterName),
			attribute.Int("coordinator.in", info.In),
			attribute.Int("coordinator.out", info.Out),
		),
	)
	span.SetStatus(codes.Ok, "filter applied")
	span.End()
}

// Claiming

// OnClaim records the claim round for the final batch.
func (h *OTelHooks) OnClaim(ctx context.Context, info hooks.ClaimInfo) {
	_, span := h.tracer.Start(ctx, "claim",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("coordinator.workflow_id", info.WorkflowID),
			attribute.String("coordinator.execution_id", info.ExecutionID),
			attribute.Int("coordinator.requested", info.Requested),
			attribute.Int("coordinator.claimed", info.Claimed),
			attribute.Int("coordinator.contended", info.Contended),
		),
	)
	span.SetStatus(codes.Ok, "claims acquired")
	span.End()
}

// OnRelease records claim release.
func (h *OTelHooks) OnRelease(ctx context.Context, info hooks.ReleaseInfo) {
	_, span := h.tracer.Start(ctx, "release",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("coordinator.workflow_id", info.WorkflowID),
			attribute.Int("coordinator.released", info.Released),
		),
	)
	span.SetStatus(codes.Ok, "claims released")
	span.End()
}

// Submission lifecycle

// OnUnitSubmitted records one broker submission.
func (h *OTelHooks) OnUnitSubmitted(ctx context.Context, info hooks.UnitSubmittedInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("submit/%s", info.TaskName),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("coordinator.task", info.TaskName),
			attribute.String("coordinator.tracking_id", info.TrackingID),
			attribute.Int("coordinator.attempt", info.Attempt),
		),
	)
	span.SetStatus(codes.Ok, "submitted")
	span.End()
}

// OnUnitRetry records a resubmission of a lost unit.
func (h *OTelHooks) OnUnitRetry(ctx context.Context, info hooks.UnitRetryInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("unit_retry/%s", info.TaskName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("coordinator.task", info.TaskName),
			attribute.Int("coordinator.attempt", info.Attempt),
			attribute.Int("coordinator.max_attempts", info.MaxAttempts),
			attribute.Int64("coordinator.next_delay_ms", info.NextDelay.Milliseconds()),
		),
	)
	if info.Error != nil {
		span.RecordError(info.Error)
	}
	span.SetStatus(codes.Ok, "retry scheduled")
	span.End()
}

// OnUnitCompleted records the terminal outcome of one unit.
func (h *OTelHooks) OnUnitCompleted(ctx context.Context, info hooks.UnitCompletedInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("unit/%s", info.TaskName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("coordinator.task", info.TaskName),
			attribute.String("coordinator.outcome", info.Outcome),
			attribute.Int("coordinator.attempts", info.Attempts),
			attribute.Int64("coordinator.duration_ms", info.Duration.Milliseconds()),
		),
	)
	if info.Outcome == "succeeded" {
		span.SetStatus(codes.Ok, "unit completed")
	} else {
		span.SetStatus(codes.Error, "unit "+info.Outcome)
	}
	span.End()
}

// Resilience signals

// OnBreakerStateChange records a circuit breaker transition.
func (h *OTelHooks) OnBreakerStateChange(ctx context.Context, info hooks.BreakerStateChangeInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("breaker/%s", info.Operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("coordinator.operation", info.Operation),
			attribute.String("coordinator.from", info.From),
			attribute.String("coordinator.to", info.To),
			attribute.Int("coordinator.consecutive_failures", info.ConsecutiveFailures),
		),
	)
	if info.To == "open" {
		span.SetStatus(codes.Error, "breaker opened")
	} else {
		span.SetStatus(codes.Ok, "breaker "+info.To)
	}
	span.End()
}

// OnDeadLetter records a dead-letter insertion.
func (h *OTelHooks) OnDeadLetter(ctx context.Context, info hooks.DeadLetterInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("dead_letter/%s", info.OperationName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("coordinator.entry_id", info.EntryID),
			attribute.String("coordinator.operation", info.OperationName),
			attribute.String("coordinator.failure_type", info.FailureType),
			attribute.Int("coordinator.attempts_made", info.AttemptsMade),
		),
	)
	span.SetStatus(codes.Error, "unit dead-lettered")
	span.End()
}

// Batched status writes

// OnBatchFlush records one aggregator flush.
func (h *OTelHooks) OnBatchFlush(ctx context.Context, info hooks.BatchFlushInfo) {
	_, span := h.tracer.Start(ctx, fmt.Sprintf("batch_flush/%s", info.OperationType),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("coordinator.operation_type", info.OperationType),
			attribute.String("coordinator.organization_id", info.OrganizationID),
			attribute.Int("coordinator.size", info.Size),
			attribute.String("coordinator.trigger", info.Trigger),
		),
	)
	if info.Err != nil {
		span.RecordError(info.Err)
		span.SetStatus(codes.Error, info.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "flushed")
	}
	span.End()
}

// Ensure OTelHooks implements PipelineHooks interface
var _ hooks.PipelineHooks = (*OTelHooks)(nil)
