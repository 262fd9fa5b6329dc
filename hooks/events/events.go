// Package events publishes operator-visible coordinator signals as
// CloudEvents: a discovery pass whose matches were all filtered out, a
// circuit breaker opening, and a unit landing in the dead-letter store.
// These are the conditions an operator has to tell apart when a workflow
// "did nothing".
package events

import (
	"context"
	"fmt"
	"log/slog"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/Zipstack/unstract-sub001/hooks"
)

// Event types emitted by EventHooks.
const (
	TypeDiscoveryEmpty = "coordinator.discovery.empty"
	TypeBreakerOpened  = "coordinator.breaker.opened"
	TypeDeadLettered   = "coordinator.unit.dead_lettered"
)

// Sender delivers one event. The default implementation uses the
// CloudEvents HTTP client.
type Sender func(ctx context.Context, event cloudevents.Event) error

// Config configures the event hooks.
type Config struct {
	// TargetURL is the CloudEvents endpoint to send events to.
	TargetURL string
	// Source is the CloudEvents source attribute. Default: "coordinator".
	Source string
	// CustomSender is an optional custom event sender.
	// If nil, the default CloudEvents HTTP sender is used.
	CustomSender Sender
}

// EventHooks implements PipelineHooks by emitting CloudEvents for the
// signal conditions and ignoring everything else.
type EventHooks struct {
	hooks.NoOpHooks
	source string
	send   Sender
	logger *slog.Logger
}

// NewEventHooks creates event hooks. Delivery failures are logged, never
// propagated: signals must not destabilize the pipeline they report on.
func NewEventHooks(config Config) (*EventHooks, error) {
	if config.Source == "" {
		config.Source = "coordinator"
	}

	h := &EventHooks{
		source: config.Source,
		logger: slog.Default().With("component", "events"),
	}
	if config.CustomSender != nil {
		h.send = config.CustomSender
		return h, nil
	}

	client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(config.TargetURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudevents client: %w", err)
	}
	h.send = func(ctx context.Context, event cloudevents.Event) error {
		result := client.Send(ctx, event)
		if cloudevents.IsUndelivered(result) {
			return fmt.Errorf("event %s undelivered: %w", event.ID(), result)
		}
		if !cloudevents.IsACK(result) {
			return fmt.Errorf("event %s not acknowledged: %w", event.ID(), result)
		}
		return nil
	}
	return h, nil
}

// OnDiscoveryComplete emits a signal when every discovered match was
// filtered out.
func (h *EventHooks) OnDiscoveryComplete(ctx context.Context, info hooks.DiscoveryCompleteInfo) {
	if info.Matched == 0 || info.Survivors > 0 {
		return
	}
	h.emit(ctx, TypeDiscoveryEmpty, map[string]any{
		"workflow_id":  info.WorkflowID,
		"execution_id": info.ExecutionID,
		"scanned":      info.Scanned,
		"matched":      info.Matched,
	})
}

// OnBreakerStateChange emits a signal when a breaker opens.
func (h *EventHooks) OnBreakerStateChange(ctx context.Context, info hooks.BreakerStateChangeInfo) {
	if info.To != "open" {
		return
	}
	h.emit(ctx, TypeBreakerOpened, map[string]any{
		"operation":            info.Operation,
		"from":                 info.From,
		"consecutive_failures": info.ConsecutiveFailures,
	})
}

// OnDeadLetter emits a signal for every dead-letter insertion.
func (h *EventHooks) OnDeadLetter(ctx context.Context, info hooks.DeadLetterInfo) {
	h.emit(ctx, TypeDeadLettered, map[string]any{
		"entry_id":       info.EntryID,
		"operation_name": info.OperationName,
		"failure_type":   info.FailureType,
		"attempts_made":  info.AttemptsMade,
	})
}

func (h *EventHooks) emit(ctx context.Context, eventType string, data map[string]any) {
	ce := cloudevents.NewEvent()
	ce.SetID(uuid.NewString())
	ce.SetType(eventType)
	ce.SetSource(h.source)
	if err := ce.SetData(cloudevents.ApplicationJSON, data); err != nil {
		h.logger.Error("failed to encode signal event", "type", eventType, "error", err)
		return
	}
	if err := h.send(ctx, ce); err != nil {
		h.logger.Error("failed to deliver signal event", "type", eventType, "error", err)
	}
}

// Ensure EventHooks implements PipelineHooks interface
var _ hooks.PipelineHooks = (*EventHooks)(nil)
