// Package engine drives units of work through a distributed task queue:
// submit, poll to a terminal state, classify the outcome, and either
// resubmit or dead-letter what did not succeed.
//
// The two failure classes are deliberately asymmetric. A unit that ran
// and reported failure is terminal immediately: resubmitting it would
// re-run work that is known to be broken. A unit the broker lost is
// resubmitted with linear backoff, because delivery failures are usually
// transient.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Zipstack/unstract-sub001/hooks"
	"github.com/Zipstack/unstract-sub001/internal/storage"
	"github.com/Zipstack/unstract-sub001/internal/taskqueue"
	"github.com/Zipstack/unstract-sub001/retry"
)

// Unit outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeLost      = "lost"
)

// DefaultPollTimeout bounds how long one submission waits for a terminal
// status before the unit is declared lost.
const DefaultPollTimeout = 5 * time.Minute

// DefaultConcurrency is the SubmitAll fan-out width.
const DefaultConcurrency = 8

// Breaker names for the queue's shared remote calls. Submit attempts are
// keyed by the unit's task name instead, so one broken task type cannot
// open the breaker for another.
const (
	breakerStatus = "status"
	breakerChord  = "chord"
)

// Unit is one independently retryable piece of work.
type Unit struct {
	// OperationName is the queue task name.
	OperationName string

	// OperationID identifies the unit across resubmissions. Assigned on
	// first submit when empty.
	OperationID string

	// Arguments is the JSON-encoded task payload.
	Arguments []byte
}

// Outcome is the terminal result of driving one unit.
type Outcome struct {
	Unit       Unit
	State      string // OutcomeSucceeded, OutcomeFailed, OutcomeLost
	TrackingID string
	Attempts   int

	// Err classifies non-success: *ExecutionError for failed units,
	// *RetryExhaustedError (wrapping *UnitLostError) for lost ones.
	Err error

	// DeadLetterID is set when the unit was written to the dead-letter
	// store.
	DeadLetterID string
}

type config struct {
	submitPolicy *retry.Policy
	pollPolicy   *retry.Policy
	pollTimeout  time.Duration
	concurrency  int64
	breakers     *BreakerSet
	hooks        hooks.PipelineHooks
	logger       *slog.Logger
}

// Option configures the engine.
type Option func(*config)

// WithSubmitPolicy sets the resubmission policy for lost units.
func WithSubmitPolicy(p *retry.Policy) Option {
	return func(c *config) { c.submitPolicy = p }
}

// WithPollPolicy sets the status polling backoff policy.
func WithPollPolicy(p *retry.Policy) Option {
	return func(c *config) { c.pollPolicy = p }
}

// WithPollTimeout sets the wall-clock bound on polling one submission.
func WithPollTimeout(d time.Duration) Option {
	return func(c *config) { c.pollTimeout = d }
}

// WithConcurrency sets the SubmitAll fan-out width.
func WithConcurrency(n int64) Option {
	return func(c *config) { c.concurrency = n }
}

// WithBreakers sets the circuit breaker set shared across submissions.
func WithBreakers(b *BreakerSet) Option {
	return func(c *config) { c.breakers = b }
}

// WithHooks sets the lifecycle hooks.
func WithHooks(h hooks.PipelineHooks) Option {
	return func(c *config) { c.hooks = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

func defaultConfig() *config {
	return &config{
		submitPolicy: retry.DefaultSubmit(),
		pollPolicy:   retry.DefaultPoll(),
		pollTimeout:  DefaultPollTimeout,
		concurrency:  DefaultConcurrency,
		hooks:        &hooks.NoOpHooks{},
		logger:       slog.Default().With("component", "engine"),
	}
}

// Engine submits units and drives them to terminal outcomes.
type Engine struct {
	queue       taskqueue.Queue
	deadLetters storage.DeadLetterStore
	cfg         *config
}

// New creates an engine over a queue and a dead-letter store.
func New(queue taskqueue.Queue, deadLetters storage.DeadLetterStore, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.breakers == nil {
		cfg.breakers = NewBreakerSet(0, 0, cfg.hooks)
	}
	return &Engine{queue: queue, deadLetters: deadLetters, cfg: cfg}
}

// Breakers exposes the engine's circuit breaker set.
func (e *Engine) Breakers() *BreakerSet { return e.cfg.breakers }

// Submit drives one unit to a terminal outcome. The returned error is
// non-nil only for engine-level problems (context cancellation); unit
// failure is reported through Outcome.State and Outcome.Err.
func (e *Engine) Submit(ctx context.Context, u Unit) (Outcome, error) {
	if u.OperationID == "" {
		u.OperationID = uuid.NewString()
	}
	start := time.Now()

	var lastErr error
	for attempt := 1; ; attempt++ {
		trackingID, err := e.attempt(ctx, u, attempt)
		if err == nil {
			e.cfg.breakers.Success(ctx, u.OperationName)
			e.cfg.hooks.OnUnitCompleted(ctx, hooks.UnitCompletedInfo{
				TaskName: u.OperationName,
				Outcome:  OutcomeSucceeded,
				Attempts: attempt,
				Duration: time.Since(start),
			})
			return Outcome{Unit: u, State: OutcomeSucceeded, TrackingID: trackingID, Attempts: attempt}, nil
		}

		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			// Ran and failed. Dead-letter now, never resubmit.
			dlID := e.deadLetter(ctx, u, storage.FailureExecutionError, execErr.Message, attempt)
			e.cfg.hooks.OnUnitCompleted(ctx, hooks.UnitCompletedInfo{
				TaskName: u.OperationName,
				Outcome:  OutcomeFailed,
				Attempts: attempt,
				Duration: time.Since(start),
			})
			return Outcome{
				Unit: u, State: OutcomeFailed, TrackingID: trackingID,
				Attempts: attempt, Err: execErr, DeadLetterID: dlID,
			}, nil
		}
		if ctx.Err() != nil {
			return Outcome{Unit: u, State: OutcomeLost, Attempts: attempt, Err: err}, ctx.Err()
		}

		lastErr = err
		// A breaker rejection is not a new observation about the broker;
		// counting it would let fail-fast rejections reopen a breaker
		// without any network attempt.
		if !errors.Is(err, ErrCircuitOpen) {
			e.cfg.breakers.Failure(ctx, u.OperationName)
		}
		if !e.cfg.submitPolicy.ShouldRetry(attempt, err) {
			exhausted := &RetryExhaustedError{TaskName: u.OperationName, Attempts: attempt, LastErr: err}
			dlID := e.deadLetter(ctx, u, storage.FailureTimeout, exhausted.Error(), attempt)
			e.cfg.hooks.OnUnitCompleted(ctx, hooks.UnitCompletedInfo{
				TaskName: u.OperationName,
				Outcome:  OutcomeLost,
				Attempts: attempt,
				Duration: time.Since(start),
			})
			return Outcome{
				Unit: u, State: OutcomeLost, Attempts: attempt,
				Err: exhausted, DeadLetterID: dlID,
			}, nil
		}

		delay := e.cfg.submitPolicy.GetDelay(attempt)
		e.cfg.hooks.OnUnitRetry(ctx, hooks.UnitRetryInfo{
			TaskName:    u.OperationName,
			Attempt:     attempt,
			MaxAttempts: e.cfg.submitPolicy.MaxAttempts,
			NextDelay:   delay,
			Error:       err,
		})
		e.cfg.logger.Warn("resubmitting lost unit",
			"task", u.OperationName,
			"operation_id", u.OperationID,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if err := sleepContext(ctx, delay); err != nil {
			return Outcome{Unit: u, State: OutcomeLost, Attempts: attempt, Err: lastErr}, err
		}
	}
}

// attempt performs one submit-and-poll round. A nil error means the unit
// succeeded. *ExecutionError means it ran and failed; any other error
// means the unit is lost.
func (e *Engine) attempt(ctx context.Context, u Unit, attempt int) (string, error) {
	if err := e.cfg.breakers.Allow(ctx, u.OperationName); err != nil {
		return "", &UnitLostError{TaskName: u.OperationName, Reason: "circuit open", Cause: err}
	}

	trackingID, err := e.queue.Submit(ctx, u.OperationName, u.Arguments)
	if err != nil {
		return "", &UnitLostError{TaskName: u.OperationName, Reason: "submit failed", Cause: err}
	}
	e.cfg.hooks.OnUnitSubmitted(ctx, hooks.UnitSubmittedInfo{
		TaskName:   u.OperationName,
		TrackingID: trackingID,
		Attempt:    attempt,
	})

	return trackingID, e.poll(ctx, u, trackingID)
}

// poll waits for a terminal status, bounded both by poll attempts and by
// wall-clock timeout.
func (e *Engine) poll(ctx context.Context, u Unit, trackingID string) error {
	deadline := time.Now().Add(e.cfg.pollTimeout)

	for attempt := 1; ; attempt++ {
		res, err := e.status(ctx, trackingID)
		switch {
		case errors.Is(err, ErrCircuitOpen):
			return &UnitLostError{
				TaskName: u.OperationName, TrackingID: trackingID,
				Reason: "status circuit open", Cause: err,
			}
		case errors.Is(err, taskqueue.ErrUnknownTracking):
			return &UnitLostError{
				TaskName: u.OperationName, TrackingID: trackingID,
				Reason: "broker has no record of the task", Cause: err,
			}
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.cfg.logger.Warn("status poll failed",
				"task", u.OperationName, "tracking_id", trackingID, "error", err)
		case res.Status == taskqueue.StatusSucceeded:
			return nil
		case res.Status == taskqueue.StatusFailed:
			return &ExecutionError{
				TaskName:   u.OperationName,
				TrackingID: trackingID,
				Message:    res.ErrorMessage,
				Attempts:   attempt,
			}
		}

		if !e.cfg.pollPolicy.ShouldRetry(attempt, nil) || time.Now().After(deadline) {
			return &UnitLostError{
				TaskName: u.OperationName, TrackingID: trackingID,
				Reason: "no terminal status before poll budget ran out",
			}
		}
		if err := sleepContext(ctx, e.cfg.pollPolicy.GetDelay(attempt)); err != nil {
			return err
		}
	}
}

// status queries the broker through the status breaker, so a status
// endpoint outage fails fast instead of burning the whole poll budget on
// the network. A definitive "unknown tracking id" answer is a working
// endpoint, not a failure.
func (e *Engine) status(ctx context.Context, trackingID string) (taskqueue.StatusResult, error) {
	if err := e.cfg.breakers.Allow(ctx, breakerStatus); err != nil {
		return taskqueue.StatusResult{}, err
	}
	res, err := e.queue.Status(ctx, trackingID)
	if err != nil && !errors.Is(err, taskqueue.ErrUnknownTracking) {
		e.cfg.breakers.Failure(ctx, breakerStatus)
	} else {
		e.cfg.breakers.Success(ctx, breakerStatus)
	}
	return res, err
}

// SubmitAll drives units concurrently, bounded by the configured
// fan-out width, and returns outcomes in input order. When callbackTask
// is non-empty and at least one unit succeeded, a chord callback is
// registered over the successful tracking ids.
func (e *Engine) SubmitAll(ctx context.Context, units []Unit, callbackTask string, callbackArgs []byte) ([]Outcome, error) {
	sem := semaphore.NewWeighted(e.cfg.concurrency)
	outcomes := make([]Outcome, len(units))

	var wg sync.WaitGroup
	for i, u := range units {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return outcomes, err
		}
		wg.Add(1)
		go func(i int, u Unit) {
			defer wg.Done()
			defer sem.Release(1)
			outcomes[i], _ = e.Submit(ctx, u)
		}(i, u)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return outcomes, err
	}

	if callbackTask != "" {
		var succeeded []string
		for _, o := range outcomes {
			if o.State == OutcomeSucceeded {
				succeeded = append(succeeded, o.TrackingID)
			}
		}
		if len(succeeded) > 0 {
			e.chord(ctx, succeeded, callbackTask, callbackArgs)
		}
	}
	return outcomes, nil
}

// chord registers the fan-in callback through its own breaker.
func (e *Engine) chord(ctx context.Context, members []string, callbackTask string, args []byte) {
	if err := e.cfg.breakers.Allow(ctx, breakerChord); err != nil {
		e.cfg.logger.Error("chord registration rejected, circuit open",
			"callback", callbackTask, "members", len(members))
		return
	}
	if _, err := e.queue.Chord(ctx, members, callbackTask, args); err != nil {
		e.cfg.breakers.Failure(ctx, breakerChord)
		e.cfg.logger.Error("chord registration failed",
			"callback", callbackTask, "members", len(members), "error", err)
		return
	}
	e.cfg.breakers.Success(ctx, breakerChord)
}

// RetryFromDeadLetter re-drives a dead-lettered unit. The entry is
// removed only when the resubmission succeeds.
func (e *Engine) RetryFromDeadLetter(ctx context.Context, id string) (Outcome, error) {
	entry, err := e.deadLetters.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}

	outcome, err := e.Submit(ctx, Unit{
		OperationName: entry.OperationName,
		Arguments:     entry.Arguments,
	})
	if err != nil {
		return outcome, err
	}
	if outcome.State == OutcomeSucceeded {
		if err := e.deadLetters.Delete(ctx, id); err != nil {
			e.cfg.logger.Error("dead letter cleanup failed", "id", id, "error", err)
		}
	}
	return outcome, nil
}

// ListDeadLetters returns dead-letter entries, oldest first.
func (e *Engine) ListDeadLetters(ctx context.Context, limit int) ([]*storage.DeadLetterEntry, error) {
	return e.deadLetters.List(ctx, limit)
}

// deadLetter records a terminal failure. A store outage loses the entry
// but never the outcome; the insert failure is logged and surfaced via
// an empty id.
func (e *Engine) deadLetter(ctx context.Context, u Unit, failureType, reason string, attempts int) string {
	entry := &storage.DeadLetterEntry{
		ID:            uuid.NewString(),
		OperationName: u.OperationName,
		Arguments:     u.Arguments,
		FailureReason: reason,
		FailureType:   failureType,
		AttemptsMade:  attempts,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.deadLetters.Insert(ctx, entry); err != nil {
		e.cfg.logger.Error("dead letter insert failed",
			"operation", u.OperationName, "failure_type", failureType, "error", err)
		return ""
	}
	e.cfg.hooks.OnDeadLetter(ctx, hooks.DeadLetterInfo{
		EntryID:       entry.ID,
		OperationName: u.OperationName,
		FailureType:   failureType,
		AttemptsMade:  attempts,
	})
	return entry.ID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
