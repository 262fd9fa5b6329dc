// Package coordinator runs the worker side of a document-workflow
// execution: discover candidate items from a source, filter out work that
// is already done or owned elsewhere, claim the final batch, drive one
// queue task per item to a terminal outcome, and report statuses back to
// the control plane in batches.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Zipstack/unstract-sub001/batch"
	"github.com/Zipstack/unstract-sub001/claim"
	"github.com/Zipstack/unstract-sub001/discovery"
	"github.com/Zipstack/unstract-sub001/engine"
	"github.com/Zipstack/unstract-sub001/filter"
	"github.com/Zipstack/unstract-sub001/internal/controlplane"
	"github.com/Zipstack/unstract-sub001/internal/storage"
	"github.com/Zipstack/unstract-sub001/item"
)

// Aggregator operation types.
const (
	OpTypeFileStatus     = "file_status"
	OpTypePipelineStatus = "pipeline_status"
)

// ErrMissingDependency is returned by New when a required collaborator
// was not configured.
var ErrMissingDependency = errors.New("coordinator: missing dependency")

// RunRequest describes one coordinator invocation.
type RunRequest struct {
	WorkflowID     string
	OrganizationID string

	// ExecutionID is generated when empty.
	ExecutionID string

	// Roots, Patterns, Recursive, DestinationHint parametrize discovery.
	Roots           []string
	Patterns        []string
	Recursive       bool
	DestinationHint string

	// HardLimit overrides the configured survivor cap when positive.
	HardLimit int
}

// RunResult summarizes one invocation.
type RunResult struct {
	ExecutionID string

	Scanned   int
	Matched   int
	Survivors int
	Truncated bool

	Claims   claim.Stats
	Outcomes []engine.Outcome

	Succeeded int
	Failed    int
	Lost      int
}

// taskArgs is the JSON payload of one submitted task.
type taskArgs struct {
	WorkflowID     string        `json:"workflow_id"`
	ExecutionID    string        `json:"execution_id"`
	OrganizationID string        `json:"organization_id"`
	Item           item.WorkItem `json:"item"`
}

// callbackArgs is the JSON payload of the fan-in callback task.
type callbackArgs struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id"`
	Total       int    `json:"total"`
}

// statusPayload is the per-unit body buffered into the status aggregator.
type statusPayload struct {
	Path     string `json:"path"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Coordinator wires discovery, filtering, claiming, submission, and
// batched status reporting together.
type Coordinator struct {
	cfg        *config
	claims     *claim.Manager
	engine     *engine.Engine
	aggregator *batch.Aggregator
}

// New creates a coordinator. Cache, queue, and dead-letter store are
// required; the control plane is optional (standalone mode skips history
// and durable active checks, and status updates stay local).
func New(opts ...Option) (*Coordinator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	switch {
	case cfg.cache == nil:
		return nil, fmt.Errorf("%w: cache", ErrMissingDependency)
	case cfg.queue == nil:
		return nil, fmt.Errorf("%w: task queue", ErrMissingDependency)
	case cfg.deadLetters == nil:
		return nil, fmt.Errorf("%w: dead-letter store", ErrMissingDependency)
	}

	c := &Coordinator{
		cfg:    cfg,
		claims: claim.NewManager(cfg.cache, cfg.claimTTL, cfg.hooks),
	}
	c.engine = engine.New(cfg.queue, cfg.deadLetters,
		engineOptions(cfg)...)
	c.aggregator = batch.NewAggregator(cfg.aggMaxBatch, cfg.aggMaxWait, cfg.hooks)
	c.registerHandlers()
	return c, nil
}

func engineOptions(cfg *config) []engine.Option {
	opts := []engine.Option{
		engine.WithHooks(cfg.hooks),
		engine.WithBreakers(engine.NewBreakerSet(cfg.breakerThreshold, cfg.breakerCooldown, cfg.hooks)),
	}
	if cfg.submitPolicy != nil {
		opts = append(opts, engine.WithSubmitPolicy(cfg.submitPolicy))
	}
	if cfg.pollPolicy != nil {
		opts = append(opts, engine.WithPollPolicy(cfg.pollPolicy))
	}
	if cfg.pollTimeout > 0 {
		opts = append(opts, engine.WithPollTimeout(cfg.pollTimeout))
	}
	if cfg.concurrency > 0 {
		opts = append(opts, engine.WithConcurrency(cfg.concurrency))
	}
	return opts
}

// registerHandlers installs the aggregator handlers. Without a control
// plane the flushes are local no-ops so standalone runs still drain.
func (c *Coordinator) registerHandlers() {
	c.aggregator.Register(OpTypeFileStatus, c.batchHandler(func(ctx context.Context, orgID string, req controlplane.BatchUpdateRequest) (*controlplane.BatchUpdateResponse, error) {
		return c.cfg.controlPlane.BatchStatusUpdate(ctx, orgID, req)
	}))
	c.aggregator.Register(OpTypePipelineStatus, c.batchHandler(func(ctx context.Context, orgID string, req controlplane.BatchUpdateRequest) (*controlplane.BatchUpdateResponse, error) {
		return c.cfg.controlPlane.BatchPipelineStatusUpdate(ctx, orgID, req)
	}))
}

func (c *Coordinator) batchHandler(call func(context.Context, string, controlplane.BatchUpdateRequest) (*controlplane.BatchUpdateResponse, error)) batch.Handler {
	return func(ctx context.Context, orgID string, items []batch.Item) error {
		if c.cfg.controlPlane == nil {
			return nil
		}
		req := controlplane.BatchUpdateRequest{
			Updates: make([]controlplane.StatusUpdate, len(items)),
		}
		for i, it := range items {
			req.Updates[i] = controlplane.StatusUpdate{
				OperationID: it.OperationID,
				Payload:     it.Payload,
			}
		}
		resp, err := call(ctx, orgID, req)
		if err != nil {
			return err
		}
		for _, outcome := range resp.Outcomes {
			if !outcome.Success {
				c.cfg.logger.Warn("status update rejected",
					"operation_id", outcome.OperationID, "error", outcome.Error)
			}
		}
		return nil
	}
}

// Run performs one full coordination pass.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}
	result := RunResult{ExecutionID: req.ExecutionID}
	fctx := &filter.Context{
		WorkflowID:     req.WorkflowID,
		ExecutionID:    req.ExecutionID,
		OrganizationID: req.OrganizationID,
	}

	hardLimit := req.HardLimit
	if hardLimit <= 0 {
		hardLimit = c.cfg.hardLimit
	}

	discovered, err := discovery.NewEngine(c.cfg.source, c.buildPipeline(), c.cfg.hooks).
		Discover(ctx, discovery.Request{
			Roots:           req.Roots,
			Patterns:        req.Patterns,
			Recursive:       req.Recursive,
			HardLimit:       hardLimit,
			MicroBatchSize:  c.cfg.microBatchSize,
			DestinationHint: req.DestinationHint,
		}, fctx)
	result.Scanned = discovered.Scanned
	result.Matched = discovered.Matched
	result.Survivors = len(discovered.Items)
	result.Truncated = discovered.Truncated
	if err != nil {
		return result, err
	}
	if len(discovered.Items) == 0 {
		c.cfg.logger.Info("no work to do",
			"workflow_id", req.WorkflowID,
			"execution_id", req.ExecutionID,
			"scanned", discovered.Scanned,
			"matched", discovered.Matched)
		return result, nil
	}

	// The batch is final here; claim once and release what we claimed.
	claimed, stats := c.claims.Claim(ctx, req.WorkflowID, req.ExecutionID, discovered.Items)
	result.Claims = stats
	defer c.claims.Release(ctx, req.WorkflowID, identities(claimed))

	outcomes, err := c.submit(ctx, req, claimed)
	result.Outcomes = outcomes
	for _, o := range outcomes {
		switch o.State {
		case engine.OutcomeSucceeded:
			result.Succeeded++
		case engine.OutcomeFailed:
			result.Failed++
		case engine.OutcomeLost:
			result.Lost++
		}
	}
	c.reportStatuses(ctx, req, claimed, outcomes)
	return result, err
}

func (c *Coordinator) buildPipeline() *filter.Pipeline {
	// Dedup keeps per-run state, so the pipeline is rebuilt per run.
	filters := []filter.Filter{filter.NewDedup()}
	if c.cfg.controlPlane != nil {
		filters = append(filters, filter.NewHistory(c.cfg.controlPlane, c.cfg.maxExecutions))
	}
	filters = append(filters, filter.NewActiveLock(c.claims, activeChecker(c.cfg.controlPlane)))
	return filter.NewPipeline(c.cfg.hooks, filters...)
}

// activeChecker avoids handing the filter a typed nil interface.
func activeChecker(client *controlplane.Client) filter.ActiveChecker {
	if client == nil {
		return nil
	}
	return client
}

func (c *Coordinator) submit(ctx context.Context, req RunRequest, items []*item.WorkItem) ([]engine.Outcome, error) {
	units := make([]engine.Unit, len(items))
	for i, it := range items {
		args, err := json.Marshal(taskArgs{
			WorkflowID:     req.WorkflowID,
			ExecutionID:    req.ExecutionID,
			OrganizationID: req.OrganizationID,
			Item:           *it,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode task args for %s: %w", it.SourcePath, err)
		}
		units[i] = engine.Unit{
			OperationName: c.cfg.taskName,
			OperationID:   uuid.NewString(),
			Arguments:     args,
		}
	}

	var cbArgs []byte
	if c.cfg.callbackTask != "" {
		cbArgs, _ = json.Marshal(callbackArgs{
			WorkflowID:  req.WorkflowID,
			ExecutionID: req.ExecutionID,
			Total:       len(units),
		})
	}
	return c.engine.SubmitAll(ctx, units, c.cfg.callbackTask, cbArgs)
}

func (c *Coordinator) reportStatuses(ctx context.Context, req RunRequest, items []*item.WorkItem, outcomes []engine.Outcome) {
	for i, o := range outcomes {
		if i >= len(items) {
			break
		}
		payload := statusPayload{
			Path:     items[i].SourcePath,
			Status:   o.State,
			Attempts: o.Attempts,
		}
		if o.Err != nil {
			payload.Error = o.Err.Error()
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		if err := c.aggregator.Enqueue(ctx, OpTypeFileStatus, req.OrganizationID, batch.Item{
			OperationID: o.Unit.OperationID,
			Payload:     raw,
		}); err != nil {
			c.cfg.logger.Warn("failed to buffer status update",
				"operation_id", o.Unit.OperationID, "error", err)
		}
	}
}

// RetryDeadLetter re-drives one dead-lettered unit.
func (c *Coordinator) RetryDeadLetter(ctx context.Context, id string) (engine.Outcome, error) {
	return c.engine.RetryFromDeadLetter(ctx, id)
}

// ListDeadLetters returns dead-letter entries, oldest first.
func (c *Coordinator) ListDeadLetters(ctx context.Context, limit int) ([]*storage.DeadLetterEntry, error) {
	return c.engine.ListDeadLetters(ctx, limit)
}

// Close drains the aggregator and closes the owned resources.
func (c *Coordinator) Close(ctx context.Context) error {
	errs := []error{
		c.aggregator.Shutdown(ctx),
		c.cfg.queue.Close(),
		c.cfg.deadLetters.Close(),
		c.cfg.cache.Close(),
	}
	return errors.Join(errs...)
}

func identities(items []*item.WorkItem) []item.Identity {
	seen := make(map[string]bool, len(items))
	out := make([]item.Identity, 0, len(items))
	for _, it := range items {
		id := it.Identity()
		if seen[id.Key()] {
			continue
		}
		seen[id.Key()] = true
		out = append(out, id)
	}
	return out
}
