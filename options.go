package coordinator

import (
	"log/slog"
	"time"

	"github.com/Zipstack/unstract-sub001/discovery"
	"github.com/Zipstack/unstract-sub001/hooks"
	"github.com/Zipstack/unstract-sub001/internal/cache"
	"github.com/Zipstack/unstract-sub001/internal/controlplane"
	"github.com/Zipstack/unstract-sub001/internal/storage"
	"github.com/Zipstack/unstract-sub001/internal/taskqueue"
	"github.com/Zipstack/unstract-sub001/retry"
)

// Defaults for the run configuration.
const (
	DefaultTaskName     = "process_file"
	DefaultCallbackTask = "finalize_execution"
	DefaultHardLimit    = 100
)

// Option configures a Coordinator.
type Option func(*config)

type config struct {
	cache        cache.Cache
	queue        taskqueue.Queue
	controlPlane *controlplane.Client
	deadLetters  storage.DeadLetterStore
	source       discovery.Source
	hooks        hooks.PipelineHooks
	logger       *slog.Logger

	taskName     string
	callbackTask string

	claimTTL       time.Duration
	maxExecutions  int
	hardLimit      int
	microBatchSize int

	aggMaxBatch int
	aggMaxWait  time.Duration

	submitPolicy     *retry.Policy
	pollPolicy       *retry.Policy
	pollTimeout      time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration
	concurrency      int64
}

func defaultConfig() *config {
	return &config{
		hooks:          &hooks.NoOpHooks{},
		logger:         slog.Default().With("component", "coordinator"),
		taskName:       DefaultTaskName,
		callbackTask:   DefaultCallbackTask,
		hardLimit:      DefaultHardLimit,
		microBatchSize: discovery.DefaultMicroBatchSize,
	}
}

// WithCache sets the shared TTL cache used for active-item claims.
func WithCache(c cache.Cache) Option {
	return func(cfg *config) { cfg.cache = c }
}

// WithQueue sets the task queue backend.
func WithQueue(q taskqueue.Queue) Option {
	return func(cfg *config) { cfg.queue = q }
}

// WithControlPlane sets the control-plane client used for history checks,
// active-execution checks, and batched status writes. Optional: without
// it the coordinator runs standalone, skipping those checks.
func WithControlPlane(c *controlplane.Client) Option {
	return func(cfg *config) { cfg.controlPlane = c }
}

// WithDeadLetterStore sets the dead-letter store.
func WithDeadLetterStore(s storage.DeadLetterStore) Option {
	return func(cfg *config) { cfg.deadLetters = s }
}

// WithSource sets the item source to discover from.
func WithSource(s discovery.Source) Option {
	return func(cfg *config) { cfg.source = s }
}

// WithHooks sets the lifecycle hooks.
func WithHooks(h hooks.PipelineHooks) Option {
	return func(cfg *config) { cfg.hooks = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) { cfg.logger = l }
}

// WithTaskName sets the queue task submitted per work item.
func WithTaskName(name string) Option {
	return func(cfg *config) { cfg.taskName = name }
}

// WithCallbackTask sets the fan-in callback task triggered once every
// unit of a run completes. Empty disables the callback.
func WithCallbackTask(name string) Option {
	return func(cfg *config) { cfg.callbackTask = name }
}

// WithClaimTTL sets the active-item lease duration.
func WithClaimTTL(d time.Duration) Option {
	return func(cfg *config) { cfg.claimTTL = d }
}

// WithMaxExecutions sets the per-item execution cutoff applied by the
// history filter when the control plane's record carries no limit.
func WithMaxExecutions(n int) Option {
	return func(cfg *config) { cfg.maxExecutions = n }
}

// WithHardLimit sets the default per-run survivor cap.
func WithHardLimit(n int) Option {
	return func(cfg *config) { cfg.hardLimit = n }
}

// WithMicroBatchSize sets the discovery filter-pass granularity.
func WithMicroBatchSize(n int) Option {
	return func(cfg *config) { cfg.microBatchSize = n }
}

// WithBatchLimits sets the status aggregator's size cap and maximum wait.
func WithBatchLimits(maxBatch int, maxWait time.Duration) Option {
	return func(cfg *config) {
		cfg.aggMaxBatch = maxBatch
		cfg.aggMaxWait = maxWait
	}
}

// WithSubmitPolicy sets the lost-unit resubmission policy.
func WithSubmitPolicy(p *retry.Policy) Option {
	return func(cfg *config) { cfg.submitPolicy = p }
}

// WithPollPolicy sets the status polling backoff policy.
func WithPollPolicy(p *retry.Policy) Option {
	return func(cfg *config) { cfg.pollPolicy = p }
}

// WithPollTimeout sets the wall-clock bound on polling one submission.
func WithPollTimeout(d time.Duration) Option {
	return func(cfg *config) { cfg.pollTimeout = d }
}

// WithBreaker sets the circuit breaker threshold and cooldown.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(cfg *config) {
		cfg.breakerThreshold = threshold
		cfg.breakerCooldown = cooldown
	}
}

// WithConcurrency sets the submission fan-out width.
func WithConcurrency(n int64) Option {
	return func(cfg *config) { cfg.concurrency = n }
}
