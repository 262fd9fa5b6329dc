// Package batch aggregates per-item status updates into batched writes.
//
// Updates are grouped by (operation type, organization) so one tenant's
// burst never rides in another tenant's request. A group flushes when it
// reaches the size cap or when its oldest member has waited long enough,
// whichever comes first.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Zipstack/unstract-sub001/hooks"
)

const (
	// DefaultMaxBatchSize caps how many updates ride in one flush.
	DefaultMaxBatchSize = 25

	// DefaultMaxWait bounds how long an update can sit in a partial
	// batch.
	DefaultMaxWait = 2 * time.Second
)

var (
	// ErrAggregatorClosed is returned by Enqueue after Shutdown.
	ErrAggregatorClosed = errors.New("batch: aggregator closed")

	// ErrNoHandler is returned by Enqueue for an unregistered
	// operation type.
	ErrNoHandler = errors.New("batch: no handler for operation type")
)

// Item is one pending status update.
type Item struct {
	// OperationID identifies the unit this update belongs to.
	OperationID string

	// Payload is the update body, forwarded opaquely to the handler.
	Payload json.RawMessage

	// Callback, if set, receives the flush outcome for this item.
	Callback func(error)
}

// Handler performs one batched write for a single organization.
type Handler func(ctx context.Context, organizationID string, items []Item) error

type groupKey struct {
	opType string
	orgID  string
}

// group buffers items for one (operation type, organization) pair.
// flushMu serializes flushes of the same group; different groups flush
// concurrently.
type group struct {
	flushMu sync.Mutex
	items   []Item
	oldest  time.Time
}

// Aggregator collects items and flushes them in batches.
type Aggregator struct {
	maxBatch int
	maxWait  time.Duration
	handlers map[string]Handler
	hooks    hooks.PipelineHooks
	logger   *slog.Logger

	mu     sync.Mutex
	groups map[groupKey]*group
	closed bool

	wg   sync.WaitGroup
	stop chan struct{}
	done chan struct{}
}

// NewAggregator creates an aggregator and starts its flush timer.
// Non-positive sizes and waits fall back to the defaults.
func NewAggregator(maxBatch int, maxWait time.Duration, h hooks.PipelineHooks) *Aggregator {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchSize
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if h == nil {
		h = &hooks.NoOpHooks{}
	}
	a := &Aggregator{
		maxBatch: maxBatch,
		maxWait:  maxWait,
		handlers: make(map[string]Handler),
		hooks:    h,
		logger:   slog.Default().With("component", "batch"),
		groups:   make(map[groupKey]*group),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.timerLoop()
	return a
}

// Register installs the handler for an operation type. Registration must
// happen before updates of that type are enqueued.
func (a *Aggregator) Register(opType string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[opType] = h
}

// Enqueue adds an update to its group, flushing the group if it reached
// the size cap. The flush runs asynchronously; the item's Callback
// reports its outcome.
func (a *Aggregator) Enqueue(ctx context.Context, opType, orgID string, it Item) error {
	key := groupKey{opType: opType, orgID: orgID}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAggregatorClosed
	}
	if _, ok := a.handlers[opType]; !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoHandler, opType)
	}
	g, ok := a.groups[key]
	if !ok {
		g = &group{}
		a.groups[key] = g
	}
	if len(g.items) == 0 {
		g.oldest = time.Now()
	}
	g.items = append(g.items, it)

	var batch []Item
	if len(g.items) >= a.maxBatch {
		batch = g.items
		g.items = nil
	}
	a.mu.Unlock()

	if batch != nil {
		a.flushAsync(key, g, batch, "size")
	}
	return nil
}

// Pending reports how many items are buffered across all groups.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, g := range a.groups {
		n += len(g.items)
	}
	return n
}

// Shutdown stops the timer, synchronously flushes every remaining group,
// and waits for in-flight flushes. Enqueue fails afterwards.
func (a *Aggregator) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	var keys []groupKey
	var batches []*group
	var items [][]Item
	for key, g := range a.groups {
		if len(g.items) == 0 {
			continue
		}
		keys = append(keys, key)
		batches = append(batches, g)
		items = append(items, g.items)
		g.items = nil
	}
	a.mu.Unlock()

	close(a.stop)
	<-a.done

	for i, key := range keys {
		a.flush(ctx, key, batches[i], items[i], "shutdown")
	}
	a.wg.Wait()
	return ctx.Err()
}

func (a *Aggregator) timerLoop() {
	defer close(a.done)

	tick := a.maxWait / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case now := <-ticker.C:
			a.flushExpired(now)
		}
	}
}

func (a *Aggregator) flushExpired(now time.Time) {
	a.mu.Lock()
	var keys []groupKey
	var batches []*group
	var items [][]Item
	for key, g := range a.groups {
		if len(g.items) == 0 || now.Sub(g.oldest) < a.maxWait {
			continue
		}
		keys = append(keys, key)
		batches = append(batches, g)
		items = append(items, g.items)
		g.items = nil
	}
	a.mu.Unlock()

	for i, key := range keys {
		a.flushAsync(key, batches[i], items[i], "timer")
	}
}

func (a *Aggregator) flushAsync(key groupKey, g *group, items []Item, trigger string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.flush(context.Background(), key, g, items, trigger)
	}()
}

// flush performs one handler call. A handler error or panic fails only
// the items of this flush; later batches of the group are unaffected.
func (a *Aggregator) flush(ctx context.Context, key groupKey, g *group, items []Item, trigger string) {
	g.flushMu.Lock()
	defer g.flushMu.Unlock()

	a.mu.Lock()
	handler := a.handlers[key.opType]
	a.mu.Unlock()

	err := a.invoke(ctx, handler, key.orgID, items)
	if err != nil {
		a.logger.Error("batch flush failed",
			"operation_type", key.opType,
			"organization_id", key.orgID,
			"size", len(items),
			"trigger", trigger,
			"error", err)
	}
	for _, it := range items {
		if it.Callback != nil {
			it.Callback(err)
		}
	}
	a.hooks.OnBatchFlush(ctx, hooks.BatchFlushInfo{
		OperationType:  key.opType,
		OrganizationID: key.orgID,
		Size:           len(items),
		Trigger:        trigger,
		Err:            err,
	})
}

func (a *Aggregator) invoke(ctx context.Context, handler Handler, orgID string, items []Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch: handler panic: %v", r)
		}
	}()
	return handler(ctx, orgID, items)
}
