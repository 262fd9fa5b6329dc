package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zipstack/unstract-sub001/internal/storage"
	"github.com/Zipstack/unstract-sub001/internal/taskqueue"
	"github.com/Zipstack/unstract-sub001/retry"
)

// memStore is an in-memory DeadLetterStore for engine tests.
type memStore struct {
	mu      sync.Mutex
	entries map[string]*storage.DeadLetterEntry
	order   []string
	failing bool
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*storage.DeadLetterEntry)}
}

func (m *memStore) Initialize(ctx context.Context) error { return nil }

func (m *memStore) Insert(ctx context.Context, entry *storage.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("store unavailable")
	}
	m.entries[entry.ID] = entry
	m.order = append(m.order, entry.ID)
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (*storage.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return entry, nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *memStore) List(ctx context.Context, limit int) ([]*storage.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*storage.DeadLetterEntry
	for _, id := range m.order {
		if entry, ok := m.entries[id]; ok {
			out = append(out, entry)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func fastOpts(extra ...Option) []Option {
	opts := []Option{
		WithSubmitPolicy(retry.Linear(3, time.Millisecond)),
		WithPollPolicy(retry.Fixed(5, time.Millisecond)),
		WithPollTimeout(time.Second),
	}
	return append(opts, extra...)
}

func TestSubmitSucceeds(t *testing.T) {
	q := taskqueue.NewMemory()
	e := New(q, newMemStore(), fastOpts()...)

	out, err := e.Submit(context.Background(), Unit{OperationName: "process_file"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.NotEmpty(t, out.TrackingID)
	assert.NotEmpty(t, out.Unit.OperationID)
	assert.Equal(t, BreakerClosed, e.Breakers().State("process_file"))
}

func TestSubmitExecutionFailureIsTerminal(t *testing.T) {
	q := taskqueue.NewMemory()
	q.Script("process_file", taskqueue.TaskBehavior{Fail: true, FailMessage: "bad input"})
	store := newMemStore()
	e := New(q, store, fastOpts()...)

	out, err := e.Submit(context.Background(), Unit{OperationName: "process_file"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.State)

	var execErr *ExecutionError
	require.ErrorAs(t, out.Err, &execErr)
	assert.Equal(t, "bad input", execErr.Message)
	assert.Equal(t, 1, q.SubmitCount(), "an executed failure must never be resubmitted")

	entry, err := store.Get(context.Background(), out.DeadLetterID)
	require.NoError(t, err)
	assert.Equal(t, storage.FailureExecutionError, entry.FailureType)
}

func TestSubmitLostUnitRetriedThenDeadLettered(t *testing.T) {
	q := taskqueue.NewMemory()
	q.Script("process_file", taskqueue.TaskBehavior{NeverSettle: true})
	store := newMemStore()
	e := New(q, store, fastOpts(WithPollPolicy(retry.Fixed(2, time.Millisecond)))...)

	out, err := e.Submit(context.Background(), Unit{OperationName: "process_file"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLost, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, q.SubmitCount(), "a lost unit must be resubmitted up to the attempt cap")

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, out.Err, &exhausted)
	var lost *UnitLostError
	assert.ErrorAs(t, out.Err, &lost)

	entry, err := store.Get(context.Background(), out.DeadLetterID)
	require.NoError(t, err)
	assert.Equal(t, storage.FailureTimeout, entry.FailureType)
	assert.Equal(t, 3, entry.AttemptsMade)
}

// flakyQueue fails the first N submits, then delegates.
type flakyQueue struct {
	*taskqueue.Memory
	mu       sync.Mutex
	failures int
}

func (f *flakyQueue) Submit(ctx context.Context, taskName string, args []byte) (string, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return "", errors.New("broker unavailable")
	}
	return f.Memory.Submit(ctx, taskName, args)
}

func TestSubmitRecoversFromTransientBrokerOutage(t *testing.T) {
	q := &flakyQueue{Memory: taskqueue.NewMemory(), failures: 2}
	store := newMemStore()
	e := New(q, store, fastOpts()...)

	out, err := e.Submit(context.Background(), Unit{OperationName: "process_file"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Empty(t, store.order, "a recovered unit must not be dead-lettered")
}

// vanishingQueue accepts submits but denies knowing the tracking id.
type vanishingQueue struct {
	*taskqueue.Memory
}

func (v *vanishingQueue) Status(ctx context.Context, trackingID string) (taskqueue.StatusResult, error) {
	return taskqueue.StatusResult{}, taskqueue.ErrUnknownTracking
}

func TestSubmitUnknownTrackingIsLostImmediately(t *testing.T) {
	q := &vanishingQueue{Memory: taskqueue.NewMemory()}
	e := New(q, newMemStore(), fastOpts(WithSubmitPolicy(retry.NoRetry()))...)

	out, err := e.Submit(context.Background(), Unit{OperationName: "process_file"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLost, out.State)
	var lost *UnitLostError
	require.ErrorAs(t, out.Err, &lost)
	assert.ErrorIs(t, lost.Cause, taskqueue.ErrUnknownTracking)
}

func TestSubmitBreakerShortCircuitsAfterRepeatedOutage(t *testing.T) {
	q := taskqueue.NewMemory()
	q.Script("process_file", taskqueue.TaskBehavior{SubmitErr: errors.New("broker down")})
	breakers := NewBreakerSet(2, time.Minute, nil)
	e := New(q, newMemStore(), fastOpts(
		WithSubmitPolicy(retry.NoRetry()),
		WithBreakers(breakers),
	)...)

	ctx := context.Background()
	_, _ = e.Submit(ctx, Unit{OperationName: "process_file"})
	_, _ = e.Submit(ctx, Unit{OperationName: "process_file"})
	require.Equal(t, BreakerOpen, breakers.State("process_file"))

	before := q.SubmitCount()
	out, err := e.Submit(ctx, Unit{OperationName: "process_file"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLost, out.State)
	assert.Equal(t, before, q.SubmitCount(),
		"an open breaker must reject without reaching the broker")
}

// downStatusQueue accepts submits but its status endpoint is down.
type downStatusQueue struct {
	*taskqueue.Memory
	mu          sync.Mutex
	statusCalls int
}

func (d *downStatusQueue) Status(ctx context.Context, trackingID string) (taskqueue.StatusResult, error) {
	d.mu.Lock()
	d.statusCalls++
	d.mu.Unlock()
	return taskqueue.StatusResult{}, errors.New("status endpoint down")
}

func (d *downStatusQueue) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusCalls
}

func TestPollBreakerFailsFastDuringStatusOutage(t *testing.T) {
	q := &downStatusQueue{Memory: taskqueue.NewMemory()}
	breakers := NewBreakerSet(2, time.Minute, nil)
	e := New(q, newMemStore(), fastOpts(
		WithSubmitPolicy(retry.NoRetry()),
		WithPollPolicy(retry.Fixed(20, time.Millisecond)),
		WithBreakers(breakers),
	)...)

	out, err := e.Submit(context.Background(), Unit{OperationName: "process_file"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLost, out.State)
	assert.ErrorIs(t, out.Err, ErrCircuitOpen)
	assert.Equal(t, BreakerOpen, breakers.State("status"))
	assert.Equal(t, 2, q.calls(),
		"an open status breaker must stop polls from reaching the endpoint")
}

func TestStatusRejectionDoesNotTripTaskBreaker(t *testing.T) {
	q := &downStatusQueue{Memory: taskqueue.NewMemory()}
	breakers := NewBreakerSet(2, time.Minute, nil)
	e := New(q, newMemStore(), fastOpts(
		WithSubmitPolicy(retry.Linear(3, time.Millisecond)),
		WithPollPolicy(retry.Fixed(5, time.Millisecond)),
		WithBreakers(breakers),
	)...)

	out, err := e.Submit(context.Background(), Unit{OperationName: "process_file"})
	require.NoError(t, err)
	require.Equal(t, OutcomeLost, out.State)
	require.Equal(t, BreakerOpen, breakers.State("status"))

	// The broker accepted every submit; only the status endpoint failed.
	// Rejections from the status breaker must not count against the task
	// breaker, or a status outage would cut resubmission short.
	assert.Equal(t, BreakerClosed, breakers.State("process_file"))
	assert.Equal(t, 3, q.SubmitCount())
}

// brokenChordQueue fails every chord registration.
type brokenChordQueue struct {
	*taskqueue.Memory
	mu         sync.Mutex
	chordCalls int
}

func (b *brokenChordQueue) Chord(ctx context.Context, trackingIDs []string, callbackTask string, args []byte) (string, error) {
	b.mu.Lock()
	b.chordCalls++
	b.mu.Unlock()
	return "", errors.New("chord backend down")
}

func TestChordBreakerFailsFastAfterRepeatedFailures(t *testing.T) {
	q := &brokenChordQueue{Memory: taskqueue.NewMemory()}
	breakers := NewBreakerSet(1, time.Minute, nil)
	e := New(q, newMemStore(), fastOpts(WithBreakers(breakers))...)

	ctx := context.Background()
	units := []Unit{{OperationName: "process_file"}}
	_, err := e.SubmitAll(ctx, units, "finalize", nil)
	require.NoError(t, err)
	require.Equal(t, BreakerOpen, breakers.State("chord"))

	_, err = e.SubmitAll(ctx, units, "finalize", nil)
	require.NoError(t, err)
	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, 1, q.chordCalls,
		"an open chord breaker must reject without reaching the broker")
}

func TestSubmitAllPreservesOrderAndRegistersChord(t *testing.T) {
	q := taskqueue.NewMemory()
	q.Script("fails", taskqueue.TaskBehavior{Fail: true})
	e := New(q, newMemStore(), fastOpts(WithConcurrency(4))...)

	units := []Unit{
		{OperationName: "process_file"},
		{OperationName: "fails"},
		{OperationName: "process_file"},
	}
	outcomes, err := e.SubmitAll(context.Background(), units, "finalize", []byte(`{}`))
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, OutcomeSucceeded, outcomes[0].State)
	assert.Equal(t, OutcomeFailed, outcomes[1].State)
	assert.Equal(t, OutcomeSucceeded, outcomes[2].State)

	assert.True(t, q.ChordFired(), "the finalize callback must fire once all members settled")
	assert.Equal(t, 1, q.TasksNamed("finalize"))
}

func TestSubmitAllNoChordWhenNothingSucceeded(t *testing.T) {
	q := taskqueue.NewMemory()
	q.Script("fails", taskqueue.TaskBehavior{Fail: true})
	e := New(q, newMemStore(), fastOpts()...)

	_, err := e.SubmitAll(context.Background(),
		[]Unit{{OperationName: "fails"}}, "finalize", nil)
	require.NoError(t, err)
	assert.False(t, q.ChordFired())
	assert.Equal(t, 0, q.TasksNamed("finalize"))
}

func TestRetryFromDeadLetter(t *testing.T) {
	q := taskqueue.NewMemory()
	q.Script("process_file", taskqueue.TaskBehavior{NeverSettle: true})
	store := newMemStore()
	e := New(q, store, fastOpts(
		WithSubmitPolicy(retry.NoRetry()),
		WithPollPolicy(retry.Fixed(2, time.Millisecond)),
	)...)

	ctx := context.Background()
	out, err := e.Submit(ctx, Unit{OperationName: "process_file", Arguments: []byte(`{"f":1}`)})
	require.NoError(t, err)
	require.Equal(t, OutcomeLost, out.State)
	require.NotEmpty(t, out.DeadLetterID)

	// The broker recovers; the replay succeeds and clears the entry.
	q.Script("process_file", taskqueue.TaskBehavior{})
	replay, err := e.RetryFromDeadLetter(ctx, out.DeadLetterID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, replay.State)
	assert.Equal(t, []byte(`{"f":1}`), replay.Unit.Arguments)

	_, err = store.Get(ctx, out.DeadLetterID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetryFromDeadLetterUnknownID(t *testing.T) {
	e := New(taskqueue.NewMemory(), newMemStore(), fastOpts()...)
	_, err := e.RetryFromDeadLetter(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListDeadLetters(t *testing.T) {
	q := taskqueue.NewMemory()
	q.Script("fails", taskqueue.TaskBehavior{Fail: true})
	e := New(q, newMemStore(), fastOpts()...)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := e.Submit(ctx, Unit{OperationName: "fails"})
		require.NoError(t, err)
	}
	entries, err := e.ListDeadLetters(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDeadLetterStoreOutageDoesNotMaskOutcome(t *testing.T) {
	q := taskqueue.NewMemory()
	q.Script("fails", taskqueue.TaskBehavior{Fail: true})
	store := newMemStore()
	store.failing = true
	e := New(q, store, fastOpts()...)

	out, err := e.Submit(context.Background(), Unit{OperationName: "fails"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.State)
	assert.Empty(t, out.DeadLetterID)
}
