package filter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zipstack/unstract-sub001/claim"
	"github.com/Zipstack/unstract-sub001/internal/cache"
	"github.com/Zipstack/unstract-sub001/internal/controlplane"
	"github.com/Zipstack/unstract-sub001/item"
)

type fakeActive struct {
	active  []controlplane.ActiveExecution
	err     error
	calls   int
	lastReq controlplane.ActiveCheckRequest
}

func (f *fakeActive) CheckActiveProcessing(ctx context.Context, orgID string, req controlplane.ActiveCheckRequest) (*controlplane.ActiveCheckResponse, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &controlplane.ActiveCheckResponse{Active: f.active}, nil
}

type erroringCache struct{ *cache.Memory }

func (e erroringCache) MGet(ctx context.Context, keys ...string) (map[string][]byte, error) {
	return nil, errors.New("cache unavailable")
}

func TestActiveLockSkipsItemsClaimedInCache(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()
	mgr := claim.NewManager(mem, time.Minute, nil)

	items := []*item.WorkItem{
		{ProviderID: "id-a", SourcePath: "in/a.pdf"},
		{ProviderID: "id-b", SourcePath: "in/b.pdf"},
	}
	// Another execution holds item a.
	held, _ := mgr.Claim(ctx, "wf-1", "exec-2", items[:1])
	require.Len(t, held, 1)

	cp := &fakeActive{}
	f := NewActiveLock(mgr, cp)
	out := f.Apply(ctx, items, &Context{WorkflowID: "wf-1", ExecutionID: "exec-1"})
	assert.Equal(t, []string{"in/b.pdf"}, paths(out))
	// Only the cache-unresolved identity goes to the control plane.
	assert.Equal(t, []string{"id-b"}, cp.lastReq.Identities)
}

func TestActiveLockConsultsDurableRecordsForCacheMisses(t *testing.T) {
	ctx := context.Background()
	mgr := claim.NewManager(cache.NewMemory(), time.Minute, nil)
	cp := &fakeActive{active: []controlplane.ActiveExecution{
		{Identity: "id-a", Path: "in/a.pdf", ExecutionID: "exec-old"},
	}}

	items := []*item.WorkItem{
		{ProviderID: "id-a", SourcePath: "in/a.pdf"},
		{ProviderID: "id-a", SourcePath: "in/other/a.pdf"},
	}
	f := NewActiveLock(mgr, cp)
	out := f.Apply(ctx, items, &Context{WorkflowID: "wf-1", ExecutionID: "exec-1"})
	assert.Equal(t, []string{"in/other/a.pdf"}, paths(out),
		"durable active record must match path, not just identity")
}

func TestActiveLockOwnClaimsAreNotConflicts(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()
	mgr := claim.NewManager(mem, time.Minute, nil)

	items := []*item.WorkItem{{ProviderID: "id-a", SourcePath: "in/a.pdf"}}
	_, _ = mgr.Claim(ctx, "wf-1", "exec-1", items)

	f := NewActiveLock(mgr, &fakeActive{})
	out := f.Apply(ctx, items, &Context{WorkflowID: "wf-1", ExecutionID: "exec-1"})
	assert.Len(t, out, 1)
}

func TestActiveLockFailsOpenOnCacheError(t *testing.T) {
	ctx := context.Background()
	bad := erroringCache{cache.NewMemory()}
	mgr := claim.NewManager(bad, time.Minute, nil)
	cp := &fakeActive{err: errors.New("control plane down")}

	items := makeItems("a", "b")
	f := NewActiveLock(mgr, cp)
	out := f.Apply(ctx, items, &Context{WorkflowID: "wf-1", ExecutionID: "exec-1"})
	assert.Len(t, out, 2, "lock-check failures must include items, not block them")
}

func TestActiveLockNilControlPlane(t *testing.T) {
	ctx := context.Background()
	mgr := claim.NewManager(cache.NewMemory(), time.Minute, nil)

	f := NewActiveLock(mgr, nil)
	out := f.Apply(ctx, makeItems("a"), &Context{WorkflowID: "wf-1", ExecutionID: "exec-1"})
	assert.Len(t, out, 1)
}
