package claim

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zipstack/unstract-sub001/internal/cache"
	"github.com/Zipstack/unstract-sub001/item"
)

func testItems() []*item.WorkItem {
	return []*item.WorkItem{
		{ProviderID: "id-a", SourcePath: "in/a.pdf"},
		{ProviderID: "id-b", SourcePath: "in/b.pdf"},
	}
}

func TestClaimThenCheckFromOtherExecution(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	m := NewManager(c, time.Minute, nil)

	items := testItems()
	claimed, stats := m.Claim(ctx, "wf-1", "exec-1", items)
	require.Len(t, claimed, 2)
	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 0, stats.Contended)

	// A different execution sees both items as actively claimed.
	active, err := m.Check(ctx, "wf-1", "exec-2", items)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Equal(t, "exec-1", active[items[0].Identity().Key()].ExecutionID)

	// The owning execution does not see its own claims as conflicts.
	own, err := m.Check(ctx, "wf-1", "exec-1", items)
	require.NoError(t, err)
	assert.Empty(t, own)
}

func TestClaimContention(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	m := NewManager(c, time.Minute, nil)

	items := testItems()
	first, _ := m.Claim(ctx, "wf-1", "exec-1", items)
	require.Len(t, first, 2)

	second, stats := m.Claim(ctx, "wf-1", "exec-2", items)
	assert.Empty(t, second, "contended items must be dropped")
	assert.Equal(t, 2, stats.Contended)
	assert.Equal(t, 0, stats.Claimed)
}

func TestClaimValueShape(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	m := NewManager(c, time.Minute, nil)

	items := testItems()[:1]
	_, _ = m.Claim(ctx, "wf-1", "exec-1", items)

	raw, err := c.Get(ctx, Key("wf-1", "id-a", "in/a.pdf"))
	require.NoError(t, err)

	var claim Claim
	require.NoError(t, json.Unmarshal(raw, &claim))
	assert.Equal(t, "exec-1", claim.ExecutionID)
	assert.Equal(t, "wf-1", claim.WorkflowID)
	assert.Equal(t, "in/a.pdf", claim.Path)
	assert.Equal(t, "processing", claim.Status)
	assert.False(t, claim.CreatedAt.IsZero())
}

func TestReleaseRemovesClaimImmediately(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	m := NewManager(c, time.Minute, nil)

	items := testItems()
	_, _ = m.Claim(ctx, "wf-1", "exec-1", items)
	require.Equal(t, 2, c.Len())

	m.Release(ctx, "wf-1", []item.Identity{items[0].Identity()})
	assert.Equal(t, 1, c.Len())

	// The released item is claimable again immediately.
	again, stats := m.Claim(ctx, "wf-1", "exec-2", items[:1])
	assert.Len(t, again, 1)
	assert.Equal(t, 1, stats.Claimed)
}

func TestLeaseSelfHealing(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	m := NewManager(c, time.Second, nil)

	items := testItems()[:1]
	_, stats := m.Claim(ctx, "wf-1", "exec-1", items)
	require.Equal(t, 1, stats.Claimed)

	// Simulate a crash: no release, clock advances past the TTL.
	c.Advance(2 * time.Second)

	claimed, stats := m.Claim(ctx, "wf-1", "exec-2", items)
	assert.Len(t, claimed, 1, "expired lease must not block a new claim")
	assert.Equal(t, 1, stats.Claimed)
}

func TestSamePathDifferentContentIsDistinctClaim(t *testing.T) {
	keyA := Key("wf-1", "id-a", "in/report.pdf")
	keyB := Key("wf-1", "id-a", "archive/report.pdf")
	assert.NotEqual(t, keyA, keyB, "same content at different paths must claim separately")
}
