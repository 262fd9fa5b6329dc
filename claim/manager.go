// Package claim implements the active-item lock manager: TTL leases in the
// shared cache that mark items as owned by one execution across the worker
// fleet.
package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Zipstack/unstract-sub001/hooks"
	"github.com/Zipstack/unstract-sub001/internal/cache"
	"github.com/Zipstack/unstract-sub001/item"
)

// DefaultTTL is the default claim lease. Long enough to cover normal
// processing, short enough that a crashed worker's items become claimable
// again without operator action.
const DefaultTTL = 300 * time.Second

// Claim is the JSON value stored in the cache for an active item.
type Claim struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	Path        string    `json:"path"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stats summarizes one claim pass over the final batch.
type Stats struct {
	Requested int
	Claimed   int
	Contended int
	Errors    int
}

// Manager claims and releases active-item leases. The filtering phase only
// reads (Check); Claim runs exactly once, after downstream limits have
// fixed the final batch, so discarded items never leave stale locks behind.
type Manager struct {
	cache cache.Cache
	ttl   time.Duration
	hooks hooks.PipelineHooks
}

// NewManager creates a lock manager. A zero ttl means DefaultTTL; nil
// hooks means no-op hooks.
func NewManager(c cache.Cache, ttl time.Duration, h hooks.PipelineHooks) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if h == nil {
		h = &hooks.NoOpHooks{}
	}
	return &Manager{cache: c, ttl: ttl, hooks: h}
}

// Key returns the cache key for one item's claim. The path hash
// disambiguates identical content at different paths.
func Key(workflowID, providerID, path string) string {
	return fmt.Sprintf("file_active:%s:%s:%s", workflowID, providerID, item.PathHash(path))
}

// identityPrefix covers every path hash for one (workflow, provider id).
func identityPrefix(workflowID, providerID string) string {
	return fmt.Sprintf("file_active:%s:%s:", workflowID, providerID)
}

// Check returns claims held by a different execution, keyed by composite
// item identity. Read-only; used by the active-lock filter.
func (m *Manager) Check(ctx context.Context, workflowID, executionID string, items []*item.WorkItem) (map[string]Claim, error) {
	if len(items) == 0 {
		return map[string]Claim{}, nil
	}

	keys := make([]string, len(items))
	byKey := make(map[string]*item.WorkItem, len(items))
	for i, it := range items {
		keys[i] = Key(workflowID, it.ProviderID, it.SourcePath)
		byKey[keys[i]] = it
	}

	found, err := m.cache.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}

	active := make(map[string]Claim)
	for key, raw := range found {
		var c Claim
		if err := json.Unmarshal(raw, &c); err != nil {
			slog.Warn("malformed claim value in cache", "key", key, "error", err)
			continue
		}
		if c.ExecutionID == executionID {
			// Our own claim, e.g. a retried run. Not a conflict.
			continue
		}
		if it, ok := byKey[key]; ok {
			active[it.Identity().Key()] = c
		}
	}
	return active, nil
}

// Claim atomically claims each item for the given execution and returns the
// items actually claimed. Items whose lease is already held by another
// execution are dropped (counted as contended). A cache error on an
// individual write keeps the item in the batch: the lease is an
// optimization against duplicate work, and a degraded cache must not stall
// the run.
func (m *Manager) Claim(ctx context.Context, workflowID, executionID string, items []*item.WorkItem) ([]*item.WorkItem, Stats) {
	stats := Stats{Requested: len(items)}
	claimed := make([]*item.WorkItem, 0, len(items))
	now := time.Now().UTC()

	for _, it := range items {
		value, err := json.Marshal(Claim{
			ExecutionID: executionID,
			WorkflowID:  workflowID,
			Path:        it.SourcePath,
			Status:      "processing",
			CreatedAt:   now,
		})
		if err != nil {
			stats.Errors++
			continue
		}

		set, err := m.cache.SetNX(ctx, Key(workflowID, it.ProviderID, it.SourcePath), value, m.ttl)
		if err != nil {
			slog.Warn("failed to write claim, proceeding unlocked",
				"workflow_id", workflowID, "path", it.SourcePath, "error", err)
			stats.Errors++
			claimed = append(claimed, it)
			continue
		}
		if !set {
			stats.Contended++
			slog.Debug("item claimed by concurrent execution, skipping",
				"workflow_id", workflowID, "path", it.SourcePath)
			continue
		}
		stats.Claimed++
		claimed = append(claimed, it)
	}

	m.hooks.OnClaim(ctx, hooks.ClaimInfo{
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Requested:   stats.Requested,
		Claimed:     stats.Claimed,
		Contended:   stats.Contended,
	})
	return claimed, stats
}

// Release removes the claims for the given identities. Best effort: the
// lease TTL is the safety net, so release failures are logged and never
// surfaced to the caller.
func (m *Manager) Release(ctx context.Context, workflowID string, identities []item.Identity) {
	released := 0
	for _, id := range identities {
		n, err := m.cache.DeletePrefix(ctx, identityPrefix(workflowID, id.ProviderID))
		if err != nil {
			slog.Warn("failed to release claim, lease will expire via TTL",
				"workflow_id", workflowID, "provider_id", id.ProviderID, "error", err)
			continue
		}
		released += n
	}
	m.hooks.OnRelease(ctx, hooks.ReleaseInfo{WorkflowID: workflowID, Released: released})
}

// TTL returns the configured lease duration.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}
