package filter

import (
	"context"
	"log/slog"

	"github.com/Zipstack/unstract-sub001/claim"
	"github.com/Zipstack/unstract-sub001/internal/controlplane"
	"github.com/Zipstack/unstract-sub001/item"
)

// CacheChecker is the read-only claim surface the active-lock filter needs.
type CacheChecker interface {
	Check(ctx context.Context, workflowID, executionID string, items []*item.WorkItem) (map[string]claim.Claim, error)
}

// ActiveChecker is the control-plane surface for durable active-execution
// records predating the cache lease.
type ActiveChecker interface {
	CheckActiveProcessing(ctx context.Context, orgID string, req controlplane.ActiveCheckRequest) (*controlplane.ActiveCheckResponse, error)
}

// ActiveLock drops items currently claimed by a different execution. The
// shared cache is consulted first (always); the control plane's durable
// records are consulted only for identities the cache did not resolve.
//
// Fail-open: if either dependency errors, affected items are kept. Blocking
// a run on a lock lookup would stall the fleet; the worst case of including
// the item is duplicate processing, which the design already tolerates.
type ActiveLock struct {
	cache        CacheChecker
	controlPlane ActiveChecker // optional
}

// NewActiveLock creates an active-lock filter. controlPlane may be nil,
// disabling the durable-record fallback.
func NewActiveLock(cacheChecker CacheChecker, controlPlane ActiveChecker) *ActiveLock {
	return &ActiveLock{cache: cacheChecker, controlPlane: controlPlane}
}

func (a *ActiveLock) Name() string { return "active-lock" }

func (a *ActiveLock) Apply(ctx context.Context, items []*item.WorkItem, fctx *Context) []*item.WorkItem {
	activeInCache, err := a.cache.Check(ctx, fctx.WorkflowID, fctx.ExecutionID, items)
	if err != nil {
		slog.Warn("active-lock cache check failed, failing open",
			"workflow_id", fctx.WorkflowID, "error", err)
		activeInCache = map[string]claim.Claim{}
	}

	// Items the cache did not resolve may still be held in the control
	// plane's durable records by executions predating the lease.
	var unresolved []*item.WorkItem
	for _, it := range items {
		if _, held := activeInCache[it.Identity().Key()]; !held {
			unresolved = append(unresolved, it)
		}
	}

	activeDurable := a.checkDurable(ctx, fctx, unresolved)

	survivors := make([]*item.WorkItem, 0, len(items))
	for _, it := range items {
		key := it.Identity().Key()
		if c, held := activeInCache[key]; held {
			slog.Debug("skipping item claimed in cache",
				"path", it.SourcePath, "held_by", c.ExecutionID)
			continue
		}
		if _, held := activeDurable[key]; held {
			slog.Debug("skipping item active in control plane", "path", it.SourcePath)
			continue
		}
		survivors = append(survivors, it)
	}
	return survivors
}

// checkDurable returns composite keys actively processed per the control
// plane. Fail-open on error.
func (a *ActiveLock) checkDurable(ctx context.Context, fctx *Context, items []*item.WorkItem) map[string]struct{} {
	active := map[string]struct{}{}
	if a.controlPlane == nil || len(items) == 0 {
		return active
	}

	identities := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, it := range items {
		if _, dup := seen[it.ProviderID]; dup {
			continue
		}
		seen[it.ProviderID] = struct{}{}
		identities = append(identities, it.ProviderID)
	}

	resp, err := a.controlPlane.CheckActiveProcessing(ctx, fctx.OrganizationID, controlplane.ActiveCheckRequest{
		WorkflowID:         fctx.WorkflowID,
		Identities:         identities,
		CurrentExecutionID: fctx.ExecutionID,
	})
	if err != nil {
		slog.Warn("active-processing check failed, failing open",
			"workflow_id", fctx.WorkflowID, "error", err)
		return active
	}

	byIdentity := map[string][]controlplane.ActiveExecution{}
	for _, ae := range resp.Active {
		byIdentity[ae.Identity] = append(byIdentity[ae.Identity], ae)
	}
	for _, it := range items {
		for _, ae := range byIdentity[it.ProviderID] {
			// An empty path in the record means the whole identity is held.
			if ae.Path == "" || item.NormalizePath(ae.Path) == item.NormalizePath(it.SourcePath) {
				active[it.Identity().Key()] = struct{}{}
				break
			}
		}
	}
	return active
}
