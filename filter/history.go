package filter

import (
	"context"
	"log/slog"

	"github.com/Zipstack/unstract-sub001/internal/controlplane"
	"github.com/Zipstack/unstract-sub001/item"
)

// HistoryChecker is the control-plane surface the history filter needs.
type HistoryChecker interface {
	CheckFileHistory(ctx context.Context, req controlplane.HistoryCheckRequest) (*controlplane.HistoryCheckResponse, error)
}

// History skips items the control plane records as completed, or as having
// exceeded their execution count, at the same path. Content reused at a
// different path is new work, never a skip.
//
// One batched query per micro-batch. Items that cannot be identified
// (missing provider id or path) are excluded from the skip decision and
// conservatively kept for reprocessing. A failed query passes the whole
// batch through: history is an optimization against rework, and the claim
// lease still prevents concurrent duplication.
type History struct {
	client HistoryChecker

	// maxExecutions is a client-side cutoff applied when the control plane
	// record carries no per-workflow limit. 0 disables it.
	maxExecutions int
}

// NewHistory creates a history filter.
func NewHistory(client HistoryChecker, maxExecutions int) *History {
	return &History{client: client, maxExecutions: maxExecutions}
}

func (h *History) Name() string { return "history" }

func (h *History) Apply(ctx context.Context, items []*item.WorkItem, fctx *Context) []*item.WorkItem {
	refs := make([]controlplane.HistoryItemRef, 0, len(items))
	for _, it := range items {
		if it.ProviderID == "" || it.SourcePath == "" {
			continue
		}
		refs = append(refs, controlplane.HistoryItemRef{
			Identity: it.ProviderID,
			Path:     it.SourcePath,
		})
	}

	var results map[string]controlplane.HistoryRecord
	if len(refs) > 0 {
		resp, err := h.client.CheckFileHistory(ctx, controlplane.HistoryCheckRequest{
			WorkflowID:     fctx.WorkflowID,
			Items:          refs,
			OrganizationID: fctx.OrganizationID,
		})
		if err != nil {
			slog.Warn("history check failed, passing batch through",
				"workflow_id", fctx.WorkflowID, "items", len(refs), "error", err)
			return items
		}
		results = resp.Results
	}

	survivors := make([]*item.WorkItem, 0, len(items))
	for _, it := range items {
		rec, ok := results[it.Identity().Key()]
		if !ok || !rec.Found {
			survivors = append(survivors, it)
			continue
		}
		if !h.samePath(rec.FilePath, it.SourcePath) {
			// Known content at a new path: new work.
			survivors = append(survivors, it)
			continue
		}
		if rec.IsCompleted || h.exceeded(rec) {
			slog.Debug("skipping item per history",
				"path", it.SourcePath, "status", rec.Status,
				"execution_count", rec.ExecutionCount)
			continue
		}
		survivors = append(survivors, it)
	}
	return survivors
}

func (h *History) samePath(recorded, current string) bool {
	if recorded == "" {
		// Older records carry no path; treat as same-path to preserve the
		// original skip semantics for them.
		return true
	}
	return item.NormalizePath(recorded) == item.NormalizePath(current)
}

func (h *History) exceeded(rec controlplane.HistoryRecord) bool {
	if rec.HasExceededLimit {
		return true
	}
	limit := rec.MaxExecutionCount
	if limit == 0 {
		limit = h.maxExecutions
	}
	return limit > 0 && rec.ExecutionCount >= limit
}
