// Package filter implements the ordered filter pipeline applied to each
// discovered micro-batch: deduplication, history, and active-lock checks.
//
// The pipeline never fails a run. A filter that cannot consult its
// dependency degrades filtering quality (fail-open or fail-closed per
// filter policy) but always returns a survivor set.
package filter

import (
	"context"

	"github.com/Zipstack/unstract-sub001/hooks"
	"github.com/Zipstack/unstract-sub001/item"
)

// Context carries the run identity every filter needs.
type Context struct {
	WorkflowID     string
	ExecutionID    string
	OrganizationID string
}

// Filter is one stage of the pipeline. Apply returns the surviving subset
// of items, preserving input order.
type Filter interface {
	Name() string
	Apply(ctx context.Context, items []*item.WorkItem, fctx *Context) []*item.WorkItem
}

// Pipeline applies filters in order, cheapest first, short-circuiting to
// empty once any filter eliminates everything.
type Pipeline struct {
	filters []Filter
	hooks   hooks.PipelineHooks
}

// NewPipeline creates a pipeline. Nil hooks means no-op hooks.
func NewPipeline(h hooks.PipelineHooks, filters ...Filter) *Pipeline {
	if h == nil {
		h = &hooks.NoOpHooks{}
	}
	return &Pipeline{filters: filters, hooks: h}
}

// Apply runs every filter over the micro-batch and returns the survivors.
func (p *Pipeline) Apply(ctx context.Context, items []*item.WorkItem, fctx *Context) []*item.WorkItem {
	survivors := items
	for _, f := range p.filters {
		if len(survivors) == 0 {
			return survivors
		}
		in := len(survivors)
		survivors = f.Apply(ctx, survivors, fctx)
		p.hooks.OnFilterApplied(ctx, hooks.FilterAppliedInfo{
			FilterName: f.Name(),
			In:         in,
			Out:        len(survivors),
		})
	}
	return survivors
}
