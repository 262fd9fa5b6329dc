package filter

import (
	"context"

	"github.com/Zipstack/unstract-sub001/item"
)

// Dedup drops items whose (provider identity, path) pair has already been
// seen in this discovery pass. Purely in-memory, no I/O, so it runs first.
//
// Dedup is stateful across micro-batches: construct one per pass.
type Dedup struct {
	seen map[string]struct{}
}

// NewDedup creates a dedup filter for one discovery pass.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]struct{})}
}

func (d *Dedup) Name() string { return "dedup" }

func (d *Dedup) Apply(ctx context.Context, items []*item.WorkItem, fctx *Context) []*item.WorkItem {
	survivors := make([]*item.WorkItem, 0, len(items))
	for _, it := range items {
		key := it.Identity().Key()
		if _, dup := d.seen[key]; dup {
			continue
		}
		d.seen[key] = struct{}{}
		survivors = append(survivors, it)
	}
	return survivors
}
