package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Zipstack/unstract-sub001/item"
)

// stubFilter drops items whose path is in its drop set and records calls.
type stubFilter struct {
	name  string
	drop  map[string]bool
	calls int
}

func (s *stubFilter) Name() string { return s.name }

func (s *stubFilter) Apply(ctx context.Context, items []*item.WorkItem, fctx *Context) []*item.WorkItem {
	s.calls++
	out := make([]*item.WorkItem, 0, len(items))
	for _, it := range items {
		if !s.drop[it.SourcePath] {
			out = append(out, it)
		}
	}
	return out
}

func paths(items []*item.WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.SourcePath
	}
	return out
}

func makeItems(ps ...string) []*item.WorkItem {
	items := make([]*item.WorkItem, len(ps))
	for i, p := range ps {
		items[i] = &item.WorkItem{ProviderID: "id-" + p, SourcePath: p, Sequence: i}
	}
	return items
}

func TestPipelineAppliesFiltersInOrder(t *testing.T) {
	f1 := &stubFilter{name: "first", drop: map[string]bool{"a": true}}
	f2 := &stubFilter{name: "second", drop: map[string]bool{"b": true}}
	p := NewPipeline(nil, f1, f2)

	out := p.Apply(context.Background(), makeItems("a", "b", "c"), &Context{})
	assert.Equal(t, []string{"c"}, paths(out))
	assert.Equal(t, 1, f1.calls)
	assert.Equal(t, 1, f2.calls)
}

func TestPipelineShortCircuitsOnEmpty(t *testing.T) {
	f1 := &stubFilter{name: "first", drop: map[string]bool{"a": true, "b": true}}
	f2 := &stubFilter{name: "second"}
	p := NewPipeline(nil, f1, f2)

	out := p.Apply(context.Background(), makeItems("a", "b"), &Context{})
	assert.Empty(t, out)
	assert.Equal(t, 0, f2.calls, "later filters must not run on an empty set")
}

func TestPipelineIdempotentOnUnchangedState(t *testing.T) {
	// With unchanged external state, re-running the pipeline over the same
	// set yields identical survivors.
	newPipeline := func() *Pipeline {
		return NewPipeline(nil,
			NewDedup(),
			&stubFilter{name: "history", drop: map[string]bool{"b": true}},
		)
	}

	items := makeItems("a", "b", "c")
	first := newPipeline().Apply(context.Background(), items, &Context{})
	second := newPipeline().Apply(context.Background(), items, &Context{})
	assert.Equal(t, paths(first), paths(second))
}
