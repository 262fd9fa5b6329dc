package filter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Zipstack/unstract-sub001/internal/controlplane"
	"github.com/Zipstack/unstract-sub001/item"
)

type fakeHistory struct {
	results map[string]controlplane.HistoryRecord
	err     error
	calls   int
	lastReq controlplane.HistoryCheckRequest
}

func (f *fakeHistory) CheckFileHistory(ctx context.Context, req controlplane.HistoryCheckRequest) (*controlplane.HistoryCheckResponse, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &controlplane.HistoryCheckResponse{Results: f.results}, nil
}

func TestHistorySkipsCompletedAtSamePath(t *testing.T) {
	fake := &fakeHistory{results: map[string]controlplane.HistoryRecord{
		"id-a::in/a.pdf": {Found: true, IsCompleted: true, Status: "COMPLETED", FilePath: "in/a.pdf"},
	}}
	h := NewHistory(fake, 0)

	items := []*item.WorkItem{
		{ProviderID: "id-a", SourcePath: "in/a.pdf"},
		{ProviderID: "id-b", SourcePath: "in/b.pdf"},
	}
	out := h.Apply(context.Background(), items, &Context{WorkflowID: "wf-1"})
	assert.Equal(t, []string{"in/b.pdf"}, paths(out))
}

func TestHistoryContentAtNewPathIsNewWork(t *testing.T) {
	fake := &fakeHistory{results: map[string]controlplane.HistoryRecord{
		"id-a::archive/a.pdf": {Found: true, IsCompleted: true, FilePath: "in/a.pdf"},
	}}
	h := NewHistory(fake, 0)

	items := []*item.WorkItem{{ProviderID: "id-a", SourcePath: "archive/a.pdf"}}
	out := h.Apply(context.Background(), items, &Context{})
	assert.Len(t, out, 1, "completed content moved to a new path must be reprocessed")
}

func TestHistorySkipsExceededExecutionCount(t *testing.T) {
	fake := &fakeHistory{results: map[string]controlplane.HistoryRecord{
		"id-a::in/a.pdf": {Found: true, FilePath: "in/a.pdf", ExecutionCount: 3, MaxExecutionCount: 3},
		"id-b::in/b.pdf": {Found: true, FilePath: "in/b.pdf", ExecutionCount: 2, MaxExecutionCount: 3},
		"id-c::in/c.pdf": {Found: true, FilePath: "in/c.pdf", HasExceededLimit: true},
	}}
	h := NewHistory(fake, 0)

	items := []*item.WorkItem{
		{ProviderID: "id-a", SourcePath: "in/a.pdf"},
		{ProviderID: "id-b", SourcePath: "in/b.pdf"},
		{ProviderID: "id-c", SourcePath: "in/c.pdf"},
	}
	out := h.Apply(context.Background(), items, &Context{})
	assert.Equal(t, []string{"in/b.pdf"}, paths(out))
}

func TestHistoryClientSideCutoff(t *testing.T) {
	fake := &fakeHistory{results: map[string]controlplane.HistoryRecord{
		"id-a::in/a.pdf": {Found: true, FilePath: "in/a.pdf", ExecutionCount: 2},
	}}

	// Record carries no limit; filter-level cutoff of 2 applies.
	h := NewHistory(fake, 2)
	out := h.Apply(context.Background(),
		[]*item.WorkItem{{ProviderID: "id-a", SourcePath: "in/a.pdf"}}, &Context{})
	assert.Empty(t, out)
}

func TestHistoryMalformedItemConservativelyKept(t *testing.T) {
	fake := &fakeHistory{results: map[string]controlplane.HistoryRecord{}}
	h := NewHistory(fake, 0)

	items := []*item.WorkItem{
		{ProviderID: "", SourcePath: "in/ghost.pdf"}, // no identity
		{ProviderID: "id-b", SourcePath: "in/b.pdf"},
	}
	out := h.Apply(context.Background(), items, &Context{})
	assert.Equal(t, []string{"in/ghost.pdf", "in/b.pdf"}, paths(out))
	// The malformed item must not be sent to the control plane.
	assert.Len(t, fake.lastReq.Items, 1)
}

func TestHistoryFailsOpenOnDependencyError(t *testing.T) {
	fake := &fakeHistory{err: errors.New("control plane down")}
	h := NewHistory(fake, 0)

	items := makeItems("a", "b")
	out := h.Apply(context.Background(), items, &Context{})
	assert.Len(t, out, 2, "a failed history check must not abort the run")
}

func TestHistoryOneQueryPerMicroBatch(t *testing.T) {
	fake := &fakeHistory{results: map[string]controlplane.HistoryRecord{}}
	h := NewHistory(fake, 0)

	h.Apply(context.Background(), makeItems("a", "b", "c", "d"), &Context{})
	assert.Equal(t, 1, fake.calls, "history must batch, never query per item")
}
