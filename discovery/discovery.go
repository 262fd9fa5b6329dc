// Package discovery enumerates candidate items from a source and streams
// them through the filter pipeline in micro-batches.
//
// Enumeration is lazy: the walk stops as soon as enough filtered survivors
// have accumulated, so a workflow with a hard limit of 100 over a tree of
// millions of files lists only the directories it needs.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/Zipstack/unstract-sub001/filter"
	"github.com/Zipstack/unstract-sub001/hooks"
	"github.com/Zipstack/unstract-sub001/item"
)

// DefaultMicroBatchSize is the number of matches buffered before a filter
// pass when the request does not say otherwise.
const DefaultMicroBatchSize = 50

// ErrNoSource is returned when Discover is called without a source.
var ErrNoSource = errors.New("discovery: no source configured")

// Applier is the part of the filter pipeline the engine needs.
// *filter.Pipeline satisfies it.
type Applier interface {
	Apply(ctx context.Context, items []*item.WorkItem, fctx *filter.Context) []*item.WorkItem
}

// Request describes one discovery pass.
type Request struct {
	// Roots are the source directories to enumerate. Empty means the
	// source root itself.
	Roots []string

	// Patterns are glob patterns matched against entry base names.
	// Empty, or any pattern equal to "*", matches everything.
	Patterns []string

	// Recursive descends into subdirectories. Otherwise only the
	// immediate children of each root are considered.
	Recursive bool

	// HardLimit caps the number of survivors. Zero means unlimited.
	HardLimit int

	// MicroBatchSize is the filter pass granularity. Zero means
	// DefaultMicroBatchSize.
	MicroBatchSize int

	// DestinationHint is copied onto every discovered item.
	DestinationHint string
}

// Result is the outcome of a discovery pass.
type Result struct {
	// Items are the survivors, in discovery order, capped at HardLimit.
	Items []*item.WorkItem

	// Scanned counts every listed entry, directories included.
	Scanned int

	// Matched counts entries that passed pattern matching and entered a
	// micro-batch.
	Matched int

	// Truncated reports that the walk stopped at the hard limit before
	// exhausting the source.
	Truncated bool
}

// Engine walks a source and filters what it finds.
type Engine struct {
	source   Source
	pipeline Applier
	hooks    hooks.PipelineHooks
	logger   *slog.Logger
}

// NewEngine creates a discovery engine. A nil pipeline passes everything
// through; nil hooks means no-op hooks.
func NewEngine(source Source, pipeline Applier, h hooks.PipelineHooks) *Engine {
	if h == nil {
		h = &hooks.NoOpHooks{}
	}
	return &Engine{
		source:   source,
		pipeline: pipeline,
		hooks:    h,
		logger:   slog.Default().With("component", "discovery"),
	}
}

// Discover enumerates the request's roots and returns the filtered
// survivors. On a fatal error (context cancellation) the partial result
// gathered so far is returned alongside the error.
func (e *Engine) Discover(ctx context.Context, req Request, fctx *filter.Context) (Result, error) {
	if e.source == nil {
		return Result{}, ErrNoSource
	}

	start := time.Now()
	e.hooks.OnDiscoveryStart(ctx, hooks.DiscoveryStartInfo{
		WorkflowID:  fctx.WorkflowID,
		ExecutionID: fctx.ExecutionID,
		Roots:       req.Roots,
		HardLimit:   req.HardLimit,
	})

	w := &walk{
		engine:    e,
		req:       req,
		fctx:      fctx,
		batchSize: req.MicroBatchSize,
		limit:     req.HardLimit,
	}
	if w.batchSize <= 0 {
		w.batchSize = DefaultMicroBatchSize
	}

	roots := req.Roots
	if len(roots) == 0 {
		roots = []string{""}
	}
	var walkErr error
	for _, root := range roots {
		if err := w.walkDir(ctx, strings.Trim(root, "/"), req.Recursive); err != nil {
			walkErr = err
			break
		}
		if w.done {
			break
		}
	}
	if !w.done {
		w.flush(ctx)
	}

	res := w.result
	e.hooks.OnDiscoveryComplete(ctx, hooks.DiscoveryCompleteInfo{
		WorkflowID:  fctx.WorkflowID,
		ExecutionID: fctx.ExecutionID,
		Scanned:     res.Scanned,
		Matched:     res.Matched,
		Survivors:   len(res.Items),
		Duration:    time.Since(start),
	})
	return res, walkErr
}

// walk carries the mutable state of one discovery pass.
type walk struct {
	engine    *Engine
	req       Request
	fctx      *filter.Context
	batchSize int
	limit     int

	result Result
	buffer []*item.WorkItem
	seq    int
	done   bool
}

func (w *walk) walkDir(ctx context.Context, dir string, recurse bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := w.engine.source.ListDir(ctx, dir)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// An unreadable directory degrades the pass, it does not end it.
		w.engine.logger.Warn("skipping unreadable directory",
			"dir", dir, "error", err)
		return nil
	}

	var subdirs []string
	for _, entry := range entries {
		w.result.Scanned++
		if entry.IsDir {
			if recurse {
				subdirs = append(subdirs, entry.Path)
			}
			continue
		}
		if !matchPatterns(w.req.Patterns, entry.Name) {
			continue
		}
		w.result.Matched++
		w.buffer = append(w.buffer, &item.WorkItem{
			SourcePath:      entry.Path,
			ProviderID:      entry.ProviderID,
			Size:            entry.Size,
			MimeType:        entry.MimeType,
			Sequence:        w.seq,
			DestinationHint: w.req.DestinationHint,
		})
		w.seq++
		if w.shouldFlush() {
			w.flush(ctx)
			if w.done {
				return nil
			}
		}
	}

	for _, sub := range subdirs {
		if err := w.walkDir(ctx, sub, recurse); err != nil {
			return err
		}
		if w.done {
			return nil
		}
	}
	return nil
}

// shouldFlush reports that the buffer is worth a filter pass: either a
// full micro-batch, or already enough raw matches to satisfy the limit.
// The second condition keeps a small hard limit from waiting on a large
// micro-batch and enumerating directories it will never use.
func (w *walk) shouldFlush() bool {
	if len(w.buffer) >= w.batchSize {
		return true
	}
	return w.limit > 0 && len(w.result.Items)+len(w.buffer) >= w.limit
}

func (w *walk) flush(ctx context.Context) {
	if len(w.buffer) == 0 {
		return
	}
	survivors := w.buffer
	if w.engine.pipeline != nil {
		survivors = w.engine.pipeline.Apply(ctx, w.buffer, w.fctx)
	}
	w.buffer = w.buffer[:0]

	w.result.Items = append(w.result.Items, survivors...)
	if w.limit > 0 && len(w.result.Items) >= w.limit {
		if len(w.result.Items) > w.limit {
			w.result.Items = w.result.Items[:w.limit]
		}
		w.result.Truncated = true
		w.done = true
	}
}

// matchPatterns reports whether name matches any pattern. An empty pattern
// list, or a "*" pattern, matches everything. A malformed pattern matches
// nothing but is not fatal.
func matchPatterns(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "*" || p == "" {
			return true
		}
		ok, err := path.Match(p, name)
		if err != nil {
			slog.Warn("ignoring malformed pattern", "pattern", p)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}
