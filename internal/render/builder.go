// Package render builds jobs that push a transform pipeline over every pixel
// of a buffer with the fork/join splitter.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/renderq/internal/forkjoin"
	"github.com/me/renderq/internal/jobs"
	"github.com/me/renderq/internal/logging"
)

// DefaultThreshold is the largest pixel range a single leaf processes.
const DefaultThreshold = 4096

// ErrNoDuration is returned by Handle.Elapsed before a run has completed.
var ErrNoDuration = errors.New("render has not completed")

// Builder assembles a render Handle.
type Builder struct {
	reason    string
	target    *Buffer
	source    *Buffer
	pipeline  Pipeline
	threshold int
	workers   int
	logger    *slog.Logger
}

// NewBuilder starts a render of pipeline into target. By default the target
// is also the source, so the pipeline transforms it in place.
func NewBuilder(reason string, target *Buffer, pipeline Pipeline) *Builder {
	return &Builder{
		reason:    reason,
		target:    target,
		pipeline:  pipeline,
		threshold: DefaultThreshold,
	}
}

// Threshold sets the largest range a leaf handles without splitting.
func (b *Builder) Threshold(n int) *Builder {
	b.threshold = n
	return b
}

// Workers bounds the goroutines a run forks. n <= 0 selects runtime.NumCPU().
func (b *Builder) Workers(n int) *Builder {
	b.workers = n
	return b
}

// Source renders from src instead of the target's current contents. src must
// match the target's size and is only read.
func (b *Builder) Source(src *Buffer) *Builder {
	b.source = src
	return b
}

// Logger sets the logger for run diagnostics.
func (b *Builder) Logger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// Build validates the configuration and returns a reusable handle.
func (b *Builder) Build() (*Handle, error) {
	if b.target == nil {
		return nil, fmt.Errorf("%w: render %q has no target buffer", jobs.ErrInvalidArgument, b.reason)
	}
	if b.threshold <= 0 {
		return nil, fmt.Errorf("%w: threshold %d must be positive", forkjoin.ErrInvalidRange, b.threshold)
	}
	src := b.source
	if src == nil {
		src = b.target
	}
	if src.Width() != b.target.Width() || src.Height() != b.target.Height() {
		return nil, fmt.Errorf("%w: source %dx%d does not match target %dx%d", jobs.ErrInvalidArgument,
			src.Width(), src.Height(), b.target.Width(), b.target.Height())
	}
	return &Handle{
		reason:    b.reason,
		target:    b.target,
		source:    src,
		pipeline:  append(Pipeline(nil), b.pipeline...),
		threshold: b.threshold,
		workers:   b.workers,
		logger:    logging.Component(b.logger, "render").With("reason", b.reason),
	}, nil
}

// BuildRenderJob builds a handle with the default threshold and workers.
func BuildRenderJob(reason string, target *Buffer, pipeline Pipeline) (*Handle, error) {
	return NewBuilder(reason, target, pipeline).Build()
}

// Handle runs a configured render, directly or as a queue job.
type Handle struct {
	reason    string
	target    *Buffer
	source    *Buffer
	pipeline  Pipeline
	threshold int
	workers   int
	logger    *slog.Logger

	mu       sync.Mutex
	duration time.Duration
	finished bool
}

// Reason returns the diagnostic name of the render.
func (h *Handle) Reason() string { return h.reason }

// Target returns the buffer the render writes into.
func (h *Handle) Target() *Buffer { return h.target }

// Run renders synchronously on the caller's goroutine, bypassing the queue.
// The target is only written once every pixel has been transformed, so a
// cancelled run leaves it untouched.
func (h *Handle) Run(ctx context.Context) error {
	return h.run(ctx, nil)
}

// Duration returns the elapsed time of the last completed run. The second
// result is false until a run has completed.
func (h *Handle) Duration() (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.duration, h.finished
}

// Elapsed is Duration with ErrNoDuration in place of the boolean.
func (h *Handle) Elapsed() (time.Duration, error) {
	d, ok := h.Duration()
	if !ok {
		return 0, ErrNoDuration
	}
	return d, nil
}

// Job wraps the render as a queue job named after the reason. Its control
// object is the target buffer, so a newer render of the same buffer preempts
// this one. A suspended render restarts from the source when resumed.
func (h *Handle) Job(opts ...jobs.Option) (*jobs.Job, error) {
	opts = append([]jobs.Option{jobs.WithControl(h.target)}, opts...)
	return jobs.New(h.reason, h.run, opts...)
}

func (h *Handle) run(ctx context.Context, p jobs.Progress) error {
	start := time.Now()

	batch := NewResultBatch(h.source)
	total := int64(batch.Size())
	step := int64(h.threshold)
	var processed atomic.Int64

	apply := func(s *Sample) {
		h.pipeline.ApplyContext(ctx, s)
		if p == nil {
			return
		}
		// Roughly once per leaf; 100 is reserved for completion.
		if n := processed.Add(1); n%step == 0 || n == total {
			p.Report(int(min(99, n*100/total)), fmt.Sprintf("%s: %d/%d pixels", h.reason, n, total))
		}
	}

	err := forkjoin.Run(ctx, batch, 0, batch.Size(), h.threshold, apply, forkjoin.WithWorkers(h.workers))
	if err != nil {
		h.logger.Debug("render stopped", "error", err, "elapsed", time.Since(start).String())
		return err
	}
	if err := batch.WriteTo(h.target); err != nil {
		return err
	}

	elapsed := time.Since(start)
	h.mu.Lock()
	h.duration = elapsed
	h.finished = true
	h.mu.Unlock()

	h.logger.Debug("render complete", "pixels", total, "elapsed", elapsed.String())
	return nil
}
