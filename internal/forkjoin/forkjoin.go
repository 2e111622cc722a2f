// Package forkjoin provides a recursive parallel-for over an index range.
// Run splits [start, stop) at its midpoint until pieces are no larger than
// the threshold, runs the halves concurrently and joins them before it
// returns, so every index is visited exactly once.
package forkjoin

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrInvalidRange is returned before any work starts when the range or
// threshold cannot be split.
var ErrInvalidRange = errors.New("invalid range")

// Batch is a range-indexable collection of work items.
type Batch[T any] interface {
	Size() int
	ItemAt(i int) T
}

// PanicError wraps a panic raised inside a leaf.
type PanicError struct {
	Index int
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("leaf panicked at index %d: %v", e.Index, e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Config controls how much parallelism a Run may use.
type Config struct {
	// Workers bounds the goroutines forked by one Run, in addition to the
	// caller's. Default: runtime.NumCPU()
	Workers int

	// LeafHook, if set, is called once per leaf range before it runs.
	LeafHook func(start, stop int)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Workers: runtime.NumCPU()}
}

// Option adjusts a Config.
type Option func(*Config)

// WithWorkers sets the worker bound. n <= 0 selects runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// WithLeafHook observes leaf ranges, mostly for tests and tracing.
func WithLeafHook(fn func(start, stop int)) Option {
	return func(c *Config) { c.LeafHook = fn }
}

// Run applies fn to batch.ItemAt(i) for every i in [start, stop). Ranges
// longer than threshold are split in half and the halves processed
// concurrently; Run returns only after every forked goroutine has finished.
// ctx is checked at each split and before each item. The first error from a
// leaf (or ctx) is returned.
func Run[T any](ctx context.Context, batch Batch[T], start, stop, threshold int, fn func(T), opts ...Option) error {
	if batch == nil || fn == nil {
		return fmt.Errorf("%w: nil batch or transform", ErrInvalidRange)
	}
	if threshold <= 0 {
		return fmt.Errorf("%w: threshold %d must be positive", ErrInvalidRange, threshold)
	}
	if start < 0 || stop < start {
		return fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, start, stop)
	}
	if size := batch.Size(); stop > size {
		return fmt.Errorf("%w: stop %d exceeds batch size %d", ErrInvalidRange, stop, size)
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	s := &splitter[T]{
		batch:     batch,
		fn:        fn,
		threshold: threshold,
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		leafHook:  cfg.LeafHook,
	}
	return s.run(ctx, start, stop)
}

type splitter[T any] struct {
	batch     Batch[T]
	fn        func(T)
	threshold int
	sem       *semaphore.Weighted
	leafHook  func(start, stop int)
}

func (s *splitter[T]) run(ctx context.Context, start, stop int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if stop-start <= s.threshold {
		return s.leaf(ctx, start, stop)
	}

	mid := start + (stop-start)/2

	// No free worker slot: both halves run on this goroutine.
	if !s.sem.TryAcquire(1) {
		if err := s.run(ctx, start, mid); err != nil {
			return err
		}
		return s.run(ctx, mid, stop)
	}

	splitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(splitCtx)
	g.Go(func() error {
		defer s.sem.Release(1)
		return s.run(gctx, start, mid)
	})
	rightErr := s.run(gctx, mid, stop)
	if rightErr != nil {
		cancel()
	}
	leftErr := g.Wait()
	return firstCause(leftErr, rightErr)
}

// firstCause prefers a real failure over the cancellation it triggered.
func firstCause(errs ...error) error {
	var fallback error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
		if fallback == nil {
			fallback = err
		}
	}
	return fallback
}

func (s *splitter[T]) leaf(ctx context.Context, start, stop int) (err error) {
	if s.leafHook != nil {
		s.leafHook(start, stop)
	}
	i := start
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Index: i, Value: v, Stack: debug.Stack()}
		}
	}()
	for ; i < stop; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.fn(s.batch.ItemAt(i))
	}
	return nil
}
