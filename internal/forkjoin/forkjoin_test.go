package forkjoin

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type cell struct {
	index  int
	visits atomic.Int32
}

type cells []*cell

func (c cells) Size() int          { return len(c) }
func (c cells) ItemAt(i int) *cell { return c[i] }

func newCells(n int) cells {
	out := make(cells, n)
	for i := range out {
		out[i] = &cell{index: i}
	}
	return out
}

func visit(c *cell) { c.visits.Add(1) }

type span struct{ start, stop int }

// leafLog records leaf ranges from concurrent goroutines.
type leafLog struct {
	mu    sync.Mutex
	spans []span
}

func (l *leafLog) hook(start, stop int) {
	l.mu.Lock()
	l.spans = append(l.spans, span{start, stop})
	l.mu.Unlock()
}

func TestRun_ExactCoverage(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		threshold int
	}{
		{"even split", 10000, 2500},
		{"uneven split", 10007, 2500},
		{"threshold one", 97, 1},
		{"threshold above size", 10, 1000},
		{"prime size small threshold", 4099, 7},
		{"single item", 1, 1},
		{"empty", 0, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := newCells(tt.size)
			log := &leafLog{}

			err := Run(context.Background(), batch, 0, tt.size, tt.threshold, visit,
				WithWorkers(4), WithLeafHook(log.hook))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			for _, c := range batch {
				if n := c.visits.Load(); n != 1 {
					t.Fatalf("index %d visited %d times", c.index, n)
				}
			}

			sort.Slice(log.spans, func(i, j int) bool { return log.spans[i].start < log.spans[j].start })
			next := 0
			for _, sp := range log.spans {
				if sp.start != next {
					t.Fatalf("leaf %v leaves a gap or overlap at %d", sp, next)
				}
				if sp.stop-sp.start > tt.threshold {
					t.Errorf("leaf %v larger than threshold %d", sp, tt.threshold)
				}
				next = sp.stop
			}
			if next != tt.size {
				t.Errorf("leaves cover [0, %d), want [0, %d)", next, tt.size)
			}
		})
	}
}

func TestRun_SubRange(t *testing.T) {
	batch := newCells(100)
	if err := Run(context.Background(), batch, 10, 90, 8, visit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, c := range batch {
		want := int32(0)
		if c.index >= 10 && c.index < 90 {
			want = 1
		}
		if got := c.visits.Load(); got != want {
			t.Errorf("index %d visits = %d, want %d", c.index, got, want)
		}
	}
}

func TestRun_InvalidArguments(t *testing.T) {
	batch := newCells(10)
	tests := []struct {
		name                     string
		start, stop, threshold int
	}{
		{"zero threshold", 0, 10, 0},
		{"negative threshold", 0, 10, -3},
		{"stop before start", 5, 4, 2},
		{"negative start", -1, 4, 2},
		{"stop beyond size", 0, 11, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Run(context.Background(), batch, tt.start, tt.stop, tt.threshold, visit)
			if !errors.Is(err, ErrInvalidRange) {
				t.Fatalf("err = %v, want ErrInvalidRange", err)
			}
			for _, c := range batch {
				if c.visits.Load() != 0 {
					t.Fatal("work ran despite invalid arguments")
				}
			}
		})
	}

	if err := Run[*cell](context.Background(), nil, 0, 0, 1, visit); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("nil batch: err = %v, want ErrInvalidRange", err)
	}
}

func TestRun_BoundsWorkers(t *testing.T) {
	const workers = 2
	batch := newCells(256)

	var active, peak atomic.Int32
	fn := func(c *cell) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(50 * time.Microsecond)
		active.Add(-1)
	}

	if err := Run(context.Background(), batch, 0, len(batch), 4, fn, WithWorkers(workers)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The calling goroutine works too.
	if p := peak.Load(); p > workers+1 {
		t.Errorf("peak concurrency %d exceeds %d workers plus caller", p, workers)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	batch := newCells(1000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, batch, 0, len(batch), 10, visit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	for _, c := range batch {
		if c.visits.Load() != 0 {
			t.Fatal("items processed after cancellation")
		}
	}
}

func TestRun_CancelMidway(t *testing.T) {
	batch := newCells(10000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen atomic.Int32
	fn := func(c *cell) {
		if seen.Add(1) == 100 {
			cancel()
		}
	}
	err := Run(ctx, batch, 0, len(batch), 50, fn, WithWorkers(4))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if seen.Load() >= int32(len(batch)) {
		t.Error("cancellation did not stop the run early")
	}
}

func TestRun_PanicInLeaf(t *testing.T) {
	batch := newCells(64)
	fn := func(c *cell) {
		if c.index == 42 {
			panic("bad pixel")
		}
	}
	err := Run(context.Background(), batch, 0, len(batch), 8, fn, WithWorkers(4))

	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PanicError", err)
	}
	if pe.Index != 42 || pe.Value != "bad pixel" {
		t.Errorf("panic = %+v", pe)
	}
}

func TestRun_PanicErrorUnwraps(t *testing.T) {
	bad := errors.New("bad pixel")
	batch := newCells(16)
	err := Run(context.Background(), batch, 0, len(batch), 4, func(c *cell) {
		if c.index == 9 {
			panic(bad)
		}
	})
	if !errors.Is(err, bad) {
		t.Errorf("err = %v, want it to wrap %v", err, bad)
	}

	if (&PanicError{Value: "not an error"}).Unwrap() != nil {
		t.Error("Unwrap of a non-error panic value should be nil")
	}
}

func TestRun_MutationsVisibleAfterReturn(t *testing.T) {
	type px struct{ v int }
	items := make([]*px, 5000)
	for i := range items {
		items[i] = &px{v: i}
	}
	batch := pxBatch[*px](items)

	if err := Run(context.Background(), batch, 0, len(items), 100, func(p *px) { p.v *= 2 }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, p := range items {
		if p.v != i*2 {
			t.Fatalf("item %d = %d, want %d", i, p.v, i*2)
		}
	}
}

type pxBatch[T any] []T

func (b pxBatch[T]) Size() int        { return len(b) }
func (b pxBatch[T]) ItemAt(i int) T { return b[i] }
