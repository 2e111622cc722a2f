package render

import (
	"context"
	"fmt"
	"image/color"
)

// Sample is one pixel being transformed in place.
type Sample struct {
	X, Y int
	C    color.RGBA
}

// Transform mutates a sample. It must touch nothing but the sample it is
// given; a render calls it from several goroutines at once.
type Transform interface {
	Apply(s *Sample)
}

// ContextTransform is a Transform that can stop early when the render's
// context ends. Stages that may run long per sample implement it.
type ContextTransform interface {
	Transform
	ApplyContext(ctx context.Context, s *Sample)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(s *Sample)

func (f TransformFunc) Apply(s *Sample) { f(s) }

// Pipeline applies its stages in order.
type Pipeline []Transform

func (p Pipeline) Apply(s *Sample) {
	p.ApplyContext(context.Background(), s)
}

// ApplyContext applies the stages in order, handing ctx to those that
// accept it.
func (p Pipeline) ApplyContext(ctx context.Context, s *Sample) {
	for _, t := range p {
		if ct, ok := t.(ContextTransform); ok {
			ct.ApplyContext(ctx, s)
			continue
		}
		t.Apply(s)
	}
}

// ResultBatch holds one sample per pixel of a buffer in row-major order. It
// implements forkjoin.Batch[*Sample]; distinct indices never alias.
type ResultBatch struct {
	width, height int
	samples       []Sample
}

// NewResultBatch snapshots src into a batch of its size.
func NewResultBatch(src *Buffer) *ResultBatch {
	w, h := src.Width(), src.Height()
	b := &ResultBatch{width: w, height: h, samples: make([]Sample, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			b.samples[y*w+x] = Sample{X: x, Y: y, C: src.At(x, y)}
		}
	}
	return b
}

// Size returns the number of samples.
func (b *ResultBatch) Size() int { return len(b.samples) }

// ItemAt returns a pointer to sample i.
func (b *ResultBatch) ItemAt(i int) *Sample { return &b.samples[i] }

// WriteTo stores every sample into dst, which must have the batch's size.
func (b *ResultBatch) WriteTo(dst *Buffer) error {
	if dst.Width() != b.width || dst.Height() != b.height {
		return fmt.Errorf("write %dx%d batch into %dx%d buffer", b.width, b.height, dst.Width(), dst.Height())
	}
	for _, s := range b.samples {
		dst.Set(s.X, s.Y, s.C)
	}
	return nil
}
