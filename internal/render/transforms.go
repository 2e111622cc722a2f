package render

import (
	"context"
	"fmt"

	"github.com/me/renderq/internal/expr"
)

// Invert replaces each color channel with its complement. Alpha is kept.
var Invert = TransformFunc(func(s *Sample) {
	s.C.R, s.C.G, s.C.B = 255-s.C.R, 255-s.C.G, 255-s.C.B
})

// Grayscale replaces the color with its Rec. 601 luma.
var Grayscale = TransformFunc(func(s *Sample) {
	l := uint8((299*int(s.C.R) + 587*int(s.C.G) + 114*int(s.C.B) + 500) / 1000)
	s.C.R, s.C.G, s.C.B = l, l, l
})

// Brightness adds delta to every color channel, saturating at 0 and 255.
func Brightness(delta int) Transform {
	return TransformFunc(func(s *Sample) {
		s.C.R = clamp(int(s.C.R) + delta)
		s.C.G = clamp(int(s.C.G) + delta)
		s.C.B = clamp(int(s.C.B) + delta)
	})
}

// Threshold maps pixels whose luma is at least level to white, others to black.
func Threshold(level int) Transform {
	return TransformFunc(func(s *Sample) {
		Grayscale(s)
		v := uint8(0)
		if int(s.C.R) >= level {
			v = 255
		}
		s.C.R, s.C.G, s.C.B = v, v, v
	})
}

// ExprError is the panic value raised when a scripted stage fails on a
// pixel. The splitter turns it into the render's error.
type ExprError struct {
	X, Y int
	Err  error
}

func (e *ExprError) Error() string {
	return fmt.Sprintf("expression at (%d, %d): %v", e.X, e.Y, e.Err)
}

func (e *ExprError) Unwrap() error { return e.Err }

// Expr compiles a JavaScript pixel expression into a stage. See package expr
// for the expression language. The stage is a ContextTransform: a render
// that is terminated or suspended interrupts a script still running.
func Expr(src string) (Transform, error) {
	p, err := expr.Compile(src)
	if err != nil {
		return nil, err
	}
	return exprStage{p}, nil
}

type exprStage struct {
	prog *expr.Program
}

func (e exprStage) Apply(s *Sample) {
	e.ApplyContext(context.Background(), s)
}

func (e exprStage) ApplyContext(ctx context.Context, s *Sample) {
	c, err := e.prog.Eval(ctx, s.C, s.X, s.Y)
	if err != nil {
		panic(&ExprError{X: s.X, Y: s.Y, Err: err})
	}
	s.C = c
}

func clamp(v int) uint8 {
	return uint8(max(0, min(255, v)))
}
