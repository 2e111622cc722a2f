// Package expr evaluates per-pixel JavaScript expressions using goja.
//
// An expression sees the sample's channels r, g, b, a (0..255) and its
// coordinates x, y. It may be a bare expression or a code block:
//
//	[255 - r, 255 - g, 255 - b]
//	${ var l = (r + g + b) / 3; return [l, l, l]; }
//
// The result is an array of three or four channel values, or a single number
// applied to r, g and b. Values are rounded and clamped to 0..255.
package expr

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// ErrEmpty is returned by Compile for a blank source.
var ErrEmpty = errors.New("empty expression")

// ErrTrialTimeout is returned by Compile when the expression does not finish
// for the trial pixel in time.
var ErrTrialTimeout = errors.New("expression did not finish for a trial pixel")

// trialTimeout bounds the evaluation Compile runs to validate a program.
var trialTimeout = time.Second

// Program is a compiled pixel expression. It is safe for concurrent use;
// each goroutine borrows its own JavaScript runtime from a pool.
type Program struct {
	src  string
	prog *goja.Program
	pool sync.Pool
}

type machine struct {
	vm *goja.Runtime
	fn goja.Callable
}

// Compile parses src and checks that it evaluates for an opaque black pixel.
func Compile(src string) (*Program, error) {
	body := strings.TrimSpace(src)
	if body == "" {
		return nil, ErrEmpty
	}

	var wrapped string
	if strings.HasPrefix(body, "${") && strings.HasSuffix(body, "}") {
		code := strings.TrimSpace(body[2 : len(body)-1])
		wrapped = fmt.Sprintf("(function(r, g, b, a, x, y) { %s })", code)
	} else {
		wrapped = fmt.Sprintf("(function(r, g, b, a, x, y) { return (%s); })", body)
	}

	prog, err := goja.Compile("pixel", wrapped, true)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	p := &Program{src: src, prog: prog}

	ctx, cancel := context.WithTimeoutCause(context.Background(), trialTimeout, ErrTrialTimeout)
	defer cancel()
	if _, err := p.Eval(ctx, color.RGBA{A: 255}, 0, 0); err != nil {
		return nil, err
	}
	return p, nil
}

// Source returns the expression text as given to Compile.
func (p *Program) Source() string { return p.src }

func (p *Program) acquire() (*machine, error) {
	if m, ok := p.pool.Get().(*machine); ok {
		return m, nil
	}
	vm := goja.New()
	val, err := vm.RunProgram(p.prog)
	if err != nil {
		return nil, fmt.Errorf("JavaScript error: %w", err)
	}
	fn, ok := goja.AssertFunction(val)
	if !ok {
		return nil, fmt.Errorf("expression did not compile to a function")
	}
	return &machine{vm: vm, fn: fn}, nil
}

// Eval runs the expression for one pixel and returns the new color. When ctx
// ends mid-script the runtime is interrupted and the error wraps
// context.Cause(ctx).
func (p *Program) Eval(ctx context.Context, c color.RGBA, x, y int) (color.RGBA, error) {
	if ctx.Err() != nil {
		return c, fmt.Errorf("expression interrupted: %w", context.Cause(ctx))
	}
	m, err := p.acquire()
	if err != nil {
		return c, err
	}
	defer p.release(m)

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		m.vm.Interrupt(context.Cause(ctx))
		close(interrupted)
	})
	val, err := m.fn(goja.Undefined(),
		m.vm.ToValue(c.R), m.vm.ToValue(c.G), m.vm.ToValue(c.B), m.vm.ToValue(c.A),
		m.vm.ToValue(x), m.vm.ToValue(y))
	if !stop() {
		// The interrupt may land after the call returned; let it finish
		// before release clears it.
		<-interrupted
	}
	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return c, fmt.Errorf("expression interrupted: %w", context.Cause(ctx))
		}
		return c, fmt.Errorf("JavaScript error: %w", err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return c, fmt.Errorf("expression returned %v", val)
	}
	return toColor(val.Export(), c)
}

// release clears any pending interrupt and returns m to the pool.
func (p *Program) release(m *machine) {
	m.vm.ClearInterrupt()
	p.pool.Put(m)
}

// toColor converts an exported JavaScript value into a color, keeping
// channels of prev the result does not mention.
func toColor(v any, prev color.RGBA) (color.RGBA, error) {
	switch val := v.(type) {
	case []any:
		if len(val) != 3 && len(val) != 4 {
			return prev, fmt.Errorf("expression returned %d channels, want 3 or 4", len(val))
		}
		ch := make([]uint8, len(val))
		for i, item := range val {
			n, err := channel(item)
			if err != nil {
				return prev, fmt.Errorf("channel %d: %w", i, err)
			}
			ch[i] = n
		}
		out := color.RGBA{R: ch[0], G: ch[1], B: ch[2], A: prev.A}
		if len(ch) == 4 {
			out.A = ch[3]
		}
		return out, nil
	default:
		n, err := channel(v)
		if err != nil {
			return prev, err
		}
		return color.RGBA{R: n, G: n, B: n, A: prev.A}, nil
	}
}

func channel(v any) (uint8, error) {
	var f float64
	switch n := v.(type) {
	case int64:
		f = float64(n)
	case float64:
		f = n
	case bool:
		if n {
			f = 255
		}
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	if math.IsNaN(f) {
		return 0, fmt.Errorf("expected number, got NaN")
	}
	return uint8(math.Max(0, math.Min(255, math.Round(f)))), nil
}
