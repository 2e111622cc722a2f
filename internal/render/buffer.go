package render

import (
	"image"
	"image/color"
	"image/draw"
)

// Buffer is a pixel buffer a render job reads from or writes into. Its
// pointer identity is the control object of jobs that target it.
type Buffer struct {
	img *image.RGBA
}

// NewBuffer allocates a transparent w x h buffer.
func NewBuffer(w, h int) *Buffer {
	return &Buffer{img: image.NewRGBA(image.Rect(0, 0, max(0, w), max(0, h)))}
}

// FromImage copies img into a new buffer whose origin is (0, 0).
func FromImage(img image.Image) *Buffer {
	b := img.Bounds()
	buf := NewBuffer(b.Dx(), b.Dy())
	draw.Draw(buf.img, buf.img.Bounds(), img, b.Min, draw.Src)
	return buf
}

// Width returns the buffer width in pixels.
func (b *Buffer) Width() int { return b.img.Rect.Dx() }

// Height returns the buffer height in pixels.
func (b *Buffer) Height() int { return b.img.Rect.Dy() }

// Len returns the number of pixels.
func (b *Buffer) Len() int { return b.Width() * b.Height() }

// At returns the color at (x, y).
func (b *Buffer) At(x, y int) color.RGBA { return b.img.RGBAAt(x, y) }

// Set stores c at (x, y).
func (b *Buffer) Set(x, y int, c color.RGBA) { b.img.SetRGBA(x, y, c) }

// Image exposes the underlying image for encoding or drawing.
func (b *Buffer) Image() *image.RGBA { return b.img }

// Clone returns an independent copy.
func (b *Buffer) Clone() *Buffer {
	out := NewBuffer(b.Width(), b.Height())
	copy(out.img.Pix, b.img.Pix)
	return out
}

// Gradient returns a synthetic w x h source: red rises left to right, green
// top to bottom, and blue is their mean.
func Gradient(w, h int) *Buffer {
	buf := NewBuffer(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r := scale(x, w)
			g := scale(y, h)
			buf.Set(x, y, color.RGBA{R: r, G: g, B: uint8((int(r) + int(g)) / 2), A: 255})
		}
	}
	return buf
}

func scale(v, n int) uint8 {
	if n <= 1 {
		return 0
	}
	return uint8(v * 255 / (n - 1))
}
