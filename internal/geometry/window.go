// Package geometry computes extraction windows around ROI bounding boxes and
// rasterizes ROI shapes into pixel masks over those windows.
//
// Windows are inclusive on both ends and always lie inside the array extent:
// 0 <= XMin <= XMax <= XLen-1 and likewise for Y.
package geometry

import (
	"errors"
	"fmt"

	"echoroi/internal/shape"
)

// ErrInvalidArguments is returned when a window cannot be resolved from the
// supplied strategy, extent or bounding box.
var ErrInvalidArguments = errors.New("geometry: invalid arguments")

// Extent is the size of the full array along time (X) and depth (Y).
type Extent struct {
	XLen int
	YLen int
}

// Size is a requested window size in pixels.
type Size struct {
	Width  int
	Height int
}

// Window is an inclusive pixel range over the array.
type Window struct {
	XMin int
	XMax int
	YMin int
	YMax int
}

// Width is the number of columns (time samples) in the window.
func (w Window) Width() int { return w.XMax - w.XMin + 1 }

// Height is the number of rows (depth samples) in the window.
func (w Window) Height() int { return w.YMax - w.YMin + 1 }

// Contains reports whether the bounding box lies inside the window.
func (w Window) Contains(b shape.BBox) bool {
	return b.TMin >= w.XMin && b.TMax <= w.XMax && b.ZMin >= w.YMin && b.ZMax <= w.YMax
}

// Within reports whether the window lies inside the extent.
func (w Window) Within(e Extent) bool {
	return w.XMin >= 0 && w.XMin <= w.XMax && w.XMax < e.XLen &&
		w.YMin >= 0 && w.YMin <= w.YMax && w.YMax < e.YLen
}

func (w Window) String() string {
	return fmt.Sprintf("[%d:%d]x[%d:%d]", w.XMin, w.XMax, w.YMin, w.YMax)
}

// Strategy selects how a window is grown around a bounding box. Exactly one
// of Padding or Size must be set.
type Strategy struct {
	Padding *int
	Size    *Size
}

// WithPadding returns a padding strategy.
func WithPadding(p int) Strategy {
	return Strategy{Padding: &p}
}

// WithSize returns a fixed-size strategy.
func WithSize(width, height int) Strategy {
	return Strategy{Size: &Size{Width: width, Height: height}}
}

func (s Strategy) String() string {
	switch {
	case s.Padding != nil && s.Size == nil:
		return fmt.Sprintf("padding=%d", *s.Padding)
	case s.Size != nil && s.Padding == nil:
		return fmt.Sprintf("size=%dx%d", s.Size.Width, s.Size.Height)
	default:
		return "invalid"
	}
}

// Resolve computes the window for bbox inside extent.
//
// With padding, every edge is pushed out by the padding and clamped to the
// extent on its own, so a box near an edge loses padding on that side only.
//
// With a fixed size, the window is centred on the bbox centre and shifted
// back inside the extent when it overhangs. A dimension larger than the
// extent is clamped to the extent, so the result can be smaller than
// requested along that axis; it is exact otherwise.
func Resolve(b shape.BBox, e Extent, s Strategy) (Window, error) {
	if (s.Padding == nil) == (s.Size == nil) {
		return Window{}, fmt.Errorf("%w: exactly one of padding or size must be given", ErrInvalidArguments)
	}
	if e.XLen <= 0 || e.YLen <= 0 {
		return Window{}, fmt.Errorf("%w: empty extent %dx%d", ErrInvalidArguments, e.XLen, e.YLen)
	}
	if b.TMin > b.TMax || b.ZMin > b.ZMax {
		return Window{}, fmt.Errorf("%w: inverted bbox %+v", ErrInvalidArguments, b)
	}
	if b.TMin < 0 || b.ZMin < 0 || b.TMax >= e.XLen || b.ZMax >= e.YLen {
		return Window{}, fmt.Errorf("%w: bbox %+v outside extent %dx%d", ErrInvalidArguments, b, e.XLen, e.YLen)
	}

	if s.Padding != nil {
		p := *s.Padding
		if p < 0 {
			return Window{}, fmt.Errorf("%w: negative padding %d", ErrInvalidArguments, p)
		}
		return Window{
			XMin: max(0, b.TMin-p),
			XMax: min(e.XLen-1, b.TMax+p),
			YMin: max(0, b.ZMin-p),
			YMax: min(e.YLen-1, b.ZMax+p),
		}, nil
	}

	if s.Size.Width <= 0 || s.Size.Height <= 0 {
		return Window{}, fmt.Errorf("%w: non-positive size %dx%d", ErrInvalidArguments, s.Size.Width, s.Size.Height)
	}
	c := b.Center()
	xmin, xmax := fixedSpan(c.X, s.Size.Width, e.XLen)
	ymin, ymax := fixedSpan(c.Y, s.Size.Height, e.YLen)
	return Window{XMin: xmin, XMax: xmax, YMin: ymin, YMax: ymax}, nil
}

// fixedSpan centres an inclusive span of size pixels on center and shifts it
// inside [0, length). For even sizes the low side gets the smaller half.
func fixedSpan(center, size, length int) (lo, hi int) {
	if size >= length {
		return 0, length - 1
	}
	half := size / 2
	odd := size % 2
	lo = center - half + (1 - odd)
	hi = center + (size - half) - odd

	if lo < 0 {
		hi -= lo
		lo = 0
	}
	if hi > length-1 {
		lo -= hi - (length - 1)
		hi = length - 1
	}
	return lo, hi
}
