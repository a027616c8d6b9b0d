package extract

import (
	"fmt"
	"math"

	"echoroi/internal/geometry"
	"echoroi/internal/grid"
)

// Result is the masked data of one ROI over its window.
//
// Data holds one slice per channel, each indexed [x*Height+y] relative to the
// window origin; cells outside the mask are NaN. Mask may be shared with
// other results and must not be modified.
type Result struct {
	ID       string
	Window   geometry.Window
	Width    int
	Height   int
	Channels []float64
	Data     [][]float64
	Mask     *geometry.Mask
}

// At returns the value of channel index c at window-local (x, y).
func (r *Result) At(c, x, y int) float64 {
	return r.Data[c][x*r.Height+y]
}

// Pixel is one fully-populated ROI pixel in absolute array coordinates.
type Pixel struct {
	X      int
	Y      int
	Values []float64
}

// Stack flattens the result into a pixel × channel table, dropping every
// pixel that is NaN in any channel. Pixels are ordered by x, then y.
func (r *Result) Stack() []Pixel {
	var pixels []Pixel
	for x := 0; x < r.Width; x++ {
	cells:
		for y := 0; y < r.Height; y++ {
			values := make([]float64, len(r.Data))
			for c := range r.Data {
				v := r.At(c, x, y)
				if math.IsNaN(v) {
					continue cells
				}
				values[c] = v
			}
			pixels = append(pixels, Pixel{X: x + r.Window.XMin, Y: y + r.Window.YMin, Values: values})
		}
	}
	return pixels
}

// DeltaSv subtracts the reference channel from every other channel. The
// returned result carries the remaining channels in their original order.
func (r *Result) DeltaSv(ref float64) (*Result, error) {
	if len(r.Channels) < 2 {
		return nil, fmt.Errorf("%w: ΔSv needs at least 2 channels, have %d", grid.ErrChannel, len(r.Channels))
	}
	refIdx := -1
	for i, c := range r.Channels {
		if c == ref {
			refIdx = i
			break
		}
	}
	if refIdx < 0 {
		return nil, fmt.Errorf("%w: reference %g not in %v", grid.ErrChannel, ref, r.Channels)
	}

	out := &Result{
		ID:     r.ID,
		Window: r.Window,
		Width:  r.Width,
		Height: r.Height,
		Mask:   r.Mask,
	}
	base := r.Data[refIdx]
	for i, c := range r.Channels {
		if i == refIdx {
			continue
		}
		diff := make([]float64, len(base))
		for j, v := range r.Data[i] {
			diff[j] = v - base[j]
		}
		out.Channels = append(out.Channels, c)
		out.Data = append(out.Data, diff)
	}
	return out, nil
}
