package geometry

import (
	"math"
	"slices"

	"echoroi/internal/shape"
)

// Mask is a boolean raster over a window, indexed by window-local (x, y).
type Mask struct {
	Width  int
	Height int
	bits   []bool
}

// NewMask returns an all-false mask.
func NewMask(width, height int) *Mask {
	width = max(width, 0)
	height = max(height, 0)
	return &Mask{Width: width, Height: height, bits: make([]bool, width*height)}
}

// At reports whether (x, y) is inside the shape. Out-of-range is false.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.bits[x*m.Height+y]
}

// Set marks (x, y). Out-of-range coordinates are ignored.
func (m *Mask) Set(x, y int, v bool) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	m.bits[x*m.Height+y] = v
}

// Count returns the number of true pixels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.bits {
		if b {
			n++
		}
	}
	return n
}

// Equal reports whether two masks have the same shape and pixels.
func (m *Mask) Equal(o *Mask) bool {
	return m.Width == o.Width && m.Height == o.Height && slices.Equal(m.bits, o.bits)
}

// Rasterize builds the mask of points over w. Points are absolute array
// coordinates. Two points fill the inclusive rectangle they span; three or
// more are filled as a polygon with the even-odd rule, boundary included.
// Fewer than two points give an empty mask.
func Rasterize(w Window, points []shape.Point) *Mask {
	m := NewMask(w.Width(), w.Height())
	local := shape.Translate(points, -w.XMin, -w.YMin)

	switch {
	case len(local) == 2:
		fillRect(m, local[0], local[1])
	case len(local) > 2:
		fillPolygon(m, local)
	}
	return m
}

// RasterizeGeometry rasterizes a tagged shape over w.
func RasterizeGeometry(w Window, g shape.Geometry) *Mask {
	if g == nil {
		return NewMask(w.Width(), w.Height())
	}
	return Rasterize(w, g.Points())
}

func fillRect(m *Mask, a, b shape.Point) {
	x0, x1 := max(min(a.X, b.X), 0), min(max(a.X, b.X), m.Width-1)
	y0, y1 := max(min(a.Y, b.Y), 0), min(max(a.Y, b.Y), m.Height-1)
	for x := x0; x <= x1; x++ {
		for y := y0; y <= y1; y++ {
			m.bits[x*m.Height+y] = true
		}
	}
}

// fillPolygon scans each row, filling between pairs of edge crossings, then
// marks the lattice points lying on the edges themselves.
func fillPolygon(m *Mask, v []shape.Point) {
	n := len(v)
	xs := make([]float64, 0, n)

	for y := 0; y < m.Height; y++ {
		xs = xs[:0]
		fy := float64(y)
		for i := 0; i < n; i++ {
			a, b := v[i], v[(i+1)%n]
			if a.Y == b.Y {
				continue
			}
			// Half-open rule so a vertex shared by two edges counts once.
			if (a.Y <= y && y < b.Y) || (b.Y <= y && y < a.Y) {
				t := (fy - float64(a.Y)) / float64(b.Y-a.Y)
				xs = append(xs, float64(a.X)+t*float64(b.X-a.X))
			}
		}
		slices.Sort(xs)
		for k := 0; k+1 < len(xs); k += 2 {
			x0 := max(int(math.Ceil(xs[k])), 0)
			x1 := min(int(math.Floor(xs[k+1])), m.Width-1)
			for x := x0; x <= x1; x++ {
				m.bits[x*m.Height+y] = true
			}
		}
	}

	for i := 0; i < n; i++ {
		markSegment(m, v[i], v[(i+1)%n])
	}
}

// markSegment sets every integer point lying exactly on segment a-b.
func markSegment(m *Mask, a, b shape.Point) {
	dx, dy := b.X-a.X, b.Y-a.Y
	g := gcd(abs(dx), abs(dy))
	if g == 0 {
		m.Set(a.X, a.Y, true)
		return
	}
	sx, sy := dx/g, dy/g
	for k := 0; k <= g; k++ {
		m.Set(a.X+k*sx, a.Y+k*sy, true)
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
