// Package shape defines the ROI shape record tracked by the registry.
//
// A shape is a rectangle (two opposite corners) or a simple polygon (three or
// more ordered vertices) drawn over a time x depth echogram. Points are
// absolute array coordinates: X is the time (ping) index and Y is the depth
// sample index.
package shape

import (
	"errors"
	"fmt"
	"time"
)

// ErrDegenerate is returned when a point list cannot describe a shape.
var ErrDegenerate = errors.New("shape: fewer than two points")

// Point is an integer pixel coordinate.
type Point struct {
	X int
	Y int
}

// Kind is the shape type derived from the number of points.
type Kind string

const (
	// KindRectangle is an axis-aligned rectangle given by two corners.
	KindRectangle Kind = "rectangle"
	// KindPolygon is a simple polygon given by its ordered vertices.
	KindPolygon Kind = "polygon"
)

// ParseKind converts a stored shape type.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRectangle, KindPolygon:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("shape: unknown shape type %q", s)
	}
}

// Status is the last reconciliation classification of a shape.
type Status string

const (
	StatusNew       Status = "new"
	StatusModified  Status = "modified"
	StatusUnchanged Status = "unchanged"
	StatusDeleted   Status = "deleted"
)

// Statuses lists every status in report order.
var Statuses = []Status{StatusNew, StatusModified, StatusUnchanged, StatusDeleted}

// ParseStatus converts a stored status.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("shape: unknown status %q", s)
}

// Active reports whether the status counts as present in the registry.
func (s Status) Active() bool {
	return s != StatusDeleted
}

// BBox is an inclusive bounding box: TMin..TMax on the time axis and
// ZMin..ZMax on the depth axis.
type BBox struct {
	TMin int
	TMax int
	ZMin int
	ZMax int
}

// Width is the number of time samples covered.
func (b BBox) Width() int { return b.TMax - b.TMin + 1 }

// Height is the number of depth samples covered.
func (b BBox) Height() int { return b.ZMax - b.ZMin + 1 }

// Center returns the floor-divided centre of the box.
func (b BBox) Center() Point {
	return Point{X: floorDiv(b.TMin+b.TMax, 2), Y: floorDiv(b.ZMin+b.ZMax, 2)}
}

// Contains reports whether p lies inside the box.
func (b BBox) Contains(p Point) bool {
	return p.X >= b.TMin && p.X <= b.TMax && p.Y >= b.ZMin && p.Y <= b.ZMax
}

// BoundsOf computes the bounding box of a non-empty point list.
func BoundsOf(points []Point) (BBox, error) {
	if len(points) == 0 {
		return BBox{}, ErrDegenerate
	}
	b := BBox{TMin: points[0].X, TMax: points[0].X, ZMin: points[0].Y, ZMax: points[0].Y}
	for _, p := range points[1:] {
		b.TMin = min(b.TMin, p.X)
		b.TMax = max(b.TMax, p.X)
		b.ZMin = min(b.ZMin, p.Y)
		b.ZMax = max(b.ZMax, p.Y)
	}
	return b, nil
}

// Geometry is the tagged shape variant, decided once from the point count.
type Geometry interface {
	Kind() Kind
	Points() []Point
	Bounds() BBox
}

// Rectangle is an axis-aligned rectangle given by two opposite corners.
type Rectangle struct {
	A Point
	B Point
}

func (r Rectangle) Kind() Kind      { return KindRectangle }
func (r Rectangle) Points() []Point { return []Point{r.A, r.B} }

func (r Rectangle) Bounds() BBox {
	return BBox{
		TMin: min(r.A.X, r.B.X),
		TMax: max(r.A.X, r.B.X),
		ZMin: min(r.A.Y, r.B.Y),
		ZMax: max(r.A.Y, r.B.Y),
	}
}

// Polygon is a simple polygon given by its ordered vertices.
type Polygon struct {
	Vertices []Point
}

func (p Polygon) Kind() Kind { return KindPolygon }

func (p Polygon) Points() []Point {
	out := make([]Point, len(p.Vertices))
	copy(out, p.Vertices)
	return out
}

func (p Polygon) Bounds() BBox {
	b, _ := BoundsOf(p.Vertices)
	return b
}

// NewGeometry builds the variant for a point list. Two points make a
// rectangle, three or more a polygon; anything shorter is ErrDegenerate.
func NewGeometry(points []Point) (Geometry, error) {
	switch {
	case len(points) < 2:
		return nil, ErrDegenerate
	case len(points) == 2:
		return Rectangle{A: points[0], B: points[1]}, nil
	default:
		v := make([]Point, len(points))
		copy(v, points)
		return Polygon{Vertices: v}, nil
	}
}

// Translate returns the points shifted by (dx, dy).
func Translate(points []Point, dx, dy int) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = Point{X: p.X + dx, Y: p.Y + dy}
	}
	return out
}

// Record is one ROI as stored in the registry.
type Record struct {
	ID         string
	ImageRef   string
	Kind       Kind
	Points     []Point
	BBox       BBox
	Hash       string
	Status     Status
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// NewRecord derives kind, bbox and hash from points. The status is left
// empty; the registry owns it.
func NewRecord(id, imageRef string, points []Point, now time.Time) (*Record, error) {
	g, err := NewGeometry(points)
	if err != nil {
		return nil, fmt.Errorf("shape %s: %w", id, err)
	}
	hash, err := GeometryHash(g)
	if err != nil {
		return nil, fmt.Errorf("shape %s: %w", id, err)
	}
	return &Record{
		ID:         id,
		ImageRef:   imageRef,
		Kind:       g.Kind(),
		Points:     g.Points(),
		BBox:       g.Bounds(),
		Hash:       hash,
		CreatedAt:  now,
		ModifiedAt: now,
	}, nil
}

// Geometry rebuilds the tagged variant from the stored points.
func (r *Record) Geometry() (Geometry, error) {
	return NewGeometry(r.Points)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
