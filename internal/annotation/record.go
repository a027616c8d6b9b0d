// Package annotation reads and rewrites labelme-style annotation files.
package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"echoroi/internal/shape"
)

// ErrDecode is returned when a file is not a well-formed annotation record.
var ErrDecode = errors.New("annotation: malformed record")

// Record is one annotation file: an image and the shapes drawn over it.
type Record struct {
	ImagePath string  `json:"imagePath"`
	Shapes    []Shape `json:"shapes"`
}

// Shape is one drawn shape. ID is nil until AssignIDs has run over the file.
type Shape struct {
	ID        *string `json:"id,omitempty"`
	Label     string  `json:"label"`
	ShapeType string  `json:"shape_type"`
	Points    []Coord `json:"points"`
}

// Coord is one [x, y] point as drawn on the image.
type Coord [2]float64

// UnmarshalJSON accepts exactly two numbers. Shorter or longer pairs and
// null coordinates are rejected instead of being padded or cut.
func (c *Coord) UnmarshalJSON(data []byte) error {
	var pair []*float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("point %s: %w", data, err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("point %s has %d coordinates, want 2", data, len(pair))
	}
	for i, v := range pair {
		if v == nil {
			return fmt.Errorf("point %s has a null coordinate", data)
		}
		c[i] = *v
	}
	return nil
}

// Tracked reports whether the shape carries a registry id.
func (s Shape) Tracked() bool {
	return s.ID != nil && *s.ID != ""
}

// AbsolutePoints converts the image-local points to array coordinates:
// coordinates are truncated to integers and x is shifted by offset.
func (s Shape) AbsolutePoints(offset int) []shape.Point {
	points := make([]shape.Point, len(s.Points))
	for i, p := range s.Points {
		points[i] = shape.Point{X: int(p[0]) + offset, Y: int(p[1])}
	}
	return points
}

// Decode parses an annotation record. A nil validator skips schema checks.
func Decode(data []byte, v *Validator) (*Record, error) {
	if v != nil {
		if err := v.Validate(data); err != nil {
			return nil, err
		}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if rec.ImagePath == "" {
		return nil, fmt.Errorf("%w: missing imagePath", ErrDecode)
	}
	return &rec, nil
}

// ReadFile reads and decodes the record at path.
func ReadFile(path string, v *Validator) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	rec, err := Decode(data, v)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return rec, nil
}

// ListFiles returns the *.json files directly under dir, sorted by name.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
