package shape

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GeometryHash returns the hex SHA-256 of the canonical encoding of
// (shape_type, points). encoding/json writes map keys in sorted order, so the
// digest does not depend on how the caller built the geometry.
func GeometryHash(g Geometry) (string, error) {
	data, err := CanonicalJSON(g.Kind(), g.Points())
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON encodes kind and points as {"points":[[x,y],...],"shape_type":kind}.
func CanonicalJSON(kind Kind, points []Point) ([]byte, error) {
	payload := map[string]any{
		"shape_type": string(kind),
		"points":     PairsOf(points),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	return data, nil
}

// PairsOf converts points to [x, y] pairs, the persisted layout.
func PairsOf(points []Point) [][2]int {
	pairs := make([][2]int, len(points))
	for i, p := range points {
		pairs[i] = [2]int{p.X, p.Y}
	}
	return pairs
}

// PointsOf converts [x, y] pairs back to points.
func PointsOf(pairs [][2]int) []Point {
	points := make([]Point, len(pairs))
	for i, p := range pairs {
		points[i] = Point{X: p[0], Y: p[1]}
	}
	return points
}

// MarshalPoints serialises points for storage.
func MarshalPoints(points []Point) (string, error) {
	data, err := json.Marshal(PairsOf(points))
	if err != nil {
		return "", fmt.Errorf("marshal points: %w", err)
	}
	return string(data), nil
}

// UnmarshalPoints parses stored points.
func UnmarshalPoints(s string) ([]Point, error) {
	var pairs [][2]int
	if err := json.Unmarshal([]byte(s), &pairs); err != nil {
		return nil, fmt.Errorf("unmarshal points: %w", err)
	}
	return PointsOf(pairs), nil
}
