package grid

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

// denseFile is the on-disk layout read by LoadJSON. Values are indexed
// [channel][time][depth]; null stands for a missing sample.
type denseFile struct {
	Channels []float64      `json:"channels"`
	Time     int            `json:"time"`
	Depth    int            `json:"depth"`
	Values   [][][]*float64 `json:"values"`
}

// LoadJSON reads a Dense array from a JSON file.
func LoadJSON(path string) (*Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d, err := DecodeJSON(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return d, nil
}

// DecodeJSON reads a Dense array from r.
func DecodeJSON(r io.Reader) (*Dense, error) {
	var df denseFile
	if err := json.NewDecoder(r).Decode(&df); err != nil {
		return nil, fmt.Errorf("decode array: %w", err)
	}

	d, err := NewDense(df.Channels, df.Time, df.Depth)
	if err != nil {
		return nil, err
	}
	if len(df.Values) != len(df.Channels) {
		return nil, fmt.Errorf("%w: %d value planes for %d channels", ErrOutOfRange, len(df.Values), len(df.Channels))
	}

	for ci, plane := range df.Values {
		if len(plane) != df.Time {
			return nil, fmt.Errorf("%w: channel %g has %d time rows, want %d", ErrOutOfRange, df.Channels[ci], len(plane), df.Time)
		}
		for x, col := range plane {
			if len(col) != df.Depth {
				return nil, fmt.Errorf("%w: channel %g row %d has %d samples, want %d", ErrOutOfRange, df.Channels[ci], x, len(col), df.Depth)
			}
			for y, v := range col {
				val := math.NaN()
				if v != nil {
					val = *v
				}
				d.values[ci][x*df.Depth+y] = val
			}
		}
	}
	return d, nil
}
