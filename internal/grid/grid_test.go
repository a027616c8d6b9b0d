package grid

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echoroi/internal/geometry"
)

func ramp(t *testing.T, xlen, ylen int) *Dense {
	t.Helper()
	d, err := NewDense([]float64{38, 120}, xlen, ylen)
	require.NoError(t, err)
	for x := 0; x < xlen; x++ {
		for y := 0; y < ylen; y++ {
			require.NoError(t, d.Set(38, x, y, float64(100*x+y)))
			require.NoError(t, d.Set(120, x, y, -float64(100*x+y)))
		}
	}
	return d
}

func TestNewDense(t *testing.T) {
	d, err := NewDense([]float64{38}, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, geometry.Extent{XLen: 3, YLen: 2}, d.Extent())

	v, err := d.At(38, 2, 1)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v))

	_, err = NewDense(nil, 3, 2)
	assert.ErrorIs(t, err, ErrChannel)
	_, err = NewDense([]float64{38, 38}, 3, 2)
	assert.ErrorIs(t, err, ErrChannel)
	_, err = NewDense([]float64{38}, 0, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSetAtErrors(t *testing.T) {
	d := ramp(t, 4, 3)
	assert.ErrorIs(t, d.Set(70, 0, 0, 1), ErrChannel)
	assert.ErrorIs(t, d.Set(38, 4, 0, 1), ErrOutOfRange)
	_, err := d.At(38, 0, -1)
	assert.ErrorIs(t, err, ErrOutOfRange)

	chans := d.Channels()
	chans[0] = 999
	assert.Equal(t, []float64{38, 120}, d.Channels(), "Channels returns a copy")
}

func TestSlice(t *testing.T) {
	d := ramp(t, 10, 8)
	w := geometry.Window{XMin: 2, XMax: 4, YMin: 5, YMax: 7}

	out, err := d.Slice(w, []float64{120, 38})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Len(t, out[0], 9)

	for x := 0; x < 3; x++ {
		for y := 0; y < 3; y++ {
			ax, ay := x+2, y+5
			assert.Equal(t, -float64(100*ax+ay), out[0][x*3+y])
			assert.Equal(t, float64(100*ax+ay), out[1][x*3+y])
		}
	}

	all, err := d.Slice(w, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, out[1], all[0])
}

func TestSliceErrors(t *testing.T) {
	d := ramp(t, 10, 8)
	_, err := d.Slice(geometry.Window{XMin: 5, XMax: 10, YMin: 0, YMax: 1}, nil)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = d.Slice(geometry.Window{XMin: 0, XMax: 1, YMin: 0, YMax: 1}, []float64{200})
	assert.ErrorIs(t, err, ErrChannel)
}

func TestDecodeJSON(t *testing.T) {
	src := `{"channels": [38, 70], "time": 2, "depth": 3,
	  "values": [[[1, 2, 3], [4, null, 6]], [[-1, -2, -3], [-4, -5, -6]]]}`
	d, err := DecodeJSON(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, geometry.Extent{XLen: 2, YLen: 3}, d.Extent())

	v, _ := d.At(38, 1, 2)
	assert.Equal(t, 6.0, v)
	v, _ = d.At(38, 1, 1)
	assert.True(t, math.IsNaN(v))
	v, _ = d.At(70, 0, 1)
	assert.Equal(t, -2.0, v)
}

func TestDecodeJSONShapeMismatch(t *testing.T) {
	for _, src := range []string{
		`{"channels": [38], "time": 1, "depth": 2, "values": []}`,
		`{"channels": [38], "time": 2, "depth": 2, "values": [[[1, 2]]]}`,
		`{"channels": [38], "time": 1, "depth": 2, "values": [[[1]]]}`,
	} {
		_, err := DecodeJSON(strings.NewReader(src))
		assert.ErrorIs(t, err, ErrOutOfRange, src)
	}
	_, err := DecodeJSON(strings.NewReader(`{`))
	assert.Error(t, err)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sv.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"channels": [38], "time": 1, "depth": 1, "values": [[[-70.5]]]}`), 0644))

	d, err := LoadJSON(path)
	require.NoError(t, err)
	v, err := d.At(38, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, -70.5, v)

	_, err = LoadJSON(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
