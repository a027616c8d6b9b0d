// Package grid defines access to multi-channel time×depth survey arrays.
package grid

import (
	"errors"
	"fmt"
	"math"

	"echoroi/internal/geometry"
)

var (
	// ErrChannel is returned for a channel the array does not carry.
	ErrChannel = errors.New("grid: unknown channel")
	// ErrOutOfRange is returned for indices or windows outside the array.
	ErrOutOfRange = errors.New("grid: index out of range")
)

// Accessor reads rectangular slices of a gridded array. Channels are
// identified by their frequency in kHz.
type Accessor interface {
	Extent() geometry.Extent
	Channels() []float64

	// Slice returns one flat slice per requested channel, in request order,
	// holding Width×Height values indexed [x*Height+y] relative to the
	// window origin. An empty channel list means every channel. The
	// returned slices belong to the caller.
	Slice(w geometry.Window, channels []float64) ([][]float64, error)
}

// Dense is an in-memory Accessor.
type Dense struct {
	channels []float64
	xlen     int
	ylen     int
	values   [][]float64
}

// NewDense allocates an array filled with NaN.
func NewDense(channels []float64, xlen, ylen int) (*Dense, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no channels", ErrChannel)
	}
	if xlen <= 0 || ylen <= 0 {
		return nil, fmt.Errorf("%w: extent %dx%d", ErrOutOfRange, xlen, ylen)
	}
	seen := make(map[float64]bool, len(channels))
	for _, c := range channels {
		if seen[c] {
			return nil, fmt.Errorf("%w: duplicate channel %g", ErrChannel, c)
		}
		seen[c] = true
	}

	d := &Dense{
		channels: append([]float64(nil), channels...),
		xlen:     xlen,
		ylen:     ylen,
		values:   make([][]float64, len(channels)),
	}
	for i := range d.values {
		v := make([]float64, xlen*ylen)
		for j := range v {
			v[j] = math.NaN()
		}
		d.values[i] = v
	}
	return d, nil
}

// Extent returns the array size.
func (d *Dense) Extent() geometry.Extent {
	return geometry.Extent{XLen: d.xlen, YLen: d.ylen}
}

// Channels returns the channel frequencies.
func (d *Dense) Channels() []float64 {
	return append([]float64(nil), d.channels...)
}

func (d *Dense) channelIndex(c float64) (int, error) {
	for i, ch := range d.channels {
		if ch == c {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %g", ErrChannel, c)
}

func (d *Dense) offset(x, y int) (int, error) {
	if x < 0 || x >= d.xlen || y < 0 || y >= d.ylen {
		return 0, fmt.Errorf("%w: (%d, %d) outside %dx%d", ErrOutOfRange, x, y, d.xlen, d.ylen)
	}
	return x*d.ylen + y, nil
}

// Set stores one value.
func (d *Dense) Set(channel float64, x, y int, v float64) error {
	ci, err := d.channelIndex(channel)
	if err != nil {
		return err
	}
	off, err := d.offset(x, y)
	if err != nil {
		return err
	}
	d.values[ci][off] = v
	return nil
}

// At reads one value.
func (d *Dense) At(channel float64, x, y int) (float64, error) {
	ci, err := d.channelIndex(channel)
	if err != nil {
		return 0, err
	}
	off, err := d.offset(x, y)
	if err != nil {
		return 0, err
	}
	return d.values[ci][off], nil
}

// Slice implements Accessor.
func (d *Dense) Slice(w geometry.Window, channels []float64) ([][]float64, error) {
	if !w.Within(d.Extent()) {
		return nil, fmt.Errorf("%w: window %s outside %dx%d", ErrOutOfRange, w, d.xlen, d.ylen)
	}
	if len(channels) == 0 {
		channels = d.channels
	}

	out := make([][]float64, len(channels))
	height := w.Height()
	for i, c := range channels {
		ci, err := d.channelIndex(c)
		if err != nil {
			return nil, err
		}
		src := d.values[ci]
		dst := make([]float64, w.Width()*height)
		for x := w.XMin; x <= w.XMax; x++ {
			row := x*d.ylen + w.YMin
			copy(dst[(x-w.XMin)*height:(x-w.XMin+1)*height], src[row:row+height])
		}
		out[i] = dst
	}
	return out, nil
}
