package render

import (
	"bytes"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echoroi/internal/extract"
	"echoroi/internal/geometry"
	"echoroi/internal/shape"
)

func result(t *testing.T) *extract.Result {
	t.Helper()
	w := geometry.Window{XMin: 10, XMax: 13, YMin: 20, YMax: 22}
	mask := geometry.Rasterize(w, []shape.Point{{X: 11, Y: 21}, {X: 12, Y: 22}})
	n := w.Width() * w.Height()
	planes := make([][]float64, 3)
	for c := range planes {
		planes[c] = make([]float64, n)
		for i := range planes[c] {
			planes[c][i] = -90 + float64(c)*20
		}
	}
	planes[0][0] = math.NaN()
	return &extract.Result{
		ID:       "r",
		Window:   w,
		Width:    w.Width(),
		Height:   w.Height(),
		Channels: []float64{38, 70, 120},
		Data:     planes,
		Mask:     mask,
	}
}

func TestLevel(t *testing.T) {
	assert.Equal(t, uint8(0), level(-90, -90, -50))
	assert.Equal(t, uint8(255), level(-50, -90, -50))
	assert.Equal(t, uint8(128), level(-70, -90, -50))
	assert.Equal(t, uint8(0), level(-200, -90, -50))
	assert.Equal(t, uint8(255), level(0, -90, -50))
	assert.Equal(t, uint8(0), level(math.NaN(), -90, -50))
}

func TestImageRGB(t *testing.T) {
	res := result(t)
	opts := DefaultOptions()
	opts.AlphaIn = 0

	img, err := Image(res, opts)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 3, img.Bounds().Dy())

	c := img.NRGBAAt(1, 1)
	assert.Equal(t, uint8(0), c.R)
	assert.Equal(t, uint8(128), c.G)
	assert.Equal(t, uint8(255), c.B)
	assert.Equal(t, uint8(0), img.NRGBAAt(0, 0).R, "NaN renders black")
}

func TestImageOverlayAndVertices(t *testing.T) {
	res := result(t)
	opts := DefaultOptions()
	opts.Channels = []float64{38}
	opts.Vertices = []shape.Point{{X: 13, Y: 20}, {X: 99, Y: 99}}

	img, err := Image(res, opts)
	require.NoError(t, err)

	inside := img.NRGBAAt(1, 1)
	outside := img.NRGBAAt(0, 1)
	assert.Greater(t, inside.R, outside.R, "mask tints red")
	assert.Equal(t, outside.R, outside.G, "outside stays grey")
	assert.Equal(t, uint8(255), img.NRGBAAt(3, 0).R)
	assert.Equal(t, uint8(0), img.NRGBAAt(3, 0).G)
}

func TestImageScale(t *testing.T) {
	opts := DefaultOptions()
	opts.Scale = 3
	img, err := Image(result(t), opts)
	require.NoError(t, err)
	assert.Equal(t, 12, img.Bounds().Dx())
	assert.Equal(t, 9, img.Bounds().Dy())
	assert.Equal(t, img.NRGBAAt(3, 3), img.NRGBAAt(5, 5))
}

func TestImageErrors(t *testing.T) {
	res := result(t)
	opts := DefaultOptions()

	opts.Channels = []float64{38, 70}
	_, err := Image(res, opts)
	assert.ErrorIs(t, err, ErrChannels)

	opts.Channels = []float64{18}
	_, err = Image(res, opts)
	assert.ErrorIs(t, err, ErrChannels)

	opts = DefaultOptions()
	opts.VMax = opts.VMin
	_, err = Image(res, opts)
	assert.Error(t, err)
}

func TestPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PNG(&buf, result(t), DefaultOptions()))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
}
