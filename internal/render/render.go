// Package render draws extracted ROI windows as PNG images with the ROI
// mask overlaid.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/draw"

	"echoroi/internal/extract"
	"echoroi/internal/geometry"
	"echoroi/internal/shape"
)

// ErrChannels is returned when the requested channels cannot be drawn.
var ErrChannels = errors.New("render: need 1 or 3 channels")

// Options controls rendering.
type Options struct {
	// Channels picks the channels mapped to grey (one) or to R, G, B
	// (three). Empty uses the first three channels of the result, or the
	// first one when it has fewer.
	Channels []float64
	// VMin and VMax bound the Sv range mapped to [0, 1].
	VMin float64
	VMax float64
	// AlphaIn and AlphaOut are the overlay opacities inside and outside
	// the mask. Zero AlphaIn and AlphaOut draw no overlay.
	AlphaIn  float64
	AlphaOut float64
	// Scale is the integer upscaling factor; values below 1 mean 1.
	Scale int
	// Vertices are drawn as opaque red pixels, in absolute coordinates.
	Vertices []shape.Point
}

// DefaultOptions returns the settings used by the plotting tools.
func DefaultOptions() Options {
	return Options{
		VMin:     -90,
		VMax:     -50,
		AlphaIn:  0.3,
		AlphaOut: 0,
		Scale:    1,
	}
}

// Image composes the result into an image: time runs left to right and
// depth top to bottom.
func Image(res *extract.Result, opts Options) (*image.NRGBA, error) {
	if opts.VMax <= opts.VMin {
		return nil, fmt.Errorf("render: vmax %g must exceed vmin %g", opts.VMax, opts.VMin)
	}
	planes, err := pickPlanes(res, opts.Channels)
	if err != nil {
		return nil, err
	}

	img := image.NewNRGBA(image.Rect(0, 0, res.Width, res.Height))
	for x := 0; x < res.Width; x++ {
		for y := 0; y < res.Height; y++ {
			i := x*res.Height + y
			var c color.NRGBA
			if len(planes) == 1 {
				g := level(planes[0][i], opts.VMin, opts.VMax)
				c = color.NRGBA{R: g, G: g, B: g, A: 255}
			} else {
				c = color.NRGBA{
					R: level(planes[0][i], opts.VMin, opts.VMax),
					G: level(planes[1][i], opts.VMin, opts.VMax),
					B: level(planes[2][i], opts.VMin, opts.VMax),
					A: 255,
				}
			}
			img.SetNRGBA(x, y, c)
		}
	}

	if res.Mask != nil && (opts.AlphaIn > 0 || opts.AlphaOut > 0) {
		overlay := geometry.Overlay(res.Mask, opts.AlphaIn, opts.AlphaOut)
		draw.Draw(img, img.Bounds(), overlay, image.Point{}, draw.Over)
	}

	red := color.NRGBA{R: 255, A: 255}
	for _, p := range opts.Vertices {
		x, y := p.X-res.Window.XMin, p.Y-res.Window.YMin
		if x >= 0 && x < res.Width && y >= 0 && y < res.Height {
			img.SetNRGBA(x, y, red)
		}
	}

	if opts.Scale > 1 {
		scaled := image.NewNRGBA(image.Rect(0, 0, res.Width*opts.Scale, res.Height*opts.Scale))
		draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = scaled
	}
	return img, nil
}

// PNG renders the result and writes it to w as PNG.
func PNG(w io.Writer, res *extract.Result, opts Options) error {
	img, err := Image(res, opts)
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

func pickPlanes(res *extract.Result, channels []float64) ([][]float64, error) {
	if len(channels) == 0 {
		switch {
		case len(res.Data) >= 3:
			return res.Data[:3], nil
		case len(res.Data) >= 1:
			return res.Data[:1], nil
		default:
			return nil, ErrChannels
		}
	}
	if len(channels) != 1 && len(channels) != 3 {
		return nil, fmt.Errorf("%w: got %d", ErrChannels, len(channels))
	}

	planes := make([][]float64, 0, len(channels))
	for _, want := range channels {
		idx := -1
		for i, c := range res.Channels {
			if c == want {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: channel %g not extracted", ErrChannels, want)
		}
		planes = append(planes, res.Data[idx])
	}
	return planes, nil
}

// level maps v from [vmin, vmax] to 0..255, clipping; NaN maps to 0.
func level(v, vmin, vmax float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	n := (v - vmin) / (vmax - vmin)
	n = math.Max(0, math.Min(1, n))
	return uint8(math.Round(n * 255))
}
