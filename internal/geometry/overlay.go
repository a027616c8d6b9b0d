package geometry

import (
	"image"
	"image/color"
)

// Overlay renders the mask as a translucent layer: red at alphaIn inside the
// shape, black at alphaOut outside. Alphas are clamped to [0, 1]. Time runs
// along the image's horizontal axis and depth downwards.
func Overlay(m *Mask, alphaIn, alphaOut float64) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, m.Width, m.Height))
	in := color.NRGBA{R: 255, A: alpha8(alphaIn)}
	out := color.NRGBA{A: alpha8(alphaOut)}
	for x := 0; x < m.Width; x++ {
		for y := 0; y < m.Height; y++ {
			if m.At(x, y) {
				img.SetNRGBA(x, y, in)
			} else {
				img.SetNRGBA(x, y, out)
			}
		}
	}
	return img
}

func alpha8(a float64) uint8 {
	switch {
	case a <= 0:
		return 0
	case a >= 1:
		return 255
	default:
		return uint8(a*255 + 0.5)
	}
}
