package imageio

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Gray) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, c)
		}
	}
	return img
}

func TestDecodeRoundTrip(t *testing.T) {
	data, err := EncodePNG(solid(20, 10, color.Gray{Y: 200}))
	require.NoError(t, err)

	img, format, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 20, img.Bounds().Dx())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyImage)

	_, _, err = Decode([]byte("definitely not an image"))
	assert.Error(t, err)
}

func TestLimitSize(t *testing.T) {
	big := solid(2048, 1024, color.Gray{Y: 10})
	small := LimitSize(big, 1024)
	assert.Equal(t, 1024, small.Bounds().Dx())
	assert.Equal(t, 512, small.Bounds().Dy())

	same := solid(100, 50, color.Gray{Y: 10})
	assert.Same(t, image.Image(same), LimitSize(same, 1024))
}

func TestLuminance(t *testing.T) {
	s := Luminance(solid(40, 40, color.Gray{Y: 128}))
	assert.InDelta(t, 128, s.Mean, 0.5)
	assert.InDelta(t, 0, s.StdDev, 0.01)

	half := solid(40, 40, color.Gray{Y: 0})
	for y := 0; y < 40; y++ {
		for x := 20; x < 40; x++ {
			half.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	s = Luminance(half)
	assert.InDelta(t, 127.5, s.Mean, 0.5)
	assert.Greater(t, s.StdDev, 100.0)
}
