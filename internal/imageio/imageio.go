// Package imageio decodes uploaded photos and computes simple image statistics.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gonum.org/v1/gonum/stat"
)

var ErrEmptyImage = errors.New("empty image")

// Decode decodes JPEG, PNG, GIF, WebP, BMP or TIFF data.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, format, ErrEmptyImage
	}
	return img, format, nil
}

// LimitSize scales img down so its longest side is at most maxSide.
func LimitSize(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if maxSide <= 0 || longest <= maxSide {
		return img
	}

	scale := float64(maxSide) / float64(longest)
	nw := max(1, int(float64(w)*scale))
	nh := max(1, int(float64(h)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// LuminanceStats summarizes the brightness distribution of an image on a 0-255 scale.
type LuminanceStats struct {
	Width  int
	Height int
	Mean   float64
	StdDev float64
}

// maxSamples bounds the number of pixels inspected by Luminance.
const maxSamples = 250_000

// Luminance samples pixels on a regular grid and returns their brightness statistics.
func Luminance(img image.Image) LuminanceStats {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	stats := LuminanceStats{Width: w, Height: h}
	if w == 0 || h == 0 {
		return stats
	}

	step := 1
	for (w/step)*(h/step) > maxSamples {
		step++
	}

	values := make([]float64, 0, (w/step+1)*(h/step+1))
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			r, g, bl, _ := img.At(x, y).RGBA()
			// Rec. 601 luma on 16-bit channels
			l := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257
			values = append(values, l)
		}
	}

	stats.Mean, stats.StdDev = stat.MeanStdDev(values, nil)
	return stats
}
