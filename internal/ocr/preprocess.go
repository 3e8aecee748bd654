// Package ocr prepares scale photos for text recognition and runs Tesseract on them.
package ocr

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Variant is one named combination of preprocessing steps.
type Variant struct {
	Name            string `json:"name"`
	EnhanceContrast bool   `json:"enhance_contrast,omitempty"`
	Sharpen         bool   `json:"sharpen,omitempty"`
	Denoise         bool   `json:"denoise,omitempty"`
	// Threshold is the luminance cut (1-255) for binarization; 0 leaves the image gray.
	Threshold int `json:"threshold,omitempty"`
}

// DefaultVariants is the order in which variants are tried on a photo.
func DefaultVariants() []Variant {
	return []Variant{
		{Name: "full", EnhanceContrast: true, Sharpen: true, Denoise: true, Threshold: 128},
		{Name: "moderate", EnhanceContrast: true, Denoise: true, Threshold: 100},
		{Name: "sharpen-only", Sharpen: true, Threshold: 160},
		{Name: "gray", EnhanceContrast: true},
	}
}

// Target resolution band for the short side of the photo, in pixels.
// Below MinShortSide digit strokes get too thin for Tesseract.
const (
	MinShortSide = 600
	MaxLongSide  = 2000
)

// Preprocessor turns an encoded photo into a PNG ready for recognition.
type Preprocessor interface {
	Preprocess(ctx context.Context, img []byte, v Variant) ([]byte, error)
}

// CVPreprocessor implements Preprocessor with OpenCV.
type CVPreprocessor struct {
	ClaheClipLimit float64
	ClaheTileSize  int
}

func NewCVPreprocessor() *CVPreprocessor {
	return &CVPreprocessor{ClaheClipLimit: 2.0, ClaheTileSize: 8}
}

func (p *CVPreprocessor) Preprocess(ctx context.Context, img []byte, v Variant) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("empty image")
	}

	src, err := gocv.IMDecode(img, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	defer src.Close()
	if src.Empty() {
		return nil, fmt.Errorf("failed to decode image: unsupported format")
	}

	gray := gocv.NewMat()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	work := rescale(gray)
	gray.Close()
	defer func() { work.Close() }()

	if v.EnhanceContrast {
		work = p.apply(work, func(in gocv.Mat, out *gocv.Mat) {
			clahe := gocv.NewCLAHEWithParams(p.ClaheClipLimit, image.Pt(p.ClaheTileSize, p.ClaheTileSize))
			defer clahe.Close()
			clahe.Apply(in, out)
		})
	}

	if v.Denoise {
		work = p.apply(work, func(in gocv.Mat, out *gocv.Mat) {
			gocv.MedianBlur(in, out, 3)
		})
	}

	if v.Sharpen {
		work = p.apply(work, func(in gocv.Mat, out *gocv.Mat) {
			blurred := gocv.NewMat()
			defer blurred.Close()
			gocv.GaussianBlur(in, &blurred, image.Pt(0, 0), 3, 3, gocv.BorderDefault)
			// unsharp mask: 1.5*in - 0.5*blur
			gocv.AddWeighted(in, 1.5, blurred, -0.5, 0, out)
		})
	}

	if v.Threshold > 0 {
		work = p.apply(work, func(in gocv.Mat, out *gocv.Mat) {
			gocv.Threshold(in, out, float32(v.Threshold), 255, gocv.ThresholdBinary)
		})

		// Tesseract expects dark glyphs on a light background; LED and
		// backlit LCD displays come out the other way round.
		whiteRatio := float64(gocv.CountNonZero(work)) / float64(work.Rows()*work.Cols())
		if whiteRatio < 0.5 {
			gocv.BitwiseNot(work, &work)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf, err := gocv.IMEncode(gocv.PNGFileExt, work)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// apply runs step from in into a new Mat and releases in.
func (p *CVPreprocessor) apply(in gocv.Mat, step func(in gocv.Mat, out *gocv.Mat)) gocv.Mat {
	out := gocv.NewMat()
	step(in, &out)
	in.Close()
	return out
}

// rescale moves the image into the target resolution band.
func rescale(gray gocv.Mat) gocv.Mat {
	h, w := gray.Rows(), gray.Cols()
	short, long := min(h, w), max(h, w)

	scaled := gocv.NewMat()
	switch {
	case short < MinShortSide:
		scale := float64(MinShortSide) / float64(short)
		if float64(long)*scale > MaxLongSide*2 {
			scale = MaxLongSide * 2 / float64(long)
		}
		gocv.Resize(gray, &scaled, image.Point{}, scale, scale, gocv.InterpolationCubic)
	case long > MaxLongSide:
		scale := float64(MaxLongSide) / float64(long)
		gocv.Resize(gray, &scaled, image.Point{}, scale, scale, gocv.InterpolationArea)
	default:
		gray.CopyTo(&scaled)
	}
	return scaled
}
