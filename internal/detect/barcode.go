package detect

import (
	"context"
	"fmt"
	"math"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"

	"mcp-scale-meal/internal/imageio"
	"mcp-scale-meal/internal/models"
)

// BarcodePrefix marks food IDs that are product barcodes rather than class labels.
const BarcodePrefix = "barcode:"

// BarcodeDetector reads retail product barcodes (EAN-13, UPC-A, EAN-8) from
// packaged food. No barcode in the image is not an error.
type BarcodeDetector struct{}

func NewBarcodeDetector() *BarcodeDetector {
	return &BarcodeDetector{}
}

func (b *BarcodeDetector) Detect(ctx context.Context, img []byte) ([]models.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decoded, _, err := imageio.Decode(img)
	if err != nil {
		return nil, err
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to create bitmap: %w", err)
	}

	readers := []gozxing.Reader{
		oned.NewEAN13Reader(),
		oned.NewUPCAReader(),
		oned.NewEAN8Reader(),
	}

	for _, reader := range readers {
		result, err := reader.Decode(bmp, nil)
		if err != nil {
			continue
		}
		code := result.GetText()
		return []models.Detection{{
			Food:        models.FoodRef{ID: BarcodePrefix + code, Name: code},
			Confidence:  1,
			BoundingBox: bounds(result.GetResultPoints()),
			Source:      "barcode",
		}}, nil
	}

	return nil, nil
}

func bounds(points []gozxing.ResultPoint) [4]float64 {
	if len(points) == 0 {
		return [4]float64{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX, maxX = math.Min(minX, p.GetX()), math.Max(maxX, p.GetX())
		minY, maxY = math.Min(minY, p.GetY()), math.Max(maxY, p.GetY())
	}
	return [4]float64{minX, minY, maxX - minX, maxY - minY}
}
