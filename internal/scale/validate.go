package scale

import (
	"context"

	"mcp-scale-meal/internal/imageio"
	"mcp-scale-meal/internal/models"
)

// Photo quality limits on the 0-255 luminance scale.
const (
	darkMean       = 60.0
	brightMean     = 200.0
	lowContrastStd = 25.0
	minShortSide   = 300
)

// ValidateScaleImage checks whether a photo is good enough to read a weight from.
func (p *Pipeline) ValidateScaleImage(ctx context.Context, img []byte) models.ScaleImageValidation {
	decoded, _, err := imageio.Decode(img)
	if err != nil {
		return models.ScaleImageValidation{
			Suggestions: []string{"Image could not be decoded, upload a JPEG, PNG or WebP photo"},
		}
	}

	var suggestions []string
	stats := imageio.Luminance(decoded)
	if stats.Mean < darkMean {
		suggestions = append(suggestions, "Image is too dark, add light and avoid shadows on the display")
	}
	if stats.Mean > brightMean {
		suggestions = append(suggestions, "Image is overexposed, avoid glare on the scale display")
	}
	if stats.StdDev < lowContrastStd {
		suggestions = append(suggestions, "Display has low contrast, photograph it straight on")
	}
	if min(stats.Width, stats.Height) < minShortSide {
		suggestions = append(suggestions, "Image resolution is low, move closer to the scale display")
	}

	reading := p.ReadScaleWeight(ctx, img)
	hasScale := reading.Confidence >= UsableConfidence
	if !hasScale {
		suggestions = append(suggestions, "No readable weight found, make sure the whole display is in frame")
	}

	return models.ScaleImageValidation{
		HasScale:    hasScale,
		Confidence:  reading.Confidence,
		Suggestions: suggestions,
	}
}

// Assess grades a reading and tells the caller whether to fall back to manual entry.
func Assess(r models.WeightReading) models.ReadingAssessment {
	a := models.ReadingAssessment{Reading: r}

	switch {
	case r.Confidence >= HighConfidence:
		a.Level = models.HighConfidence
	case r.Confidence >= UsableConfidence:
		a.Level = models.MediumConfidence
		a.Suggestions = []string{"Check the reading against the scale display before confirming"}
	default:
		a.Level = models.LowConfidence
		a.NeedsManualEntry = true
		a.Suggestions = []string{
			"Enter the weight manually",
			"Retake the photo with the display centered and in focus",
		}
	}
	return a
}
