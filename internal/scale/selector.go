package scale

import (
	"math"

	"mcp-scale-meal/internal/models"
)

// decisiveMargin is how far apart two confidences must be before confidence alone decides.
const decisiveMargin = 10.0

type window struct{ min, max float64 }

// plausibleRange is what a food scale can show, per unit.
var plausibleRange = map[models.WeightUnit]window{
	models.Grams:  {1, 5000},
	models.Ounces: {0.1, 176},
	models.Pounds: {0.01, 11},
}

func plausible(c models.WeightCandidate) bool {
	w, ok := plausibleRange[c.Unit]
	return ok && c.Value >= w.min && c.Value <= w.max
}

// Select picks the best candidate, or nil when there are none. On a full tie the
// earlier candidate wins.
func Select(candidates []models.WeightCandidate) *models.WeightCandidate {
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return &best
}

func better(c, best models.WeightCandidate) bool {
	diff := c.Confidence - best.Confidence
	if math.Abs(diff) > decisiveMargin {
		return diff > 0
	}
	if cp, bp := plausible(c), plausible(best); cp != bp {
		return cp
	}
	return diff > 0
}
