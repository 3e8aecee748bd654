// Package detect identifies food in a photo.
package detect

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"mcp-scale-meal/internal/models"
)

// Detector finds food items in an encoded image, best match first.
type Detector interface {
	Detect(ctx context.Context, img []byte) ([]models.Detection, error)
}

// MultiDetector runs several detectors on the same image and merges what they find.
// It only fails when every detector fails.
type MultiDetector struct {
	detectors []Detector
	logger    *slog.Logger
}

func NewMultiDetector(logger *slog.Logger, detectors ...Detector) *MultiDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiDetector{detectors: detectors, logger: logger}
}

func (m *MultiDetector) Detect(ctx context.Context, img []byte) ([]models.Detection, error) {
	if len(m.detectors) == 0 {
		return nil, nil
	}

	results := make([][]models.Detection, len(m.detectors))
	errs := make([]error, len(m.detectors))

	var wg sync.WaitGroup
	for i, d := range m.detectors {
		wg.Add(1)
		go func(i int, d Detector) {
			defer wg.Done()
			results[i], errs[i] = d.Detect(ctx, img)
		}(i, d)
	}
	wg.Wait()

	var merged []models.Detection
	failed := 0
	for i := range m.detectors {
		if errs[i] != nil {
			failed++
			m.logger.Warn("food detector failed", "detector", i, "error", errs[i])
			continue
		}
		merged = append(merged, results[i]...)
	}
	if failed == len(m.detectors) {
		return nil, errors.Join(errs...)
	}

	sortByConfidence(merged)
	return merged, nil
}

func sortByConfidence(ds []models.Detection) {
	sort.SliceStable(ds, func(i, j int) bool {
		return ds[i].Confidence > ds[j].Confidence
	})
}
