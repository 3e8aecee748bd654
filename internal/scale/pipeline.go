package scale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"mcp-scale-meal/internal/imageio"
	"mcp-scale-meal/internal/models"
	"mcp-scale-meal/internal/ocr"
)

const (
	// MinPassConfidence is the recognizer confidence below which a pass is not parsed.
	MinPassConfidence = 60.0
	// HighConfidence stops the variant ladder early.
	HighConfidence = 80.0
	// UsableConfidence is the lowest reading confidence accepted without manual entry.
	UsableConfidence = 60.0

	DefaultAttemptTimeout = 10 * time.Second

	UnreadableText = "unreadable"
)

// Pipeline reads a weight from a scale photo by trying preprocessing variants in order.
type Pipeline struct {
	pre            ocr.Preprocessor
	rec            ocr.Recognizer
	variants       []ocr.Variant
	attemptTimeout time.Duration
	logger         *slog.Logger
}

type Option func(*Pipeline)

func WithVariants(vs []ocr.Variant) Option {
	return func(p *Pipeline) {
		if len(vs) > 0 {
			p.variants = vs
		}
	}
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.attemptTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewPipeline(pre ocr.Preprocessor, rec ocr.Recognizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		pre:            pre,
		rec:            rec,
		variants:       ocr.DefaultVariants(),
		attemptTimeout: DefaultAttemptTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type ladderState int

const (
	notStarted ladderState = iota
	attempting
	succeeded
	exhausted
)

// Unreadable is the reading returned when nothing usable was found.
func Unreadable() models.WeightReading {
	return models.WeightReading{Value: 0, Unit: models.Grams, Confidence: 0, RawText: UnreadableText}
}

func failedReading(err error) models.WeightReading {
	r := Unreadable()
	r.RawText = fmt.Sprintf("%s: %v", UnreadableText, err)
	return r
}

// ReadScaleWeight never fails: an unusable photo yields a confidence 0 reading.
func (p *Pipeline) ReadScaleWeight(ctx context.Context, img []byte) (reading models.WeightReading) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("scale reading crashed", "panic", r)
			reading = failedReading(fmt.Errorf("recognizer crashed: %v", r))
		}
	}()

	decoded, format, err := imageio.Decode(img)
	if err != nil {
		p.logger.Warn("scale image rejected", "size", humanize.Bytes(uint64(len(img))), "error", err)
		return failedReading(err)
	}
	// OpenCV is only relied on for JPEG and PNG
	if format != "jpeg" && format != "png" {
		if img, err = imageio.EncodePNG(decoded); err != nil {
			return failedReading(err)
		}
	}
	p.logger.Debug("reading scale image",
		"size", humanize.Bytes(uint64(len(img))),
		"format", format,
		"dimensions", fmt.Sprintf("%dx%d", decoded.Bounds().Dx(), decoded.Bounds().Dy()))

	var (
		state = notStarted
		i     int
		best  *models.WeightCandidate
	)

	for {
		switch state {
		case notStarted:
			if len(p.variants) == 0 {
				state = exhausted
				continue
			}
			i, state = 0, attempting

		case attempting:
			if err := ctx.Err(); err != nil {
				return failedReading(err)
			}

			v := p.variants[i]
			c, err := p.attempt(ctx, img, v)
			switch {
			case err != nil:
				p.logger.Warn("scale reading attempt failed", "attempt", i+1, "variant", v.Name, "error", err)
			case c == nil:
				p.logger.Debug("scale reading attempt found nothing", "attempt", i+1, "variant", v.Name)
			default:
				p.logger.Debug("scale reading attempt",
					"attempt", i+1, "variant", v.Name,
					"value", c.Value, "unit", c.Unit, "confidence", c.Confidence)
				if best == nil || c.Confidence > best.Confidence {
					best = c
				}
			}

			switch {
			case best != nil && best.Confidence >= HighConfidence:
				state = succeeded
			case i+1 < len(p.variants):
				i++
			default:
				state = exhausted
			}

		case succeeded, exhausted:
			if best == nil {
				p.logger.Info("scale unreadable", "attempts", i+1, "elapsed", time.Since(start))
				return Unreadable()
			}
			p.logger.Info("scale read",
				"value", best.Value, "unit", best.Unit, "confidence", best.Confidence,
				"attempts", i+1, "early_exit", state == succeeded, "elapsed", time.Since(start))
			return models.WeightReading{
				Value:      best.Value,
				Unit:       best.Unit,
				Confidence: best.Confidence,
				RawText:    best.RawText,
			}
		}
	}
}

// attempt runs one variant under its own deadline. A nil candidate with a nil
// error means the pass was too weak or had no numbers in it.
func (p *Pipeline) attempt(ctx context.Context, img []byte, v ocr.Variant) (*models.WeightCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	processed, err := p.pre.Preprocess(ctx, img, v)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess image: %w", err)
	}

	rec, err := p.rec.Recognize(ctx, processed)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("recognition timed out after %s: %w", p.attemptTimeout, err)
		}
		return nil, fmt.Errorf("failed to recognize text: %w", err)
	}
	if rec == nil || rec.Confidence < MinPassConfidence {
		return nil, nil
	}

	return Select(Extract(rec)), nil
}
