package ocr

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Word is one recognized word with its own confidence (0-100).
type Word struct {
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

// Recognition is the result of one recognizer pass over an image.
type Recognition struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words"`
}

// Recognizer reads text from an encoded image.
type Recognizer interface {
	Recognize(ctx context.Context, img []byte) (*Recognition, error)
}

// ScaleChars restricts Tesseract to what appears on a kitchen scale display.
const ScaleChars = "0123456789.,gGrRaAmMsSoOzZuUnNcCeElLbBpPdD"

// TesseractRecognizer implements Recognizer with Tesseract. A gosseract
// client is not safe for concurrent use, so calls are serialized.
type TesseractRecognizer struct {
	client *gosseract.Client
	sem    chan struct{}
	read   func(img []byte) (*Recognition, error)
}

func NewTesseractRecognizer(language string) (*TesseractRecognizer, error) {
	if language == "" {
		language = "eng"
	}
	client := gosseract.NewClient()

	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}

	// Readings are numbers, not dictionary words
	_ = client.SetVariable("load_system_dawg", "false")
	_ = client.SetVariable("load_freq_dawg", "false")

	if err := client.SetWhitelist(ScaleChars); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set whitelist: %w", err)
	}

	r := &TesseractRecognizer{
		client: client,
		sem:    make(chan struct{}, 1),
	}
	r.read = r.recognize
	return r, nil
}

func (r *TesseractRecognizer) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *TesseractRecognizer) Recognize(ctx context.Context, img []byte) (*Recognition, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	type result struct {
		rec *Recognition
		err error
	}
	done := make(chan result, 1)
	go func() {
		// the slot is held until Tesseract actually returns, even if the caller gave up
		defer func() { <-r.sem }()
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("OCR crashed: %v", p)}
			}
		}()
		rec, err := r.read(img)
		done <- result{rec, err}
	}()

	select {
	case res := <-done:
		return res.rec, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("OCR aborted: %w", ctx.Err())
	}
}

func (r *TesseractRecognizer) recognize(img []byte) (*Recognition, error) {
	// PSM 11: sparse text, displays often carry labels around the digits
	if err := r.client.SetPageSegMode(gosseract.PSM_SPARSE_TEXT); err != nil {
		return nil, fmt.Errorf("failed to set PSM: %w", err)
	}
	if err := r.client.SetImageFromBytes(img); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := r.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("OCR failed: %w", err)
	}

	return fromBoxes(boxes), nil
}

// fromBoxes builds a Recognition whose pass confidence is the mean word confidence.
func fromBoxes(boxes []gosseract.BoundingBox) *Recognition {
	rec := &Recognition{}
	var texts []string
	var total float64

	for _, box := range boxes {
		text := strings.TrimSpace(box.Word)
		if text == "" {
			continue
		}
		rec.Words = append(rec.Words, Word{
			Text:       text,
			Confidence: box.Confidence,
			Box:        box.Box,
		})
		texts = append(texts, text)
		total += box.Confidence
	}

	if len(rec.Words) > 0 {
		rec.Confidence = total / float64(len(rec.Words))
	}
	rec.Text = strings.Join(texts, " ")
	return rec
}
