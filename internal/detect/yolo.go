package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"mcp-scale-meal/internal/imageio"
	"mcp-scale-meal/internal/models"
)

const (
	DefaultConfidence    = 0.5
	DefaultMaxDetections = 5
	// maxInputSide matches the resolution the model was trained at.
	maxInputSide = 1024
)

var ErrDetectorDisabled = errors.New("food detector is not configured")

type YOLOConfig struct {
	Python        string
	Script        string
	ModelPath     string
	Confidence    float64
	MaxDetections int
	Timeout       time.Duration
}

// YOLODetector runs the food detection script once per image.
type YOLODetector struct {
	cfg    YOLOConfig
	logger *slog.Logger
	// run executes the script and returns its stdout and stderr
	run func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

func NewYOLODetector(cfg YOLOConfig, logger *slog.Logger) *YOLODetector {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Confidence <= 0 || cfg.Confidence > 1 {
		cfg.Confidence = DefaultConfidence
	}
	if cfg.MaxDetections <= 0 {
		cfg.MaxDetections = DefaultMaxDetections
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &YOLODetector{cfg: cfg, logger: logger, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (d *YOLODetector) Detect(ctx context.Context, img []byte) ([]models.Detection, error) {
	if d.cfg.Script == "" {
		return nil, ErrDetectorDisabled
	}

	decoded, _, err := imageio.Decode(img)
	if err != nil {
		return nil, err
	}
	resized := imageio.LimitSize(decoded, maxInputSide)
	factor := float64(decoded.Bounds().Dx()) / float64(resized.Bounds().Dx())

	data, err := imageio.EncodePNG(resized)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp("", "scale-meal-detect-*.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp image: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write temp image: %w", err)
	}

	args := []string{
		d.cfg.Script,
		"--image", f.Name(),
		"--confidence", strconv.FormatFloat(d.cfg.Confidence, 'f', -1, 64),
		"--max-detections", strconv.Itoa(d.cfg.MaxDetections),
	}
	if d.cfg.ModelPath != "" {
		args = append(args, "--model-path", d.cfg.ModelPath)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, runErr := d.run(ctx, d.cfg.Python, args...)
	if runErr != nil {
		if msg := scriptError(stderr); msg != "" {
			return nil, fmt.Errorf("food detection failed: %s", msg)
		}
		return nil, fmt.Errorf("food detection failed: %w", runErr)
	}

	detections, err := parseOutput(stdout, d.cfg.Confidence, d.cfg.MaxDetections)
	if err != nil {
		return nil, err
	}
	if factor != 1 {
		for i := range detections {
			for j := range detections[i].BoundingBox {
				detections[i].BoundingBox[j] *= factor
			}
		}
	}

	d.logger.Debug("food detected", "count", len(detections), "elapsed", time.Since(start))
	return detections, nil
}

type scriptOutput struct {
	Detections []struct {
		ClassName    string    `json:"class_name"`
		Confidence   float64   `json:"confidence"`
		BBox         []float64 `json:"bbox"`
		Alternatives []struct {
			ClassName  string  `json:"class_name"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"detections"`
	ProcessingTime float64 `json:"processing_time"`
	ModelInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"model_info"`
	Error string `json:"error"`
}

// parseOutput turns the script's JSON into detections at or above minConfidence,
// best first, at most max of them.
func parseOutput(data []byte, minConfidence float64, max int) ([]models.Detection, error) {
	var out scriptOutput
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse detector output: %w", err)
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}

	detections := make([]models.Detection, 0, len(out.Detections))
	for _, raw := range out.Detections {
		if raw.ClassName == "" || raw.Confidence < minConfidence {
			continue
		}
		det := models.Detection{
			Food:       foodRef(raw.ClassName),
			Confidence: raw.Confidence,
			Source:     "yolo",
		}
		copy(det.BoundingBox[:], raw.BBox)
		for _, alt := range raw.Alternatives {
			det.Alternatives = append(det.Alternatives, foodRef(alt.ClassName))
		}
		detections = append(detections, det)
	}

	sortByConfidence(detections)
	if max > 0 && len(detections) > max {
		detections = detections[:max]
	}
	return detections, nil
}

// scriptError extracts the error the script prints on stderr when it exits non-zero.
func scriptError(stderr []byte) string {
	var out scriptOutput
	if err := sonic.Unmarshal(stderr, &out); err != nil {
		return ""
	}
	return out.Error
}

// foodRef maps a class label such as "fried_rice" to a food reference.
func foodRef(class string) models.FoodRef {
	return models.FoodRef{
		ID:   class,
		Name: strings.ReplaceAll(class, "_", " "),
	}
}
