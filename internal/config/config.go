// Package config resolves server settings from flags, the environment and a .env file.
//
// Precedence, highest first: command-line flags, environment variables,
// values from .env, built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type Config struct {
	Host string
	Port int

	DBDriver string
	DBDSN    string

	SessionTTL    time.Duration
	SweepInterval time.Duration

	OCRLanguage       string
	OCRAttemptTimeout time.Duration

	NutritionURL     string
	NutritionAPIKey  string
	NutritionTimeout time.Duration

	DetectorPython        string
	DetectorScript        string
	DetectorModel         string
	DetectorConfidence    float64
	DetectorMaxDetections int

	LogLevel string
}

// binding ties a flag to the environment variable it falls back to.
type binding struct {
	flag string
	env  string
}

var bindings = []binding{
	{"host", "HOST"},
	{"port", "PORT"},
	{"db-driver", "DB_DRIVER"},
	{"db-dsn", "DATABASE_URL"},
	{"session-ttl", "SESSION_TTL"},
	{"sweep-interval", "SWEEP_INTERVAL"},
	{"ocr-language", "OCR_LANGUAGE"},
	{"ocr-timeout", "OCR_ATTEMPT_TIMEOUT"},
	{"nutrition-url", "NUTRITION_API_URL"},
	{"nutrition-key", "NUTRITION_API_KEY"},
	{"nutrition-timeout", "NUTRITION_TIMEOUT"},
	{"detector-python", "DETECTOR_PYTHON"},
	{"detector-script", "DETECTOR_SCRIPT"},
	{"detector-model", "DETECTOR_MODEL_PATH"},
	{"detector-confidence", "DETECTOR_CONFIDENCE"},
	{"detector-max", "DETECTOR_MAX_DETECTIONS"},
	{"log-level", "LOG_LEVEL"},
}

// Register adds every setting to fs with its default and returns the config
// the flags write into.
func Register(fs *pflag.FlagSet) *Config {
	cfg := &Config{}

	fs.StringVar(&cfg.Host, "host", "localhost", "Host to bind to")
	fs.IntVarP(&cfg.Port, "port", "p", 8080, "Port to listen on")

	fs.StringVar(&cfg.DBDriver, "db-driver", "sqlite", "Session store driver (sqlite, sqlite3, postgres, memory)")
	fs.StringVarP(&cfg.DBDSN, "db-dsn", "d", "./scale-meal.db", "Session store DSN or file path")

	fs.DurationVar(&cfg.SessionTTL, "session-ttl", time.Hour, "Lifetime of an idle meal session")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", 5*time.Minute, "How often expired sessions are removed")

	fs.StringVar(&cfg.OCRLanguage, "ocr-language", "eng", "Tesseract language")
	fs.DurationVar(&cfg.OCRAttemptTimeout, "ocr-timeout", 10*time.Second, "Upper bound for one recognition attempt")

	fs.StringVar(&cfg.NutritionURL, "nutrition-url", "", "Nutrition API base URL")
	fs.StringVar(&cfg.NutritionAPIKey, "nutrition-key", "", "Nutrition API key (prefer env)")
	fs.DurationVar(&cfg.NutritionTimeout, "nutrition-timeout", 10*time.Second, "Nutrition API request timeout")

	fs.StringVar(&cfg.DetectorPython, "detector-python", "python3", "Python interpreter for the food detector")
	fs.StringVar(&cfg.DetectorScript, "detector-script", "", "Food detection script; empty disables YOLO detection")
	fs.StringVar(&cfg.DetectorModel, "detector-model", "", "Custom detection model path")
	fs.Float64Var(&cfg.DetectorConfidence, "detector-confidence", 0.5, "Minimum detection confidence")
	fs.IntVar(&cfg.DetectorMaxDetections, "detector-max", 5, "Maximum detections per image")

	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cfg
}

// Load fills every flag the user did not set from the environment, reading
// envFile first when it exists, then validates the result.
func Load(fs *pflag.FlagSet, cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	for _, b := range bindings {
		if fs.Lookup(b.flag) == nil || fs.Changed(b.flag) {
			continue
		}
		v, ok := os.LookupEnv(b.env)
		if !ok || v == "" {
			continue
		}
		if err := fs.Set(b.flag, v); err != nil {
			return fmt.Errorf("invalid %s env variable: %w", b.env, err)
		}
	}

	return cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.DBDriver {
	case "sqlite", "sqlite3", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported db driver %q", c.DBDriver))
	}
	if c.DBDriver != "memory" && c.DBDSN == "" {
		errs = append(errs, errors.New("database DSN required (use --db-dsn or DATABASE_URL env)"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session TTL must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	if c.OCRAttemptTimeout <= 0 {
		errs = append(errs, errors.New("OCR timeout must be positive"))
	}
	if c.DetectorConfidence <= 0 || c.DetectorConfidence > 1 {
		errs = append(errs, fmt.Errorf("detector confidence %v must be in (0, 1]", c.DetectorConfidence))
	}
	if c.DetectorMaxDetections <= 0 {
		errs = append(errs, errors.New("detector max detections must be positive"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return l, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
