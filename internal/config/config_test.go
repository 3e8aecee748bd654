package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags() (*pflag.FlagSet, *Config) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	return fs, Register(fs)
}

func TestDefaults(t *testing.T) {
	fs, cfg := newFlags()
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, Load(fs, cfg, ""))

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, 10*time.Second, cfg.OCRAttemptTimeout)
	assert.Equal(t, 0.5, cfg.DetectorConfidence)
	assert.Equal(t, "localhost:8080", cfg.Addr())
}

func TestEnvVars(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("SESSION_TTL", "30m")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://test")

	fs, cfg := newFlags()
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, Load(fs, cfg, ""))

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://test", cfg.DBDSN)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("PORT", "9000")

	fs, cfg := newFlags()
	require.NoError(t, fs.Parse([]string{"-p", "8181", "--log-level", "debug"}))
	require.NoError(t, Load(fs, cfg, ""))

	assert.Equal(t, 8181, cfg.Port)
	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("OCR_LANGUAGE=deu\nDETECTOR_MAX_DETECTIONS=3\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("OCR_LANGUAGE")
		os.Unsetenv("DETECTOR_MAX_DETECTIONS")
	})

	fs, cfg := newFlags()
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, Load(fs, cfg, path))

	assert.Equal(t, "deu", cfg.OCRLanguage)
	assert.Equal(t, 3, cfg.DetectorMaxDetections)
}

func TestMissingEnvFileIsFine(t *testing.T) {
	fs, cfg := newFlags()
	require.NoError(t, fs.Parse(nil))
	assert.NoError(t, Load(fs, cfg, filepath.Join(t.TempDir(), "nope.env")))
}

func TestInvalid(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	fs, cfg := newFlags()
	require.NoError(t, fs.Parse(nil))
	assert.Error(t, Load(fs, cfg, ""))

	fs, cfg = newFlags()
	require.NoError(t, fs.Parse([]string{"--port", "1", "--db-driver", "mongo", "--detector-confidence", "2", "--log-level", "loud"}))
	err := Load(fs, cfg, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo")
	assert.Contains(t, err.Error(), "detector confidence")
	assert.Contains(t, err.Error(), "log level")
}
