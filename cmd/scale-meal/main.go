// cmd/scale-meal/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"mcp-scale-meal/internal/config"
	"mcp-scale-meal/internal/detect"
	"mcp-scale-meal/internal/nutrition"
	"mcp-scale-meal/internal/ocr"
	"mcp-scale-meal/internal/scale"
	"mcp-scale-meal/internal/server"
	"mcp-scale-meal/internal/session"
	"mcp-scale-meal/internal/storage"
	"mcp-scale-meal/internal/version"
)

var (
	cfg     *config.Config
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "scale-meal",
		Short:         "Read kitchen scale photos and build meals ingredient by ingredient",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load")
	cfg = config.Register(rootCmd.PersistentFlags())

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := config.Load(cmd.Flags(), cfg, envFile); err != nil {
			return err
		}
		level, _ := cfg.SlogLevel()
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newPipeline() (*scale.Pipeline, func(), error) {
	rec, err := ocr.NewTesseractRecognizer(cfg.OCRLanguage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OCR: %w", err)
	}
	p := scale.NewPipeline(ocr.NewCVPreprocessor(), rec,
		scale.WithAttemptTimeout(cfg.OCRAttemptTimeout),
		scale.WithLogger(slog.Default()))
	return p, func() { rec.Close() }, nil
}

func newDetector() detect.Detector {
	detectors := []detect.Detector{detect.NewBarcodeDetector()}
	if cfg.DetectorScript != "" {
		detectors = append(detectors, detect.NewYOLODetector(detect.YOLOConfig{
			Python:        cfg.DetectorPython,
			Script:        cfg.DetectorScript,
			ModelPath:     cfg.DetectorModel,
			Confidence:    cfg.DetectorConfidence,
			MaxDetections: cfg.DetectorMaxDetections,
		}, slog.Default()))
	}
	return detect.NewMultiDetector(slog.Default(), detectors...)
}

func newProvider() nutrition.Provider {
	if cfg.NutritionURL == "" {
		slog.Warn("no nutrition API configured, ingredients will carry estimated nutrition")
		return nil
	}
	return nutrition.NewCachingProvider(nutrition.NewHTTPProvider(nutrition.HTTPConfig{
		BaseURL: cfg.NutritionURL,
		APIKey:  cfg.NutritionAPIKey,
		Timeout: cfg.NutritionTimeout,
	}))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP tool server over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := storage.Open(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("failed to initialize storage: %w", err)
			}

			pipeline, closeOCR, err := newPipeline()
			if err != nil {
				store.Close()
				return err
			}
			defer closeOCR()

			srv, err := server.NewScaleMealServer(&server.Config{
				Host: cfg.Host,
				Port: cfg.Port,
			}, server.Deps{
				Reader:   pipeline,
				Detector: newDetector(),
				Engine:   session.NewEngine(store, newProvider(), cfg.SessionTTL, slog.Default()),
				Store:    store,
				Logger:   slog.Default(),
			})
			if err != nil {
				store.Close()
				return fmt.Errorf("failed to create server: %w", err)
			}

			// Setup graceful shutdown
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if sw, ok := store.(storage.Sweeper); ok {
				go storage.RunSweeper(ctx, sw, cfg.SweepInterval, func(removed int64, err error) {
					if err != nil {
						slog.Warn("session sweep failed", "error", err)
						return
					}
					if removed > 0 {
						slog.Info("expired sessions removed", "count", removed)
					}
				})
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(ctx); err != nil {
					errCh <- err
				}
			}()

			var runErr error
			select {
			case sig := <-sigCh:
				slog.Info("received shutdown signal", "signal", sig.String())
			case runErr = <-errCh:
				slog.Error("server error", "error", runErr)
			}

			slog.Info("shutting down")
			cancel()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
			defer stop()
			if err := srv.Stop(shutdownCtx); err != nil {
				slog.Error("error during shutdown", "error", err)
			}
			return runErr
		},
	}
}

func readCmd() *cobra.Command {
	var validate bool

	cmd := &cobra.Command{
		Use:   "read [image]",
		Short: "Read the weight shown in a scale photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			pipeline, closeOCR, err := newPipeline()
			if err != nil {
				return err
			}
			defer closeOCR()

			if validate {
				return printJSON(pipeline.ValidateScaleImage(cmd.Context(), img))
			}
			return printJSON(scale.Assess(pipeline.ReadScaleWeight(cmd.Context(), img)))
		},
	}

	cmd.Flags().BoolVar(&validate, "validate", false, "check photo quality instead of only reading")
	return cmd
}

func detectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect [image]",
		Short: "Identify food in a photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			detections, err := newDetector().Detect(cmd.Context(), img)
			if err != nil {
				return err
			}
			return printJSON(detections)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		// no config needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(*cobra.Command, []string) {
			fmt.Println(version.String())
		},
	}
}

func printJSON(v interface{}) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
