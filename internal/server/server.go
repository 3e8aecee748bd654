// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/ThinkInAIXYZ/go-mcp/server"
	"github.com/bytedance/sonic"

	"mcp-scale-meal/internal/detect"
	"mcp-scale-meal/internal/models"
	"mcp-scale-meal/internal/session"
	"mcp-scale-meal/internal/storage"
	"mcp-scale-meal/internal/version"
)

type Config struct {
	Host string
	Port int
	// MaxImageBytes bounds a decoded image upload.
	MaxImageBytes int
}

// ScaleReader reads weights from scale photos. Implemented by *scale.Pipeline.
type ScaleReader interface {
	ReadScaleWeight(ctx context.Context, img []byte) models.WeightReading
	ValidateScaleImage(ctx context.Context, img []byte) models.ScaleImageValidation
}

// Deps are the collaborators the tools are served from. Detector may be nil.
type Deps struct {
	Reader   ScaleReader
	Detector detect.Detector
	Engine   *session.Engine
	Store    storage.Store
	Logger   *slog.Logger
}

type toolHandler func(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error)

type ScaleMealServer struct {
	server     *server.Server
	httpServer *http.Server
	reader     ScaleReader
	detector   detect.Detector
	engine     *session.Engine
	store      storage.Store
	tools      map[string]toolHandler
	logger     *slog.Logger
	config     *Config
}

func NewScaleMealServer(cfg *Config, deps Deps) (*ScaleMealServer, error) {
	if deps.Reader == nil || deps.Engine == nil {
		return nil, errors.New("scale reader and session engine are required")
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = DefaultMaxImageBytes
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &ScaleMealServer{
		reader:   deps.Reader,
		detector: deps.Detector,
		engine:   deps.Engine,
		store:    deps.Store,
		logger:   logger,
		config:   cfg,
	}

	// Create MCP server (without transport, we'll handle HTTP manually)
	mcpServer, err := server.NewServer(
		nil,
		server.WithServerInfo(protocol.Implementation{
			Name:    "scale-meal",
			Version: version.Version,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP server: %w", err)
	}
	s.server = mcpServer

	s.registerTools()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleHTTP)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

func (s *ScaleMealServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *ScaleMealServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *ScaleMealServer) handleHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// base64 inflates images by a third, leave room for the envelope
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.config.MaxImageBytes)*2+1<<20)

	var request protocol.CallToolRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	handler, ok := s.tools[request.Name]
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown tool: %s", request.Name), http.StatusNotFound)
		return
	}

	start := time.Now()
	result, err := handler(r.Context(), &request)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("tool failed", "tool", request.Name, "error", err, "elapsed", time.Since(start))
		http.Error(w, err.Error(), status)
		return
	}
	s.logger.Info("tool called", "tool", request.Name, "is_error", result.IsError, "elapsed", time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *ScaleMealServer) Start(ctx context.Context) error {
	s.logger.Info("starting scale meal server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *ScaleMealServer) Stop(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		errs = append(errs, s.httpServer.Shutdown(ctx))
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

func (s *ScaleMealServer) createJSONResponse(data interface{}) (*protocol.CallToolResult, error) {
	jsonBytes, err := sonic.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}

	return &protocol.CallToolResult{
		Content: []protocol.Content{
			protocol.TextContent{
				Type: "text",
				Text: string(jsonBytes),
			},
		},
	}, nil
}

// createErrorResponse reports a failure the caller can act on, such as a
// rejected weight or an unknown session.
func (s *ScaleMealServer) createErrorResponse(message string) *protocol.CallToolResult {
	return &protocol.CallToolResult{
		Content: []protocol.Content{
			protocol.TextContent{
				Type: "text",
				Text: message,
			},
		},
		IsError: true,
	}
}
