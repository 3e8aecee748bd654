// internal/server/tools.go
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/bytedance/sonic"
	"github.com/dustin/go-humanize"

	"mcp-scale-meal/internal/models"
	"mcp-scale-meal/internal/scale"
	"mcp-scale-meal/internal/session"
	"mcp-scale-meal/internal/units"
)

const DefaultMaxImageBytes = 10 << 20

type ImageParams struct {
	Image string `json:"image" description:"Base64-encoded photo (JPEG, PNG, WebP, BMP, TIFF or GIF); data URLs are accepted"`
}

type SessionParams struct {
	SessionID string `json:"session_id" description:"Meal session identifier"`
}

type WeightDifferenceParams struct {
	SessionID      string  `json:"session_id" description:"Meal session identifier"`
	NewTotalWeight float64 `json:"new_total_weight" description:"Total weight now shown on the scale"`
	Unit           string  `json:"unit,omitempty" description:"Unit of the weight: g, oz or lb (defaults to g)"`
}

type AddIngredientParams struct {
	SessionID string                  `json:"session_id" description:"Meal session identifier"`
	FoodID    string                  `json:"food_id" description:"Food identifier from detection or search"`
	FoodName  string                  `json:"food_name,omitempty" description:"Display name of the food"`
	Weight    float64                 `json:"weight" description:"Weight of the added ingredient alone"`
	Unit      string                  `json:"unit,omitempty" description:"Unit of the weight: g, oz or lb (defaults to g)"`
	Nutrition *models.NutritionVector `json:"nutrition,omitempty" description:"Nutrition for this portion; looked up when omitted"`
}

type AddReadingParams struct {
	SessionID string  `json:"session_id" description:"Meal session identifier"`
	FoodID    string  `json:"food_id" description:"Food identifier of the ingredient just added"`
	FoodName  string  `json:"food_name,omitempty" description:"Display name of the food"`
	Value     float64 `json:"value" description:"Total weight now shown on the scale"`
	Unit      string  `json:"unit,omitempty" description:"Unit of the reading: g, oz or lb (defaults to g)"`
}

type CorrectWeightParams struct {
	SessionID string  `json:"session_id" description:"Meal session identifier"`
	NewWeight float64 `json:"new_weight" description:"Corrected total weight on the scale"`
	Unit      string  `json:"unit,omitempty" description:"Unit of the weight: g, oz or lb (defaults to g)"`
}

// extractParams safely extracts parameters from the request arguments
func extractParams(req *protocol.CallToolRequest, target interface{}) error {
	jsonBytes, err := sonic.Marshal(req.Arguments)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}

	if err := sonic.Unmarshal(jsonBytes, target); err != nil {
		return fmt.Errorf("failed to unmarshal parameters: %w", err)
	}

	return nil
}

func (s *ScaleMealServer) registerTools() {
	s.tools = map[string]toolHandler{
		"read_scale_weight":           s.handleReadScaleWeight,
		"validate_scale_image":        s.handleValidateScaleImage,
		"detect_food":                 s.handleDetectFood,
		"analyze_image":               s.handleAnalyzeImage,
		"create_session":              s.handleCreateSession,
		"calculate_weight_difference": s.handleCalculateWeightDifference,
		"add_ingredient":              s.handleAddIngredient,
		"add_reading":                 s.handleAddReading,
		"correct_weight":              s.handleCorrectWeight,
		"get_meal_summary":            s.handleGetMealSummary,
		"finalize_meal":               s.handleFinalizeMeal,
		"delete_session":              s.handleDeleteSession,
		"extend_session":              s.handleExtendSession,
	}

	for name := range s.tools {
		s.logger.Debug("registered tool", "tool", name)
	}
}

// decodeImage extracts the photo from params. A problem with the upload is
// returned as a user-facing message, not an error.
func (s *ScaleMealServer) decodeImage(req *protocol.CallToolRequest) ([]byte, string, error) {
	var params ImageParams
	if err := extractParams(req, &params); err != nil {
		return nil, "", fmt.Errorf("invalid parameters: %w", err)
	}

	data := strings.TrimSpace(params.Image)
	if i := strings.Index(data, ";base64,"); strings.HasPrefix(data, "data:") && i >= 0 {
		data = data[i+len(";base64,"):]
	}
	if data == "" {
		return nil, "image is required", nil
	}

	img, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "image must be base64-encoded", nil
	}
	if len(img) > s.config.MaxImageBytes {
		return nil, fmt.Sprintf("image too large (%s, limit %s)",
			humanize.Bytes(uint64(len(img))), humanize.Bytes(uint64(s.config.MaxImageBytes))), nil
	}
	return img, "", nil
}

func (s *ScaleMealServer) handleReadScaleWeight(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	img, msg, err := s.decodeImage(req)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return s.createErrorResponse(msg), nil
	}

	reading := s.reader.ReadScaleWeight(ctx, img)
	return s.createJSONResponse(scale.Assess(reading))
}

func (s *ScaleMealServer) handleValidateScaleImage(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	img, msg, err := s.decodeImage(req)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return s.createErrorResponse(msg), nil
	}

	return s.createJSONResponse(s.reader.ValidateScaleImage(ctx, img))
}

func (s *ScaleMealServer) handleDetectFood(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	img, msg, err := s.decodeImage(req)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return s.createErrorResponse(msg), nil
	}
	if s.detector == nil {
		return s.createErrorResponse("food detection is not configured"), nil
	}

	detections, err := s.detector.Detect(ctx, img)
	if err != nil {
		s.logger.Warn("food detection failed", "error", err)
		return s.createErrorResponse(fmt.Sprintf("food detection failed: %v", err)), nil
	}
	if detections == nil {
		detections = []models.Detection{}
	}
	return s.createJSONResponse(map[string]interface{}{"detections": detections})
}

// handleAnalyzeImage runs food detection and the scale reading side by side on one photo.
func (s *ScaleMealServer) handleAnalyzeImage(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	img, msg, err := s.decodeImage(req)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return s.createErrorResponse(msg), nil
	}

	analysis := models.ImageAnalysis{Detections: []models.Detection{}}
	var (
		wg      sync.WaitGroup
		reading models.WeightReading
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		reading = s.reader.ReadScaleWeight(ctx, img)
	}()

	if s.detector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			detections, err := s.detector.Detect(ctx, img)
			if err != nil {
				analysis.DetectErr = err.Error()
				return
			}
			if detections != nil {
				analysis.Detections = detections
			}
		}()
	} else {
		analysis.DetectErr = "food detection is not configured"
	}

	wg.Wait()
	analysis.Reading = scale.Assess(reading)
	return s.createJSONResponse(analysis)
}

func (s *ScaleMealServer) handleCreateSession(ctx context.Context, _ *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	sess, err := s.engine.CreateSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s.createJSONResponse(map[string]interface{}{
		"session_id": sess.ID,
		"expires_in": strings.TrimSpace(humanize.RelTime(sess.CreatedAt, sess.CreatedAt.Add(s.engine.TTL()), "", "")),
		"session":    sess,
	})
}

func (s *ScaleMealServer) handleCalculateWeightDifference(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params WeightDifferenceParams
	if err := extractParams(req, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	grams, msg := toGrams(params.NewTotalWeight, params.Unit)
	if msg != "" {
		return s.createErrorResponse(msg), nil
	}

	diff, err := s.engine.CalculateWeightDifference(ctx, params.SessionID, grams)
	return s.sessionResult(diff, err)
}

func (s *ScaleMealServer) handleAddIngredient(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params AddIngredientParams
	if err := extractParams(req, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if params.FoodID == "" {
		return s.createErrorResponse(session.MsgMissingFood), nil
	}
	grams, msg := toGrams(params.Weight, params.Unit)
	if msg != "" {
		return s.createErrorResponse(msg), nil
	}

	c := models.MealComponent{
		Food:   models.FoodRef{ID: params.FoodID, Name: params.FoodName},
		Weight: grams,
	}
	if params.Nutrition != nil {
		c.Nutrition = *params.Nutrition
	}

	sess, err := s.engine.AddIngredient(ctx, params.SessionID, c)
	return s.sessionResult(sess, err)
}

func (s *ScaleMealServer) handleAddReading(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params AddReadingParams
	if err := extractParams(req, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	var unit models.WeightUnit
	if params.Unit != "" {
		u, ok := units.ParseUnit(params.Unit)
		if !ok {
			return s.createErrorResponse(session.MsgUnknownUnit), nil
		}
		unit = u
	}

	sess, err := s.engine.AddReading(ctx, params.SessionID,
		models.FoodRef{ID: params.FoodID, Name: params.FoodName},
		models.WeightReading{Value: params.Value, Unit: unit})
	return s.sessionResult(sess, err)
}

func (s *ScaleMealServer) handleCorrectWeight(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params CorrectWeightParams
	if err := extractParams(req, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	grams, msg := toGrams(params.NewWeight, params.Unit)
	if msg != "" {
		return s.createErrorResponse(msg), nil
	}

	sess, err := s.engine.CorrectWeight(ctx, params.SessionID, grams)
	return s.sessionResult(sess, err)
}

func (s *ScaleMealServer) handleGetMealSummary(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SessionParams
	if err := extractParams(req, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	summary, err := s.engine.GetMealSummary(ctx, params.SessionID)
	return s.sessionResult(summary, err)
}

func (s *ScaleMealServer) handleFinalizeMeal(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SessionParams
	if err := extractParams(req, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	meal, err := s.engine.FinalizeMeal(ctx, params.SessionID)
	return s.sessionResult(meal, err)
}

func (s *ScaleMealServer) handleDeleteSession(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SessionParams
	if err := extractParams(req, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	err := s.engine.DeleteSession(ctx, params.SessionID)
	return s.sessionResult(map[string]interface{}{"session_id": params.SessionID, "deleted": true}, err)
}

func (s *ScaleMealServer) handleExtendSession(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SessionParams
	if err := extractParams(req, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	err := s.engine.ExtendSession(ctx, params.SessionID)
	return s.sessionResult(map[string]interface{}{
		"session_id": params.SessionID,
		"extended":   true,
		"ttl":        s.engine.TTL().String(),
	}, err)
}

// sessionResult maps engine errors the caller can act on to tool errors.
// Anything else, such as an unreachable store, fails the request.
func (s *ScaleMealServer) sessionResult(data interface{}, err error) (*protocol.CallToolResult, error) {
	var verr *session.ValidationError
	switch {
	case err == nil:
		return s.createJSONResponse(data)
	case errors.As(err, &verr):
		return s.createErrorResponse(verr.Message), nil
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrConflict):
		return s.createErrorResponse(err.Error()), nil
	default:
		return nil, err
	}
}

// toGrams converts a weight given in a unit token to grams. An empty unit means grams.
func toGrams(value float64, unit string) (float64, string) {
	u := models.Grams
	if unit != "" {
		parsed, ok := units.ParseUnit(unit)
		if !ok {
			return 0, session.MsgUnknownUnit
		}
		u = parsed
	}
	grams, err := units.ToGrams(value, u)
	if err != nil {
		return 0, session.MsgUnknownUnit
	}
	return grams, ""
}
