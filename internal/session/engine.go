// Package session keeps the ingredient ledger of a meal built up by repeated weighings.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"mcp-scale-meal/internal/models"
	"mcp-scale-meal/internal/nutrition"
	"mcp-scale-meal/internal/storage"
	"mcp-scale-meal/internal/units"
)

const (
	DefaultTTL = time.Hour

	// MaxIncrease and MinIncrease bound a single addition, in grams.
	MaxIncrease = 5000.0
	MinIncrease = 1.0

	maxCommitAttempts = 5
)

// Engine owns every read and write of meal sessions. Writes are optimistic:
// a commit only succeeds against the revision it was computed from.
type Engine struct {
	store     storage.Store
	nutrition nutrition.Provider
	ttl       time.Duration
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewEngine(store storage.Store, provider nutrition.Provider, ttl time.Duration, logger *slog.Logger) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		nutrition: provider,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (e *Engine) TTL() time.Duration {
	return e.ttl
}

func (e *Engine) CreateSession(ctx context.Context) (*models.MealSession, error) {
	now := e.now()
	s := &models.MealSession{
		ID:          e.newID(),
		Components:  []models.MealComponent{},
		CreatedAt:   now,
		LastUpdated: now,
	}

	data, err := encode(s)
	if err != nil {
		return nil, err
	}
	if err := e.store.Set(ctx, key(s.ID), data, e.ttl); err != nil {
		return nil, unavailable(err)
	}

	s.Revision = 1
	e.logger.Info("session created", "session_id", s.ID, "ttl", e.ttl)
	return s, nil
}

func (e *Engine) GetSession(ctx context.Context, id string) (*models.MealSession, error) {
	return e.load(ctx, id)
}

// CalculateWeightDifference checks a new total scale reading against the session
// without changing it. A rejected reading is a result, not an error.
func (e *Engine) CalculateWeightDifference(ctx context.Context, id string, newTotal float64) (models.WeightDifference, error) {
	if !validWeight(newTotal) {
		return models.WeightDifference{}, invalid(MsgInvalidWeight)
	}
	s, err := e.load(ctx, id)
	if err != nil {
		return models.WeightDifference{}, err
	}
	return checkDifference(s, newTotal), nil
}

// AddIngredient appends a component whose weight is the increase on the scale.
// The increase is validated the same way CalculateWeightDifference does. A
// component without nutrition gets it from the provider.
func (e *Engine) AddIngredient(ctx context.Context, id string, c models.MealComponent) (*models.MealSession, error) {
	if !validWeight(c.Weight) {
		return nil, invalid(MsgInvalidWeight)
	}
	switch {
	case c.Nutrition == (models.NutritionVector{}) && !c.Estimated && c.Food.ID != "":
		c.BaseNutrition, c.Estimated = e.reference(ctx, c.Food.ID)
		c.Nutrition = portion(c.BaseNutrition, round2(c.Weight))
	case c.BaseNutrition == nil && c.Nutrition != (models.NutritionVector{}):
		c.BaseNutrition = nutrition.PerReference(c.Nutrition, round2(c.Weight))
	}

	return e.update(ctx, id, func(s *models.MealSession) error {
		diff := checkIncrease(s.TotalWeight, c.Weight)
		if !diff.IsValid {
			return invalid(diff.Error)
		}
		e.append(s, c)
		return nil
	})
}

// AddReading adds the ingredient placed on the scale given the new total reading.
// Its nutrition comes from the provider, or is zero and marked estimated when the
// provider cannot answer.
func (e *Engine) AddReading(ctx context.Context, id string, food models.FoodRef, reading models.WeightReading) (*models.MealSession, error) {
	if food.ID == "" {
		return nil, invalid(MsgMissingFood)
	}
	if !validWeight(reading.Value) {
		return nil, invalid(MsgInvalidWeight)
	}
	if reading.Unit == "" {
		reading.Unit = models.Grams
	}
	newTotal, err := units.ToGrams(reading.Value, reading.Unit)
	if err != nil {
		return nil, invalid(MsgUnknownUnit)
	}

	return e.update(ctx, id, func(s *models.MealSession) error {
		diff := checkDifference(s, newTotal)
		if !diff.IsValid {
			return invalid(diff.Error)
		}

		weight := round2(diff.Difference)
		base, estimated := e.reference(ctx, food.ID)
		e.append(s, models.MealComponent{
			Food:          food,
			Weight:        weight,
			Nutrition:     portion(base, weight),
			BaseNutrition: base,
			Estimated:     estimated,
		})
		return nil
	})
}

// CorrectWeight replaces the weight of the most recent component so the session
// total becomes newTotal. Earlier components cannot be corrected. Nutrition is
// rescaled from the component's per-100 g values, so a corrected ingredient
// matches one added at that weight in the first place.
func (e *Engine) CorrectWeight(ctx context.Context, id string, newTotal float64) (*models.MealSession, error) {
	if !validWeight(newTotal) {
		return nil, invalid(MsgInvalidWeight)
	}

	return e.update(ctx, id, func(s *models.MealSession) error {
		if len(s.Components) == 0 {
			return invalid(MsgNothingToFix)
		}

		last := &s.Components[len(s.Components)-1]
		var others float64
		for _, c := range s.Components[:len(s.Components)-1] {
			others += c.Weight
		}

		weight := round2(newTotal - others)
		if weight <= 0 {
			return invalid(MsgCorrectionLow)
		}

		e.logger.Info("correcting last ingredient",
			"session_id", s.ID, "food", last.Food.ID, "from", last.Weight, "to", weight)
		if last.BaseNutrition == nil {
			if last.Estimated || last.Nutrition == (models.NutritionVector{}) {
				last.BaseNutrition, last.Estimated = e.reference(ctx, last.Food.ID)
			} else {
				last.BaseNutrition = nutrition.PerReference(last.Nutrition, last.Weight)
			}
		}
		last.Nutrition = portion(last.BaseNutrition, weight)
		last.Weight = weight
		recompute(s)
		return nil
	})
}

func (e *Engine) GetMealSummary(ctx context.Context, id string) (*models.MealSummary, error) {
	s, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	summary := summarize(s)
	return &summary, nil
}

// FinalizeMeal returns the summary together with every component. The session
// is left in place until it expires or is deleted.
func (e *Engine) FinalizeMeal(ctx context.Context, id string) (*models.FinalizedMeal, error) {
	s, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.FinalizedMeal{
		MealSummary: summarize(s),
		Components:  s.Components,
		FinalizedAt: e.now(),
	}, nil
}

func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	if _, err := e.load(ctx, id); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, key(id)); err != nil {
		return unavailable(err)
	}
	e.logger.Info("session deleted", "session_id", id)
	return nil
}

// ExtendSession restarts the session's TTL.
func (e *Engine) ExtendSession(ctx context.Context, id string) error {
	err := e.store.Expire(ctx, key(id), e.ttl)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrSessionNotFound
	case err != nil:
		return unavailable(err)
	}
	return nil
}

func (e *Engine) load(ctx context.Context, id string) (*models.MealSession, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	rec, err := e.store.Get(ctx, key(id))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrSessionNotFound
	case err != nil:
		return nil, unavailable(err)
	}
	return decode(rec)
}

// update runs mutate against the latest stored session and commits the result
// with compare-and-swap, starting over when another writer got there first.
func (e *Engine) update(ctx context.Context, id string, mutate func(s *models.MealSession) error) (*models.MealSession, error) {
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		s, err := e.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(s); err != nil {
			return nil, err
		}
		s.LastUpdated = e.now()

		data, err := encode(s)
		if err != nil {
			return nil, err
		}

		rev, err := e.store.CompareAndSwap(ctx, key(id), data, s.Revision, e.ttl)
		switch {
		case err == nil:
			s.Revision = rev
			return s, nil
		case errors.Is(err, storage.ErrRevisionMismatch):
			e.logger.Debug("session changed during update, retrying", "session_id", id, "attempt", attempt)
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrSessionNotFound
		default:
			return nil, unavailable(err)
		}
	}

	e.logger.Warn("giving up on contended session", "session_id", id, "attempts", maxCommitAttempts)
	return nil, ErrConflict
}

func (e *Engine) append(s *models.MealSession, c models.MealComponent) {
	if c.ID == "" {
		c.ID = e.newID()
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = e.now()
	}
	c.Weight = round2(c.Weight)
	s.Components = append(s.Components, c)
	recompute(s)

	e.logger.Info("ingredient added",
		"session_id", s.ID, "food", c.Food.ID, "weight", c.Weight,
		"total", s.TotalWeight, "estimated", c.Estimated)
}

// reference returns the per-100 g nutrition of a food. A nil vector with
// estimated set means no provider could answer.
func (e *Engine) reference(ctx context.Context, foodID string) (*models.NutritionVector, bool) {
	if e.nutrition == nil || foodID == "" {
		return nil, true
	}
	v, err := nutrition.Reference(ctx, e.nutrition, foodID)
	if err != nil {
		e.logger.Warn("nutrition lookup failed, using estimate", "food", foodID, "error", err)
		return nil, true
	}
	return &v, false
}

// portion scales a per-100 g vector to grams. No vector means zero nutrition.
func portion(base *models.NutritionVector, grams float64) models.NutritionVector {
	if base == nil {
		return models.NutritionVector{}
	}
	return nutrition.Scale(*base, nutrition.ReferenceWeight, grams)
}

func checkDifference(s *models.MealSession, newTotal float64) models.WeightDifference {
	return checkIncrease(s.TotalWeight, newTotal-s.TotalWeight)
}

// checkIncrease applies the plausibility rules in order: the total must grow,
// by no more than MaxIncrease and by at least MinIncrease.
func checkIncrease(previous, diff float64) models.WeightDifference {
	d := models.WeightDifference{
		Difference:     diff,
		PreviousWeight: previous,
	}
	switch {
	case d.Difference <= 0:
		d.Error = MsgNotIncreasing
	case d.Difference > MaxIncrease:
		d.Error = MsgTooLarge
	case d.Difference < MinIncrease:
		d.Error = MsgTooSmall
	default:
		d.IsValid = true
	}
	return d
}

// recompute restores totalWeight == sum(weights) and
// previousWeight == totalWeight - last weight.
func recompute(s *models.MealSession) {
	var total float64
	for _, c := range s.Components {
		total += c.Weight
	}
	s.TotalWeight = round2(total)
	s.PreviousWeight = 0
	if n := len(s.Components); n > 0 {
		s.PreviousWeight = round2(s.TotalWeight - s.Components[n-1].Weight)
	}
}

func summarize(s *models.MealSession) models.MealSummary {
	vs := make([]models.NutritionVector, len(s.Components))
	for i, c := range s.Components {
		vs[i] = c.Nutrition
	}
	return models.MealSummary{
		SessionID:      s.ID,
		TotalNutrition: nutrition.Sum(vs...),
		TotalWeight:    s.TotalWeight,
		ComponentCount: len(s.Components),
	}
}

func validWeight(w float64) bool {
	return !math.IsNaN(w) && !math.IsInf(w, 0) && w > 0
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
