package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-scale-meal/internal/models"
	"mcp-scale-meal/internal/nutrition"
	"mcp-scale-meal/internal/storage"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// per100g is a fixed nutrition table keyed by food ID.
type per100g map[string]models.NutritionVector

func (p per100g) Lookup(_ context.Context, foodID string, _ float64) (models.NutritionVector, error) {
	v, ok := p[foodID]
	if !ok {
		return models.NutritionVector{}, nutrition.ErrUnknownFood
	}
	return v, nil
}

var foods = per100g{
	"rice":    {Calories: 130, Protein: 2.7, Carbohydrates: 28.2, Fat: 0.3, Fiber: 0.4, Sodium: 1, Potassium: 35},
	"chicken": {Calories: 165, Protein: 31, Fat: 3.6, Sodium: 74, Cholesterol: 85, Potassium: 256},
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(storage.NewMemoryStore(), foods, time.Hour, quiet)
}

func grams(v float64) models.WeightReading {
	return models.WeightReading{Value: v, Unit: models.Grams, Confidence: 90}
}

func TestCreateAndGetSession(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	s, err := e.CreateSession(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Empty(t, s.Components)

	got, err := e.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, 0.0, got.TotalWeight)
	assert.Equal(t, 0.0, got.PreviousWeight)
}

func TestSequentialReadings(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, err := e.CreateSession(ctx)
	require.NoError(t, err)

	s, err = e.AddReading(ctx, s.ID, models.FoodRef{ID: "rice", Name: "Rice"}, grams(100))
	require.NoError(t, err)
	assert.Equal(t, 100.0, s.TotalWeight)
	assert.Equal(t, 0.0, s.PreviousWeight)

	diff, err := e.CalculateWeightDifference(ctx, s.ID, 250)
	require.NoError(t, err)
	assert.True(t, diff.IsValid)
	assert.Equal(t, 150.0, diff.Difference)

	s, err = e.AddReading(ctx, s.ID, models.FoodRef{ID: "chicken", Name: "Chicken"}, grams(250))
	require.NoError(t, err)
	assert.Equal(t, 250.0, s.TotalWeight)
	assert.Equal(t, 100.0, s.PreviousWeight)
	require.Len(t, s.Components, 2)
	assert.Equal(t, 150.0, s.Components[1].Weight)
	assert.Equal(t, 248.0, s.Components[1].Nutrition.Calories)
	assert.False(t, s.Components[1].Estimated)
}

func TestAddReadingConvertsUnits(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, _ := e.CreateSession(ctx)

	s, err := e.AddReading(ctx, s.ID, models.FoodRef{ID: "rice"},
		models.WeightReading{Value: 8, Unit: models.Ounces})
	require.NoError(t, err)
	assert.InDelta(t, 226.8, s.TotalWeight, 0.01)

	_, err = e.AddReading(ctx, s.ID, models.FoodRef{ID: "rice"},
		models.WeightReading{Value: 8, Unit: "stone"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, MsgUnknownUnit, verr.Message)
}

func TestCalculateWeightDifferenceRules(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, _ := e.CreateSession(ctx)
	_, err := e.AddReading(ctx, s.ID, models.FoodRef{ID: "rice"}, grams(100))
	require.NoError(t, err)

	tests := []struct {
		total float64
		valid bool
		msg   string
	}{
		{80, false, MsgNotIncreasing},
		{100, false, MsgNotIncreasing},
		{100.5, false, MsgTooSmall},
		{101, true, ""},
		{101.0001, true, ""},
		{5100, true, ""},
		{5100.0001, false, MsgTooLarge},
		{6200, false, MsgTooLarge},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.total), func(t *testing.T) {
			d, err := e.CalculateWeightDifference(ctx, s.ID, tt.total)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, d.IsValid)
			assert.Equal(t, tt.msg, d.Error)
			assert.Equal(t, 100.0, d.PreviousWeight)
		})
	}

	// pure check, nothing changed
	got, err := e.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Components, 1)
}

func TestAddIngredientValidatesIncrease(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, _ := e.CreateSession(ctx)

	tests := []struct {
		weight float64
		ok     bool
	}{
		{1, true},
		{1.0001, true},
		{5000, true},
		{5000.0001, false},
		{0.5, false},
	}
	for _, tt := range tests {
		_, err := e.AddIngredient(ctx, s.ID, models.MealComponent{Food: models.FoodRef{ID: "rice"}, Weight: tt.weight})
		if tt.ok {
			assert.NoError(t, err, "weight %v", tt.weight)
		} else {
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr, "weight %v", tt.weight)
		}
	}

	got, err := e.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Components, 3)
	assert.Equal(t, 5002.0, got.TotalWeight)
}

func TestRejectedAdditionsDoNotMutate(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, _ := e.CreateSession(ctx)
	s, _ = e.AddReading(ctx, s.ID, models.FoodRef{ID: "rice"}, grams(100))

	_, err := e.AddReading(ctx, s.ID, models.FoodRef{ID: "rice"}, grams(80))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, MsgNotIncreasing, verr.Message)

	_, err = e.AddReading(ctx, s.ID, models.FoodRef{ID: "rice"}, grams(6200))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, MsgTooLarge, verr.Message)

	got, _ := e.GetSession(ctx, s.ID)
	assert.Equal(t, s.Revision, got.Revision)
	assert.Equal(t, 100.0, got.TotalWeight)
}

func TestMalformedWeights(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(failingStore{}, foods, time.Hour, quiet)

	for _, w := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		_, err := e.CalculateWeightDifference(ctx, "any", w)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)

		_, err = e.AddIngredient(ctx, "any", models.MealComponent{Weight: w})
		assert.ErrorAs(t, err, &verr)

		_, err = e.CorrectWeight(ctx, "any", w)
		assert.ErrorAs(t, err, &verr)

		_, err = e.AddReading(ctx, "any", models.FoodRef{ID: "rice"}, grams(w))
		assert.ErrorAs(t, err, &verr)
	}
}

func TestMonotonicTotals(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, _ := e.CreateSession(ctx)

	weights := []float64{120, 35.5, 8, 410.25, 1}
	var sum float64
	for _, w := range weights {
		before := s.TotalWeight
		var err error
		s, err = e.AddIngredient(ctx, s.ID, models.MealComponent{Food: models.FoodRef{ID: "rice"}, Weight: w})
		require.NoError(t, err)
		sum += w
		assert.InDelta(t, sum, s.TotalWeight, 1e-9)
		assert.InDelta(t, before, s.PreviousWeight, 1e-9)
	}
}

func TestMealSummaryAdditivity(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, _ := e.CreateSession(ctx)

	summary, err := e.GetMealSummary(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NutritionVector{}, summary.TotalNutrition)
	assert.Equal(t, 0, summary.ComponentCount)

	_, err = e.AddReading(ctx, s.ID, models.FoodRef{ID: "rice"}, grams(200))
	require.NoError(t, err)
	summary, err = e.GetMealSummary(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 260.0, summary.TotalNutrition.Calories)
	assert.Equal(t, 1, summary.ComponentCount)

	s, err = e.AddReading(ctx, s.ID, models.FoodRef{ID: "chicken"}, grams(300))
	require.NoError(t, err)
	s, err = e.AddIngredient(ctx, s.ID, models.MealComponent{
		Food:      models.FoodRef{ID: "sauce"},
		Weight:    20,
		Nutrition: models.NutritionVector{Calories: 40, Sugar: 6.5},
	})
	require.NoError(t, err)

	summary, err = e.GetMealSummary(ctx, s.ID)
	require.NoError(t, err)

	var want models.NutritionVector
	for _, c := range s.Components {
		want = nutrition.Sum(want, c.Nutrition)
	}
	assert.Equal(t, want, summary.TotalNutrition)
	assert.Equal(t, 3, summary.ComponentCount)
	assert.Equal(t, 320.0, summary.TotalWeight)
}

func TestProviderFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, _ := e.CreateSession(ctx)

	s, err := e.AddReading(ctx, s.ID, models.FoodRef{ID: "mystery-stew"}, grams(300))
	require.NoError(t, err)
	require.Len(t, s.Components, 1)
	assert.True(t, s.Components[0].Estimated)
	assert.Equal(t, models.NutritionVector{}, s.Components[0].Nutrition)
}

func TestCorrectWeight(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, _ := e.CreateSession(ctx)
	s, _ = e.AddReading(ctx, s.ID, models.FoodRef{ID: "rice"}, grams(100))
	s, _ = e.AddReading(ctx, s.ID, models.FoodRef{ID: "chicken"}, grams(250))

	s, err := e.CorrectWeight(ctx, s.ID, 300)
	require.NoError(t, err)
	assert.Equal(t, 300.0, s.TotalWeight)
	assert.Equal(t, 100.0, s.PreviousWeight)
	assert.Equal(t, 100.0, s.Components[0].Weight)
	assert.Equal(t, 200.0, s.Components[1].Weight)
	assert.Equal(t, 330.0, s.Components[1].Nutrition.Calories)
	assert.Equal(t, 62.0, s.Components[1].Nutrition.Protein)

	_, err = e.CorrectWeight(ctx, s.ID, 100)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, MsgCorrectionLow, verr.Message)

	got, _ := e.GetSession(ctx, s.ID)
	assert.Equal(t, 300.0, got.TotalWeight)
}

// freshComponent adds food at grams to a new session and returns the component.
func freshComponent(t *testing.T, e *Engine, food string, weight float64) models.MealComponent {
	t.Helper()
	ctx := context.Background()
	s, err := e.CreateSession(ctx)
	require.NoError(t, err)
	s, err = e.AddReading(ctx, s.ID, models.FoodRef{ID: food}, grams(weight))
	require.NoError(t, err)
	return s.Components[0]
}

func TestCorrectWeightMatchesFreshAddition(t *testing.T) {
	tests := []struct {
		name    string
		food    string
		initial float64
		final   float64
	}{
		{"chicken 250 to 200", "chicken", 250, 200},
		{"chicken from a tiny reading", "chicken", 1.4, 500},
		{"rice down to 3 g", "rice", 180, 3},
		{"rice odd weights", "rice", 37.3, 141.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEngine(t)
			s, _ := e.CreateSession(ctx)
			s, err := e.AddReading(ctx, s.ID, models.FoodRef{ID: tt.food}, grams(tt.initial))
			require.NoError(t, err)

			// correct twice to make sure nothing compounds
			_, err = e.CorrectWeight(ctx, s.ID, tt.initial+7)
			require.NoError(t, err)
			s, err = e.CorrectWeight(ctx, s.ID, tt.final)
			require.NoError(t, err)

			want := freshComponent(t, e, tt.food, tt.final)
			got := s.Components[0]
			assert.Equal(t, want.Weight, got.Weight)
			assert.Equal(t, want.Nutrition, got.Nutrition)
		})
	}
}

func TestCorrectWeightSuppliedNutrition(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, _ := e.CreateSession(ctx)
	_, err := e.AddIngredient(ctx, s.ID, models.MealComponent{
		Food:      models.FoodRef{ID: "olive-oil"},
		Weight:    3,
		Nutrition: models.NutritionVector{Calories: 27, Fat: 3},
	})
	require.NoError(t, err)

	s, err = e.CorrectWeight(ctx, s.ID, 12)
	require.NoError(t, err)
	assert.Equal(t, 108.0, s.Components[0].Nutrition.Calories)
	assert.Equal(t, 12.0, s.Components[0].Nutrition.Fat)
}

// switchableProvider fails until it is turned on.
type switchableProvider struct {
	on atomic.Bool
}

func (p *switchableProvider) Lookup(ctx context.Context, foodID string, grams float64) (models.NutritionVector, error) {
	if !p.on.Load() {
		return models.NutritionVector{}, errors.New("nutrition service down")
	}
	return foods.Lookup(ctx, foodID, grams)
}

func TestCorrectWeightRetriesEstimatedNutrition(t *testing.T) {
	ctx := context.Background()
	provider := &switchableProvider{}
	e := NewEngine(storage.NewMemoryStore(), provider, time.Hour, quiet)
	s, _ := e.CreateSession(ctx)

	s, err := e.AddReading(ctx, s.ID, models.FoodRef{ID: "chicken"}, grams(150))
	require.NoError(t, err)
	assert.True(t, s.Components[0].Estimated)

	// still down: the correction succeeds and stays estimated
	s, err = e.CorrectWeight(ctx, s.ID, 160)
	require.NoError(t, err)
	assert.True(t, s.Components[0].Estimated)
	assert.Equal(t, models.NutritionVector{}, s.Components[0].Nutrition)

	provider.on.Store(true)
	s, err = e.CorrectWeight(ctx, s.ID, 200)
	require.NoError(t, err)
	assert.False(t, s.Components[0].Estimated)
	assert.Equal(t, freshComponent(t, newEngine(t), "chicken", 200).Nutrition, s.Components[0].Nutrition)
}

func TestCorrectWeightEmptySession(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, _ := e.CreateSession(ctx)

	_, err := e.CorrectWeight(ctx, s.ID, 50)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, MsgNothingToFix, verr.Message)
}

func TestFinalizeMeal(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, _ := e.CreateSession(ctx)
	_, _ = e.AddReading(ctx, s.ID, models.FoodRef{ID: "rice"}, grams(150))

	meal, err := e.FinalizeMeal(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, meal.SessionID)
	assert.Len(t, meal.Components, 1)
	assert.Equal(t, 195.0, meal.TotalNutrition.Calories)

	// finalizing does not delete
	_, err = e.GetSession(ctx, s.ID)
	assert.NoError(t, err)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	_, err := e.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.GetMealSummary(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.FinalizeMeal(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.CalculateWeightDifference(ctx, "missing", 100)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.AddReading(ctx, "missing", models.FoodRef{ID: "rice"}, grams(100))
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, e.DeleteSession(ctx, "missing"), ErrSessionNotFound)
	assert.ErrorIs(t, e.ExtendSession(ctx, "missing"), ErrSessionNotFound)
}

func TestDeleteAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := storage.NewMemoryStore().WithClock(clock)
	e := NewEngine(store, foods, 10*time.Minute, quiet)

	s, err := e.CreateSession(ctx)
	require.NoError(t, err)

	now = now.Add(8 * time.Minute)
	require.NoError(t, e.ExtendSession(ctx, s.ID))
	now = now.Add(8 * time.Minute)
	_, err = e.GetSession(ctx, s.ID)
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	_, err = e.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	s, err = e.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, e.DeleteSession(ctx, s.ID))
	_, err = e.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConcurrentAddsAreNotLost(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, _ := e.CreateSession(ctx)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		oks  int
		errs []error
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.AddIngredient(ctx, s.ID, models.MealComponent{
				Food:      models.FoodRef{ID: "rice"},
				Weight:    10,
				Nutrition: models.NutritionVector{Calories: 13},
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			oks++
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrConflict)
	}
	got, err := e.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Components, oks)
	assert.Equal(t, float64(10*oks), got.TotalWeight)
}

// contendedStore loses every compare-and-swap race.
type contendedStore struct {
	storage.Store
	attempts int
}

func (c *contendedStore) CompareAndSwap(context.Context, string, []byte, int64, time.Duration) (int64, error) {
	c.attempts++
	return 0, storage.ErrRevisionMismatch
}

func TestConflictAfterRetries(t *testing.T) {
	ctx := context.Background()
	store := &contendedStore{Store: storage.NewMemoryStore()}
	e := NewEngine(store, foods, time.Hour, quiet)
	s, err := e.CreateSession(ctx)
	require.NoError(t, err)

	_, err = e.AddReading(ctx, s.ID, models.FoodRef{ID: "rice"}, grams(100))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, maxCommitAttempts, store.attempts)
}

type failingStore struct{}

var errDown = errors.New("connection refused")

func (failingStore) Get(context.Context, string) (storage.Record, error) {
	return storage.Record{}, errDown
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error { return errDown }
func (failingStore) CompareAndSwap(context.Context, string, []byte, int64, time.Duration) (int64, error) {
	return 0, errDown
}
func (failingStore) Delete(context.Context, string) error { return errDown }
func (failingStore) Expire(context.Context, string, time.Duration) error { return errDown }
func (failingStore) Close() error { return nil }

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(failingStore{}, foods, time.Hour, quiet)

	_, err := e.CreateSession(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = e.GetSession(ctx, "x")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, e.ExtendSession(ctx, "x"), ErrStoreUnavailable)
}
