// internal/models/meal.go
package models

import (
    "time"
)

// FoodRef identifies a food item as reported by the detector or chosen by the user.
type FoodRef struct {
    ID   string `json:"id"`
    Name string `json:"name"`
}

// NutritionVector holds the tracked nutrient amounts for one portion.
// Energy is kcal, sodium/potassium/cholesterol are mg, everything else is grams.
type NutritionVector struct {
    Calories      float64 `json:"calories"`
    Protein       float64 `json:"protein"`
    Carbohydrates float64 `json:"carbohydrates"`
    Fat           float64 `json:"fat"`
    Fiber         float64 `json:"fiber"`
    Sodium        float64 `json:"sodium"`
    Sugar         float64 `json:"sugar"`
    SaturatedFat  float64 `json:"saturated_fat"`
    Cholesterol   float64 `json:"cholesterol"`
    Potassium     float64 `json:"potassium"`
}

// MealComponent is one weighed ingredient of a meal session.
type MealComponent struct {
    ID            string           `json:"id"`
    Food          FoodRef          `json:"food"`
    Weight        float64          `json:"weight"` // grams
    Nutrition     NutritionVector  `json:"nutrition"`
    // BaseNutrition is the unrounded nutrition per 100 g that Nutrition is scaled from.
    BaseNutrition *NutritionVector `json:"base_nutrition,omitempty"`
    Estimated     bool             `json:"estimated,omitempty"` // nutrition is fallback data
    AddedAt       time.Time        `json:"added_at"`
}

// MealSession is the ledger of ingredients added during one weighing sequence.
type MealSession struct {
    ID             string          `json:"id"`
    Components     []MealComponent `json:"components"`
    TotalWeight    float64         `json:"total_weight"`
    PreviousWeight float64         `json:"previous_weight"`
    CreatedAt      time.Time       `json:"created_at"`
    LastUpdated    time.Time       `json:"last_updated"`
    Revision       int64           `json:"-"`
}

// WeightDifference is the result of checking a new total scale reading against a session.
type WeightDifference struct {
    Difference     float64 `json:"difference"`
    PreviousWeight float64 `json:"previous_weight"`
    IsValid        bool    `json:"is_valid"`
    Error          string  `json:"error,omitempty"`
}

type MealSummary struct {
    SessionID      string          `json:"session_id"`
    TotalNutrition NutritionVector `json:"total_nutrition"`
    TotalWeight    float64         `json:"total_weight"`
    ComponentCount int             `json:"component_count"`
}

type FinalizedMeal struct {
    MealSummary
    Components  []MealComponent `json:"components"`
    FinalizedAt time.Time       `json:"finalized_at"`
}
