// Package nutrition scales, sums and looks up nutrition vectors.
package nutrition

import (
	"math"

	"mcp-scale-meal/internal/models"
)

// ReferenceWeight is the portion size, in grams, nutrition is looked up at before scaling.
const ReferenceWeight = 100.0

// Scale returns v multiplied by actualWeight/baseWeight. Whole-unit fields
// (calories, sodium, potassium) are rounded to integers, the rest to 2 decimals.
// Every weight-driven recalculation goes through here.
func Scale(v models.NutritionVector, baseWeight, actualWeight float64) models.NutritionVector {
	if baseWeight <= 0 || actualWeight <= 0 || math.IsNaN(baseWeight) || math.IsNaN(actualWeight) ||
		math.IsInf(baseWeight, 0) || math.IsInf(actualWeight, 0) {
		return models.NutritionVector{}
	}
	r := actualWeight / baseWeight

	return models.NutritionVector{
		Calories:      roundTo(v.Calories*r, 0),
		Protein:       roundTo(v.Protein*r, 2),
		Carbohydrates: roundTo(v.Carbohydrates*r, 2),
		Fat:           roundTo(v.Fat*r, 2),
		Fiber:         roundTo(v.Fiber*r, 2),
		Sodium:        roundTo(v.Sodium*r, 0),
		Sugar:         roundTo(v.Sugar*r, 2),
		SaturatedFat:  roundTo(v.SaturatedFat*r, 2),
		Cholesterol:   roundTo(v.Cholesterol*r, 2),
		Potassium:     roundTo(v.Potassium*r, 0),
	}
}

// PerReference converts a portion of grams into its unrounded nutrition at
// ReferenceWeight. It returns nil when grams is not a usable weight.
func PerReference(v models.NutritionVector, grams float64) *models.NutritionVector {
	if grams <= 0 || math.IsNaN(grams) || math.IsInf(grams, 0) {
		return nil
	}
	r := ReferenceWeight / grams
	return &models.NutritionVector{
		Calories:      v.Calories * r,
		Protein:       v.Protein * r,
		Carbohydrates: v.Carbohydrates * r,
		Fat:           v.Fat * r,
		Fiber:         v.Fiber * r,
		Sodium:        v.Sodium * r,
		Sugar:         v.Sugar * r,
		SaturatedFat:  v.SaturatedFat * r,
		Cholesterol:   v.Cholesterol * r,
		Potassium:     v.Potassium * r,
	}
}

// Sum adds vectors field by field. The result is rounded to 2 decimals to
// keep float noise out of meal totals.
func Sum(vs ...models.NutritionVector) models.NutritionVector {
	var t models.NutritionVector
	for _, v := range vs {
		t.Calories += v.Calories
		t.Protein += v.Protein
		t.Carbohydrates += v.Carbohydrates
		t.Fat += v.Fat
		t.Fiber += v.Fiber
		t.Sodium += v.Sodium
		t.Sugar += v.Sugar
		t.SaturatedFat += v.SaturatedFat
		t.Cholesterol += v.Cholesterol
		t.Potassium += v.Potassium
	}
	return models.NutritionVector{
		Calories:      roundTo(t.Calories, 2),
		Protein:       roundTo(t.Protein, 2),
		Carbohydrates: roundTo(t.Carbohydrates, 2),
		Fat:           roundTo(t.Fat, 2),
		Fiber:         roundTo(t.Fiber, 2),
		Sodium:        roundTo(t.Sodium, 2),
		Sugar:         roundTo(t.Sugar, 2),
		SaturatedFat:  roundTo(t.SaturatedFat, 2),
		Cholesterol:   roundTo(t.Cholesterol, 2),
		Potassium:     roundTo(t.Potassium, 2),
	}
}

func roundTo(x float64, places int) float64 {
	if x <= 0 || math.IsNaN(x) {
		return 0
	}
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
