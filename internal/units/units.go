// Package units converts weights between grams, ounces and pounds.
package units

import (
	"fmt"
	"strings"

	"mcp-scale-meal/internal/models"
)

const (
	GramsPerOunce = 28.349523125
	GramsPerPound = 453.59237
)

var gramsPer = map[models.WeightUnit]float64{
	models.Grams:  1,
	models.Ounces: GramsPerOunce,
	models.Pounds: GramsPerPound,
}

// aliases maps lowercase unit tokens, as they appear on scale displays, to units.
var aliases = map[string]models.WeightUnit{
	"g":      models.Grams,
	"gr":     models.Grams,
	"gm":     models.Grams,
	"grm":    models.Grams,
	"gram":   models.Grams,
	"grams":  models.Grams,
	"oz":     models.Ounces,
	"ozs":    models.Ounces,
	"ounce":  models.Ounces,
	"ounces": models.Ounces,
	"lb":     models.Pounds,
	"lbs":    models.Pounds,
	"pound":  models.Pounds,
	"pounds": models.Pounds,
}

// ParseUnit resolves a unit token through the alias table.
func ParseUnit(token string) (models.WeightUnit, bool) {
	u, ok := aliases[strings.ToLower(strings.TrimSpace(token))]
	return u, ok
}

// Valid reports whether u is a supported unit.
func Valid(u models.WeightUnit) bool {
	_, ok := gramsPer[u]
	return ok
}

// Convert converts value from one unit to another.
func Convert(value float64, from, to models.WeightUnit) (float64, error) {
	fromFactor, ok := gramsPer[from]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", from)
	}
	toFactor, ok := gramsPer[to]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", to)
	}
	if from == to {
		return value, nil
	}
	return value * fromFactor / toFactor, nil
}

// ToGrams converts value in unit u to grams.
func ToGrams(value float64, u models.WeightUnit) (float64, error) {
	return Convert(value, u, models.Grams)
}
