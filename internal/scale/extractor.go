// Package scale turns a photo of a kitchen scale into a weight reading.
package scale

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"mcp-scale-meal/internal/models"
	"mcp-scale-meal/internal/ocr"
	"mcp-scale-meal/internal/units"
)

// Candidate confidence adjustments.
const (
	unitBonus          = 10.0
	implausiblePenalty = 20.0
	minPlausibleGrams  = 0.1
	maxPlausibleGrams  = 10000.0
)

type pattern struct {
	re *regexp.Regexp
	// unitGroup is the submatch index of the unit token, 0 when the family has none
	unitGroup int
}

// Ordered from most to least specific. Group 1 is always the number.
var patterns = []pattern{
	{regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(grams?|ounces?|pounds?|lbs?|oz|g)\b`), 2},
	{regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*([A-Za-z]{1,3})\b`), 2},
	{regexp.MustCompile(`(\d+(?:[.,]\d+)?)`), 0},
}

type span struct{ start, end int }

func (s span) overlaps(o span) bool {
	return s.start < o.end && o.start < s.end
}

// Extract parses every weight candidate out of one recognizer pass.
// A number already matched by a more specific pattern is not emitted again.
func Extract(rec *ocr.Recognition) []models.WeightCandidate {
	if rec == nil || strings.TrimSpace(rec.Text) == "" {
		return nil
	}

	var (
		candidates []models.WeightCandidate
		claimed    []span
	)

	for _, p := range patterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(rec.Text, -1) {
			num := span{m[2], m[3]}
			if isClaimed(claimed, num) {
				continue
			}

			numText := rec.Text[num.start:num.end]
			value, ok := parseNumber(numText)
			if !ok {
				continue
			}

			unit := models.Grams
			hasUnit := false
			if p.unitGroup > 0 {
				token := rec.Text[m[2*p.unitGroup]:m[2*p.unitGroup+1]]
				u, known := units.ParseUnit(token)
				if !known {
					// "150 ml" and friends are not weights
					continue
				}
				unit, hasUnit = u, true
			}

			claimed = append(claimed, num)
			candidates = append(candidates, models.WeightCandidate{
				Value:      value,
				Unit:       unit,
				Confidence: score(rec, numText, value, unit, hasUnit),
				RawText:    strings.TrimSpace(rec.Text[m[0]:m[1]]),
			})
		}
	}

	return candidates
}

func isClaimed(claimed []span, s span) bool {
	for _, c := range claimed {
		if c.overlaps(s) {
			return true
		}
	}
	return false
}

// parseNumber accepts both "150.5" and "150,5". A comma followed by exactly
// three digits separates thousands, so "1,250" is 1250.
func parseNumber(s string) (float64, bool) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		if len(s)-i-1 == 3 {
			s = s[:i] + s[i+1:]
		} else {
			s = s[:i] + "." + s[i+1:]
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}

func score(rec *ocr.Recognition, numText string, value float64, unit models.WeightUnit, hasUnit bool) float64 {
	conf := rec.Confidence
	if hasUnit {
		conf = math.Min(conf+unitBonus, 100)
	}

	grams, _ := units.ToGrams(value, unit)
	if grams < minPlausibleGrams || grams > maxPlausibleGrams {
		conf = math.Max(conf-implausiblePenalty, 0)
	}

	for _, w := range rec.Words {
		if strings.Contains(w.Text, numText) {
			conf = (conf + w.Confidence) / 2
			break
		}
	}
	return conf
}
