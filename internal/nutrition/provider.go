// internal/nutrition/provider.go
package nutrition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/tidwall/gjson"

	"mcp-scale-meal/internal/models"
)

var ErrUnknownFood = errors.New("unknown food")

// Provider maps a food identifier and a weight in grams to nutrition values.
// Results must scale linearly with weight and be stable for a given pair.
type Provider interface {
	Lookup(ctx context.Context, foodID string, grams float64) (models.NutritionVector, error)
}

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPProvider queries a remote nutrition API.
type HTTPProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTPProvider{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
	}
}

// nutrientPaths lists, per field, the JSON paths accepted in a provider response.
var nutrientPaths = []struct {
	paths []string
	set   func(*models.NutritionVector, float64)
}{
	{[]string{"calories", "energy_kcal", "energy-kcal"}, func(v *models.NutritionVector, x float64) { v.Calories = x }},
	{[]string{"protein", "proteins"}, func(v *models.NutritionVector, x float64) { v.Protein = x }},
	{[]string{"carbohydrates", "carbohydrate", "carbs"}, func(v *models.NutritionVector, x float64) { v.Carbohydrates = x }},
	{[]string{"fat"}, func(v *models.NutritionVector, x float64) { v.Fat = x }},
	{[]string{"fiber", "fibre"}, func(v *models.NutritionVector, x float64) { v.Fiber = x }},
	{[]string{"sodium"}, func(v *models.NutritionVector, x float64) { v.Sodium = x }},
	{[]string{"sugar", "sugars"}, func(v *models.NutritionVector, x float64) { v.Sugar = x }},
	{[]string{"saturated_fat", "saturatedFat", "saturated-fat"}, func(v *models.NutritionVector, x float64) { v.SaturatedFat = x }},
	{[]string{"cholesterol"}, func(v *models.NutritionVector, x float64) { v.Cholesterol = x }},
	{[]string{"potassium"}, func(v *models.NutritionVector, x float64) { v.Potassium = x }},
}

func (p *HTTPProvider) Lookup(ctx context.Context, foodID string, grams float64) (models.NutritionVector, error) {
	if p.baseURL == "" {
		return models.NutritionVector{}, fmt.Errorf("nutrition provider URL not configured")
	}

	reqURL, err := url.Parse(p.baseURL)
	if err != nil {
		return models.NutritionVector{}, fmt.Errorf("failed to parse base URL: %w", err)
	}
	params := reqURL.Query()
	params.Set("food_id", foodID)
	params.Set("grams", strconv.FormatFloat(grams, 'f', -1, 64))
	reqURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return models.NutritionVector{}, fmt.Errorf("failed to create request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return models.NutritionVector{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.NutritionVector{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return models.NutritionVector{}, fmt.Errorf("%w: %s", ErrUnknownFood, foodID)
	}
	if resp.StatusCode != http.StatusOK {
		return models.NutritionVector{}, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return parseNutrients(body)
}

// parseNutrients reads nutrient fields from the response root, "nutrients",
// "data" or "data.nutrients", whichever carries them.
func parseNutrients(body []byte) (models.NutritionVector, error) {
	if !gjson.ValidBytes(body) {
		return models.NutritionVector{}, fmt.Errorf("invalid JSON in nutrition response")
	}

	root := gjson.ParseBytes(body)
	var obj gjson.Result
	for _, prefix := range []string{"data.nutrients", "data", "nutrients"} {
		if r := root.Get(prefix); r.IsObject() {
			obj = r
			break
		}
	}
	if !obj.Exists() {
		obj = root
	}

	var v models.NutritionVector
	found := 0
	for _, field := range nutrientPaths {
		for _, path := range field.paths {
			r := obj.Get(path)
			if !r.Exists() {
				continue
			}
			x := r.Float()
			if math.IsNaN(x) || x < 0 {
				x = 0
			}
			field.set(&v, x)
			found++
			break
		}
	}
	if found == 0 {
		return models.NutritionVector{}, fmt.Errorf("no nutrient fields in response")
	}
	return v, nil
}

// CachingProvider memoizes lookups per (food, weight) pair.
type CachingProvider struct {
	next  Provider
	cache cmap.ConcurrentMap[string, models.NutritionVector]
}

func NewCachingProvider(next Provider) *CachingProvider {
	return &CachingProvider{
		next:  next,
		cache: cmap.New[models.NutritionVector](),
	}
}

func (c *CachingProvider) Lookup(ctx context.Context, foodID string, grams float64) (models.NutritionVector, error) {
	key := foodID + "@" + strconv.FormatFloat(grams, 'f', 2, 64)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	v, err := c.next.Lookup(ctx, foodID, grams)
	if err != nil {
		return v, err
	}
	c.cache.Set(key, v)
	slog.Debug("nutrition cached", "food_id", foodID, "grams", grams, "entries", c.cache.Count())
	return v, nil
}

// Reference looks up nutrition for foodID at ReferenceWeight. Every portion of
// a food is scaled from this one vector.
func Reference(ctx context.Context, p Provider, foodID string) (models.NutritionVector, error) {
	base, err := p.Lookup(ctx, foodID, ReferenceWeight)
	if err != nil {
		return models.NutritionVector{}, fmt.Errorf("failed to look up nutrition for %s: %w", foodID, err)
	}
	return base, nil
}
