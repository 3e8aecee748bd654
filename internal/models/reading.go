// internal/models/reading.go
package models

type WeightUnit string

const (
    Grams  WeightUnit = "g"
    Ounces WeightUnit = "oz"
    Pounds WeightUnit = "lb"
)

// WeightReading is the outcome of reading a scale display from one photo.
// Confidence 0 means the reading is unusable and the weight must be entered manually.
type WeightReading struct {
    Value      float64    `json:"value"`
    Unit       WeightUnit `json:"unit"`
    Confidence float64    `json:"confidence"`
    RawText    string     `json:"raw_text"`
}

// WeightCandidate is a provisional parse of recognized text, before selection.
type WeightCandidate struct {
    Value      float64    `json:"value"`
    Unit       WeightUnit `json:"unit"`
    Confidence float64    `json:"confidence"`
    RawText    string     `json:"raw_text"`
}

type ConfidenceLevel string

const (
    HighConfidence   ConfidenceLevel = "high"
    MediumConfidence ConfidenceLevel = "medium"
    LowConfidence    ConfidenceLevel = "low"
)

// ReadingAssessment tells the caller whether a reading can be used as is.
type ReadingAssessment struct {
    Reading          WeightReading   `json:"reading"`
    Level            ConfidenceLevel `json:"level"`
    NeedsManualEntry bool            `json:"needs_manual_entry"`
    Suggestions      []string        `json:"suggestions,omitempty"`
}

type ScaleImageValidation struct {
    HasScale    bool     `json:"has_scale"`
    Confidence  float64  `json:"confidence"`
    Suggestions []string `json:"suggestions,omitempty"`
}
