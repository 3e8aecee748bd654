// internal/models/detection.go
package models

// Detection is one food candidate found in a photo.
type Detection struct {
    Food         FoodRef    `json:"food"`
    Confidence   float64    `json:"confidence"`
    Alternatives []FoodRef  `json:"alternatives,omitempty"`
    BoundingBox  [4]float64 `json:"bounding_box"` // x, y, width, height
    Source       string     `json:"source"`       // "yolo", "barcode"
}

// ImageAnalysis combines food detection and scale reading for the same photo.
type ImageAnalysis struct {
    Detections []Detection       `json:"detections"`
    Reading    ReadingAssessment `json:"reading"`
    DetectErr  string            `json:"detection_error,omitempty"`
}
