/**
 * Shared data model for the prescription OCR pipeline.
 *
 * Every score and confidence field in this package is kept in [0,1].
 */

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ImageAsset is an immutable image buffer together with its content hash
type ImageAsset struct {
	Data []byte
	Hash string
}

// NewImageAsset copies data and computes its SHA-256 hash
func NewImageAsset(data []byte) ImageAsset {
	buf := make([]byte, len(data))
	copy(buf, data)
	return ImageAsset{Data: buf, Hash: HashBytes(buf)}
}

// HashBytes returns the hex SHA-256 digest of b
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// QualityAssessment holds the independent image quality signals
type QualityAssessment struct {
	Resolution      float64  `json:"resolution"`
	Contrast        float64  `json:"contrast"`
	Brightness      float64  `json:"brightness"`
	Blur            float64  `json:"blur"`
	Noise           float64  `json:"noise"`
	Skew            float64  `json:"skew"`
	SkewAngle       float64  `json:"skewAngle"`
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	OverallScore    float64  `json:"overallScore"`
	IsProcessable   bool     `json:"isProcessable"`
	Decodable       bool     `json:"decodable"`
	Recommendations []string `json:"recommendations"`
}

// PreprocessingOptions drives the deterministic preprocessing transform.
// SkewAngle is an output field: the rotation actually measured and applied.
type PreprocessingOptions struct {
	Contrast   float64 `json:"contrast"`
	Brightness float64 `json:"brightness"`
	Sharpen    bool    `json:"sharpen"`
	Denoise    bool    `json:"denoise"`
	Deskew     bool    `json:"deskew"`
	Threshold  int     `json:"threshold"`
	SkewAngle  float64 `json:"skewAngle"`
}

// DefaultPreprocessingOptions returns contrast=1, brightness=0, all filters on, threshold 128
func DefaultPreprocessingOptions() PreprocessingOptions {
	return PreprocessingOptions{
		Contrast:   1.0,
		Brightness: 0.0,
		Sharpen:    true,
		Denoise:    true,
		Deskew:     true,
		Threshold:  128,
	}
}

// UnmarshalJSON starts from the defaults so fields missing from a partial
// options object keep their default values
func (o *PreprocessingOptions) UnmarshalJSON(data []byte) error {
	type plain PreprocessingOptions
	aux := plain(DefaultPreprocessingOptions())
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*o = PreprocessingOptions(aux)
	return nil
}

// Normalized clamps every field into its valid range and rounds the floats so
// that equal-looking options always hash identically.
func (o PreprocessingOptions) Normalized() PreprocessingOptions {
	n := o
	if n.Contrast <= 0 {
		n.Contrast = 1.0
	}
	n.Contrast = round(clampRange(n.Contrast, 0.1, 4.0), 1000)
	n.Brightness = round(clampRange(n.Brightness, -1.0, 1.0), 1000)
	if n.Threshold < 0 {
		n.Threshold = 0
	}
	if n.Threshold > 255 {
		n.Threshold = 255
	}
	if !n.Deskew {
		n.SkewAngle = 0
	}
	n.SkewAngle = round(n.SkewAngle, 10)
	// drop negative zero so the canonical encoding is unique
	if n.SkewAngle == 0 {
		n.SkewAngle = 0
	}
	if n.Brightness == 0 {
		n.Brightness = 0
	}
	return n
}

// Hash returns a stable digest of the normalized options
func (o PreprocessingOptions) Hash() string {
	n := o.Normalized()
	canonical := fmt.Sprintf("c=%.3f;b=%.3f;sh=%t;dn=%t;ds=%t;t=%d;sk=%.1f",
		n.Contrast, n.Brightness, n.Sharpen, n.Denoise, n.Deskew, n.Threshold, n.SkewAngle)
	return HashBytes([]byte(canonical))[:16]
}

// BoundingBox represents coordinates of a region
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// TextBlock is a recognized fragment with its location
type TextBlock struct {
	Text        string      `json:"text"`
	BoundingBox BoundingBox `json:"bbox"`
	Confidence  float64     `json:"confidence"`
}

// ProviderResult is one attempt by one recognition provider
type ProviderResult struct {
	ProviderID         string      `json:"providerId"`
	Text               string      `json:"text"`
	Blocks             []TextBlock `json:"blocks"`
	ProviderConfidence float64     `json:"providerConfidence"`
	LatencyMs          int64       `json:"latencyMs"`
	Attempt            int         `json:"attempt"`
	Error              string      `json:"error,omitempty"`
}

// FormatType is the prescription template family
type FormatType string

const (
	FormatStandard      FormatType = "Standard"
	FormatPrivate       FormatType = "Private"
	FormatInternational FormatType = "International"
	FormatUnknown       FormatType = "Unknown"
)

// Language of the recognized text
type Language string

const (
	LanguageEnglish   Language = "en"
	LanguageAfrikaans Language = "af"
	LanguageMixed     Language = "mixed"
)

// PrescriptionFormat is the result of format and language detection
type PrescriptionFormat struct {
	Type       FormatType `json:"type"`
	Confidence float64    `json:"confidence"`
	Features   []string   `json:"features"`
	Language   Language   `json:"language"`
}

// MatchStatus of a drug cross-reference
type MatchStatus string

const (
	MatchValidated MatchStatus = "validated"
	MatchSuggested MatchStatus = "suggested"
	MatchUnmatched MatchStatus = "unmatched"
)

// DrugMatch is the outcome of validating one medication name
type DrugMatch struct {
	Status        MatchStatus `json:"status"`
	CanonicalName string      `json:"canonicalName,omitempty"`
	Alternatives  []string    `json:"alternatives"`
	Similarity    float64     `json:"similarity"`
	Reason        string      `json:"reason,omitempty"`
}

// ExtractedMedication is one structured medication line item
type ExtractedMedication struct {
	Name            string     `json:"name"`
	Dosage          string     `json:"dosage"`
	Unit            string     `json:"unit"`
	Frequency       string     `json:"frequency"`
	Duration        string     `json:"duration"`
	Instructions    string     `json:"instructions"`
	FieldConfidence float64    `json:"fieldConfidence"`
	SourceLine      string     `json:"sourceLine"`
	Match           *DrugMatch `json:"match,omitempty"`
}

// ErrorRecord is a per-item error captured inside an OCRResult
type ErrorRecord struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Provider  string    `json:"provider,omitempty"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidationReport explains the accept/manual-review decision
type ValidationReport struct {
	RequiresManualEntry bool               `json:"requiresManualEntry"`
	Reasons             []string           `json:"reasons"`
	PerFieldConfidence  map[string]float64 `json:"perFieldConfidence"`
}

// OCRResult is the aggregate output of processing one prescription image
type OCRResult struct {
	Success              bool                  `json:"success"`
	Confidence           float64               `json:"confidence"`
	Text                 string                `json:"text"`
	NormalizedText       string                `json:"normalizedText"`
	Medications          []ExtractedMedication `json:"medications"`
	PrescriptionNumber   string                `json:"prescriptionNumber,omitempty"`
	DoctorName           string                `json:"doctorName,omitempty"`
	ICD10Codes           []string              `json:"icd10Codes"`
	ImageQuality         QualityAssessment     `json:"imageQuality"`
	Format               PrescriptionFormat    `json:"format"`
	RequiresManualReview bool                  `json:"requiresManualReview"`
	Errors               []ErrorRecord         `json:"errors"`
	Validation           *ValidationReport     `json:"validation,omitempty"`

	ProviderID       string               `json:"providerId,omitempty"`
	// ProviderAccepted is true when the chosen attempt reached the minimum
	// acceptable confidence
	ProviderAccepted bool                 `json:"providerAccepted"`
	Attempts         []ProviderResult     `json:"attempts"`
	ImageHash        string               `json:"imageHash"`
	Options          PreprocessingOptions `json:"options"`
	ProcessingMs     int64                `json:"processingMs"`

	BatchID    string `json:"batchId,omitempty"`
	PageNumber int    `json:"pageNumber,omitempty"`
	TotalPages int    `json:"totalPages,omitempty"`

	// cache metadata
	CacheKey  string `json:"cacheKey,omitempty"`
	FromCache bool   `json:"fromCache"`
}

// Clone returns a deep copy so cached results are never shared mutably
func (r *OCRResult) Clone() *OCRResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Medications = make([]ExtractedMedication, len(r.Medications))
	for i, m := range r.Medications {
		c.Medications[i] = m
		if m.Match != nil {
			match := *m.Match
			match.Alternatives = append([]string(nil), m.Match.Alternatives...)
			c.Medications[i].Match = &match
		}
	}
	c.ICD10Codes = append([]string(nil), r.ICD10Codes...)
	c.Errors = append([]ErrorRecord(nil), r.Errors...)
	c.ImageQuality.Recommendations = append([]string(nil), r.ImageQuality.Recommendations...)
	c.Format.Features = append([]string(nil), r.Format.Features...)
	c.Attempts = make([]ProviderResult, len(r.Attempts))
	for i, a := range r.Attempts {
		c.Attempts[i] = a
		c.Attempts[i].Blocks = append([]TextBlock(nil), a.Blocks...)
	}
	if r.Validation != nil {
		v := *r.Validation
		v.Reasons = append([]string(nil), r.Validation.Reasons...)
		v.PerFieldConfidence = make(map[string]float64, len(r.Validation.PerFieldConfidence))
		for k, val := range r.Validation.PerFieldConfidence {
			v.PerFieldConfidence[k] = val
		}
		c.Validation = &v
	}
	return &c
}

// Clamp01 bounds v to [0,1], mapping NaN to 0
func Clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round(v float64, scale float64) float64 {
	return math.Round(v*scale) / scale
}
