/**
 * Confidence Validator
 *
 * Decides whether an OCR result can be accepted or needs manual entry, and
 * always explains the decision with a list of reasons.
 */

package validation

import (
	"fmt"

	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

// Reasons reported in ValidationReport.Reasons. Detailed reasons start with
// one of these and append the measured value.
const (
	ReasonLowProviderConfidence  = "low provider confidence"
	ReasonLowImageQuality        = "low image quality"
	ReasonNotProcessable         = "image not processable"
	ReasonUnreadableImage        = "unreadable image"
	ReasonUnmatchedMedications   = "too many unmatched medications"
	ReasonNoMedications          = "no medications extracted"
	ReasonUnknownFormat          = "unknown prescription format"
	ReasonLowFieldConfidence     = "low field confidence"
	ReasonBelowMinimumAcceptable = "provider chain did not reach minimum acceptable confidence"
)

// Thresholds for the manual-review decision
type Thresholds struct {
	MinProviderConfidence float64
	MinQualityScore       float64
	MaxUnmatchedRatio     float64
	MinFormatConfidence   float64
	MinFieldConfidence    float64
	// MinimumAcceptable is the orchestrator's short-circuit confidence. A
	// recognized result that falls short of it always requires review.
	MinimumAcceptable float64
}

// DefaultThresholds returns the standard decision thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinProviderConfidence: 0.6,
		MinQualityScore:       0.5,
		MaxUnmatchedRatio:     0.3,
		MinFormatConfidence:   0.3,
		MinFieldConfidence:    0.4,
		MinimumAcceptable:     0.75,
	}
}

// Validator applies Thresholds to OCR results
type Validator struct {
	thresholds Thresholds
}

// NewValidator creates a validator
func NewValidator(t Thresholds) *Validator {
	return &Validator{thresholds: t}
}

// Validate builds the report for result. It does not modify result.
func (v *Validator) Validate(result *models.OCRResult) models.ValidationReport {
	t := v.thresholds
	report := models.ValidationReport{
		Reasons:            []string{},
		PerFieldConfidence: map[string]float64{},
	}
	reject := func(format string, args ...interface{}) {
		report.Reasons = append(report.Reasons, fmt.Sprintf(format, args...))
	}

	providerConf := ProviderConfidence(result)
	quality := result.ImageQuality
	matchRatio, unmatchedRatio := matchRatios(result.Medications)

	report.PerFieldConfidence["provider"] = providerConf
	report.PerFieldConfidence["imageQuality"] = models.Clamp01(quality.OverallScore)
	report.PerFieldConfidence["format"] = models.Clamp01(result.Format.Confidence)
	report.PerFieldConfidence["medicationMatch"] = matchRatio
	for i, med := range result.Medications {
		report.PerFieldConfidence[fmt.Sprintf("medications[%d].%s", i, med.Name)] = models.Clamp01(med.FieldConfidence)
	}

	switch {
	case !quality.Decodable:
		reject(ReasonUnreadableImage)
	case !quality.IsProcessable:
		reject("%s (score %.2f)", ReasonNotProcessable, quality.OverallScore)
	}
	if quality.OverallScore < t.MinQualityScore {
		reject("%s (%.2f < %.2f)", ReasonLowImageQuality, quality.OverallScore, t.MinQualityScore)
	}
	if providerConf < t.MinProviderConfidence {
		reject("%s (%.2f < %.2f)", ReasonLowProviderConfidence, providerConf, t.MinProviderConfidence)
	}
	if len(result.Medications) == 0 {
		reject(ReasonNoMedications)
	} else if unmatchedRatio > t.MaxUnmatchedRatio {
		reject("%s (%.0f%% > %.0f%%)", ReasonUnmatchedMedications, unmatchedRatio*100, t.MaxUnmatchedRatio*100)
	}
	if result.Format.Type == models.FormatUnknown || result.Format.Confidence < t.MinFormatConfidence {
		reject("%s (%.2f < %.2f)", ReasonUnknownFormat, result.Format.Confidence, t.MinFormatConfidence)
	}
	for _, med := range result.Medications {
		if med.FieldConfidence < t.MinFieldConfidence {
			reject("%s for %s (%.2f < %.2f)", ReasonLowFieldConfidence, med.Name, med.FieldConfidence, t.MinFieldConfidence)
		}
	}

	if result.ProviderID != "" && (!result.ProviderAccepted || providerConf < t.MinimumAcceptable) {
		reject("%s (%.2f < %.2f)", ReasonBelowMinimumAcceptable, providerConf, t.MinimumAcceptable)
	}

	report.RequiresManualEntry = len(report.Reasons) > 0
	return report
}

// ProviderConfidence returns the confidence of the attempt the result was
// built from, or 0 when no attempt succeeded
func ProviderConfidence(result *models.OCRResult) float64 {
	best := 0.0
	for _, a := range result.Attempts {
		if a.Error != "" || a.ProviderID != result.ProviderID {
			continue
		}
		if a.ProviderConfidence > best {
			best = a.ProviderConfidence
		}
	}
	return models.Clamp01(best)
}

// matchRatios returns the share of medications that matched the drug
// database (validated or suggested) and the share that did not
func matchRatios(meds []models.ExtractedMedication) (float64, float64) {
	if len(meds) == 0 {
		return 0, 0
	}
	matched := 0
	for _, m := range meds {
		if m.Match != nil && m.Match.Status != models.MatchUnmatched {
			matched++
		}
	}
	total := float64(len(meds))
	return float64(matched) / total, float64(len(meds)-matched) / total
}
