/**
 * OCR Types - collaborator interfaces of the pipeline
 *
 * Each stage is an interface so tests can substitute a fixed quality score,
 * a scripted provider chain or a slow drug database.
 */

package processor

import (
	"context"

	"github.com/knappy214/medguard-sa-sub003/internal/models"
	"github.com/knappy214/medguard-sa-sub003/internal/providers"
)

// QualityAssessor scores an encoded image
type QualityAssessor interface {
	Assess(data []byte) models.QualityAssessment
}

// ImagePreprocessor prepares an image for recognition and reports the
// options actually applied
type ImagePreprocessor interface {
	Preprocess(data []byte, opts models.PreprocessingOptions) ([]byte, models.PreprocessingOptions, error)
}

// Recognizer runs the provider fallback chain
type Recognizer interface {
	Submit(ctx context.Context, image []byte, languageHints []string) (*providers.Outcome, error)
}

// DrugChecker cross-references one medication name
type DrugChecker interface {
	Check(ctx context.Context, name string) (models.DrugMatch, error)
}

// ResultValidator decides whether a result needs manual review
type ResultValidator interface {
	Validate(result *models.OCRResult) models.ValidationReport
}

// Processor is what the batch coordinator and queue consumer need
type Processor interface {
	ProcessSingle(ctx context.Context, asset models.ImageAsset, opts *models.PreprocessingOptions) (*models.OCRResult, error)
}
