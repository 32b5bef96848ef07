/**
 * Prescription Processor
 *
 * Runs one prescription image through the pipeline:
 *   1. content-hash cache lookup (single-flight per key)
 *   2. image quality assessment
 *   3. deterministic preprocessing
 *   4. provider fallback chain
 *   5. abbreviation expansion, format/language detection, segmentation
 *   6. drug cross-reference per medication
 *   7. confidence scoring and manual-review validation
 * Only configuration errors and caller cancellation are returned as errors;
 * every other failure is recorded inside the result.
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/knappy214/medguard-sa-sub003/internal/cache"
	"github.com/knappy214/medguard-sa-sub003/internal/drugs"
	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
	"github.com/knappy214/medguard-sa-sub003/internal/imaging"
	"github.com/knappy214/medguard-sa-sub003/internal/logging"
	"github.com/knappy214/medguard-sa-sub003/internal/models"
	"github.com/knappy214/medguard-sa-sub003/internal/prescription"
	"github.com/knappy214/medguard-sa-sub003/internal/providers"
	"github.com/knappy214/medguard-sa-sub003/internal/validation"
)

// Weights of the overall result confidence
const (
	weightProvider = 0.5
	weightFields   = 0.3
	weightFormat   = 0.2
)

const logHashLength = 12

var errUndecodable = errors.New("image could not be decoded")

// PipelineConfig wires the pipeline's collaborators. Only Recognizer is
// required; the rest default to the built-in implementations.
type PipelineConfig struct {
	Recognizer    Recognizer
	Assessor      QualityAssessor
	Preprocessor  ImagePreprocessor
	Drugs         DrugChecker
	Validator     ResultValidator
	Cache         *cache.ResultCache
	LanguageHints []string
}

// Pipeline processes single prescription images
type Pipeline struct {
	recognizer   Recognizer
	assessor     QualityAssessor
	preprocessor ImagePreprocessor
	drugs        DrugChecker
	validator    ResultValidator
	cache        *cache.ResultCache
	hints        []string

	detector   *prescription.Detector
	normalizer *prescription.Normalizer
	logger     *logging.Logger
}

// NewPipeline creates a pipeline
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Recognizer == nil {
		return nil, apperrors.NewConfigurationError("pipeline requires an OCR provider chain")
	}
	if cfg.Assessor == nil {
		cfg.Assessor = imaging.NewAssessor(imaging.DefaultProcessableThreshold)
	}
	if cfg.Preprocessor == nil {
		cfg.Preprocessor = imaging.NewPreprocessor()
	}
	if cfg.Drugs == nil {
		cfg.Drugs = drugs.NewCrossReferencer(drugs.NewFormularyDatabase(), drugs.DefaultLookupTimeout)
	}
	if cfg.Validator == nil {
		cfg.Validator = validation.NewValidator(validation.DefaultThresholds())
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New(cache.DefaultSize, cache.DefaultTTL, nil)
	}

	return &Pipeline{
		recognizer:   cfg.Recognizer,
		assessor:     cfg.Assessor,
		preprocessor: cfg.Preprocessor,
		drugs:        cfg.Drugs,
		validator:    cfg.Validator,
		cache:        cfg.Cache,
		hints:        append([]string(nil), cfg.LanguageHints...),
		detector:     prescription.NewDetector(),
		normalizer:   prescription.NewNormalizer(),
		logger:       logging.NewLogger("Pipeline"),
	}, nil
}

// ProcessSingle processes one image. opts nil means the default options.
// Identical (image, options) pairs are computed at most once while cached.
func (p *Pipeline) ProcessSingle(ctx context.Context, asset models.ImageAsset, opts *models.PreprocessingOptions) (*models.OCRResult, error) {
	if asset.Hash == "" {
		asset = models.NewImageAsset(asset.Data)
	}
	requestOpts := requestOptions(opts)
	requestKey := cache.NewKey(asset.Hash, requestOpts)

	result, fromCache, err := p.cache.Do(ctx, requestKey, func(ctx context.Context) (*models.OCRResult, error) {
		return p.compute(ctx, asset, requestOpts)
	})
	if err != nil {
		return nil, err
	}
	if fromCache {
		p.logger.Debug("Served from cache", "imageHash", shortHash(asset.Hash), "key", requestKey)
	}
	return result, nil
}

// requestOptions normalises caller options; the skew angle is an output and
// never part of a request
func requestOptions(opts *models.PreprocessingOptions) models.PreprocessingOptions {
	o := models.DefaultPreprocessingOptions()
	if opts != nil {
		o = *opts
	}
	o.SkewAngle = 0
	return o.Normalized()
}

func (p *Pipeline) compute(ctx context.Context, asset models.ImageAsset, requestOpts models.PreprocessingOptions) (*models.OCRResult, error) {
	start := time.Now()
	log := p.logger.With("imageHash", shortHash(asset.Hash))

	result := &models.OCRResult{
		Medications: []models.ExtractedMedication{},
		ICD10Codes:  []string{},
		Errors:      []models.ErrorRecord{},
		Attempts:    []models.ProviderResult{},
		ImageHash:   asset.Hash,
		Options:     requestOpts,
		Format: models.PrescriptionFormat{
			Type:     models.FormatUnknown,
			Features: []string{},
			Language: models.LanguageEnglish,
		},
	}

	result.ImageQuality = p.assessor.Assess(asset.Data)
	if !result.ImageQuality.Decodable {
		log.Warn("Image could not be decoded, skipping recognition")
		result.Errors = append(result.Errors, apperrors.NewImageDecodeError(asset.Hash, errUndecodable).Record())
		result.Success = true
		return p.finish(result, start), nil
	}
	if !result.ImageQuality.IsProcessable {
		log.Warn("Image quality below processable threshold, continuing",
			"score", result.ImageQuality.OverallScore)
	}

	processed, effective, err := p.preprocessor.Preprocess(asset.Data, requestOpts)
	if err != nil {
		log.Warn("Preprocessing failed, using original image", "error", err)
		result.Errors = append(result.Errors, apperrors.NewPreprocessingError(asset.Hash, err).Record())
		processed, effective = asset.Data, requestOpts
	}
	result.Options = effective

	effectiveKey := cache.NewKey(asset.Hash, effective)
	if hit, ok := p.cache.Get(ctx, effectiveKey); ok {
		log.Debug("Effective options already cached", "key", effectiveKey)
		return hit, nil
	}

	outcome, err := p.recognizer.Submit(ctx, processed, p.hints)
	if outcome != nil {
		result.Attempts = append(result.Attempts, outcome.Attempts...)
		for _, perr := range outcome.Errors {
			result.Errors = append(result.Errors, perr.Record())
		}
	}
	if err != nil {
		if !errors.Is(err, providers.ErrProvidersExhausted) {
			return nil, fmt.Errorf("recognition aborted: %w", err)
		}
		log.Error("All OCR providers failed", "attempts", len(result.Attempts), "error", err)
		if perr, ok := asProcessingError(err); ok {
			result.Errors = append(result.Errors, perr.Record())
		}
		result.Success = false
		return p.finish(result, start), nil
	}

	best := outcome.Best
	result.ProviderID = best.ProviderID
	result.ProviderAccepted = outcome.Accepted
	result.Text = best.Text
	result.Format = p.detector.Detect(best.Text, best.Blocks)

	expanded := p.normalizer.Expand(best.Text)
	result.NormalizedText = expanded

	header := p.normalizer.ExtractHeader(expanded)
	result.PrescriptionNumber = header.PrescriptionNumber
	result.DoctorName = header.DoctorName
	result.ICD10Codes = header.ICD10Codes

	meds := p.normalizer.Segment(expanded, best.Blocks, best.ProviderConfidence)
	for i := range meds {
		match, lerr := p.drugs.Check(ctx, meds[i].Name)
		meds[i].Match = &match
		if lerr != nil {
			if perr, ok := asProcessingError(lerr); ok {
				result.Errors = append(result.Errors, perr.Record())
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("processing cancelled: %w", err)
	}
	result.Medications = meds

	result.Confidence = overallConfidence(best.ProviderConfidence, meds, result.Format.Confidence)
	result.Success = true
	p.finish(result, start)

	p.cache.Set(ctx, effectiveKey, result)

	log.Info("Prescription processed",
		"provider", result.ProviderID,
		"confidence", result.Confidence,
		"medications", len(result.Medications),
		"format", result.Format.Type,
		"requiresReview", result.RequiresManualReview,
		"durationMs", result.ProcessingMs)
	return result, nil
}

// finish validates the result and stamps timing
func (p *Pipeline) finish(result *models.OCRResult, start time.Time) *models.OCRResult {
	report := p.validator.Validate(result)
	result.Validation = &report
	result.RequiresManualReview = report.RequiresManualEntry || !result.Success
	result.Confidence = models.Clamp01(result.Confidence)
	result.ProcessingMs = time.Since(start).Milliseconds()
	return result
}

func overallConfidence(provider float64, meds []models.ExtractedMedication, format float64) float64 {
	var fields float64
	if len(meds) > 0 {
		for _, m := range meds {
			fields += m.FieldConfidence
		}
		fields /= float64(len(meds))
	}
	return models.Clamp01(weightProvider*provider + weightFields*fields + weightFormat*format)
}

func asProcessingError(err error) (*apperrors.ProcessingError, bool) {
	var perr *apperrors.ProcessingError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

func shortHash(h string) string {
	if len(h) > logHashLength {
		return h[:logHashLength]
	}
	return h
}
