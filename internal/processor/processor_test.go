package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knappy214/medguard-sa-sub003/internal/cache"
	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
	"github.com/knappy214/medguard-sa-sub003/internal/models"
	"github.com/knappy214/medguard-sa-sub003/internal/providers"
	"github.com/knappy214/medguard-sa-sub003/internal/validation"
)

const scriptText = "PRESCRIPTION\n" +
	"Patient Name: J Botha\n" +
	"Date: 12/03/2024\n" +
	"Rx\n" +
	"1. Amoxicillin 500mg tds 5/7\n" +
	"2. Panado 500mg qid prn\n" +
	"ICD-10: J02.9\n" +
	"Signature\n" +
	"MP 0123456"

// fakeRecognizer returns a scripted outcome and counts calls
type fakeRecognizer struct {
	calls      atomic.Int32
	delay      time.Duration
	text       string
	confidence float64
	rejected   bool
	err        error
}

func (f *fakeRecognizer) Submit(ctx context.Context, image []byte, hints []string) (*providers.Outcome, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return &providers.Outcome{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return &providers.Outcome{}, err
	}
	if f.err != nil {
		failed := models.ProviderResult{ProviderID: "tesseract", Attempt: 1, Error: "engine crashed"}
		return &providers.Outcome{
			Attempts: []models.ProviderResult{failed},
			Errors:   []*apperrors.ProcessingError{apperrors.NewProviderError("tesseract", "engine_error", false, errors.New("engine crashed"))},
		}, f.err
	}
	best := models.ProviderResult{ProviderID: "gemini", Text: f.text, ProviderConfidence: f.confidence, Attempt: 1}
	return &providers.Outcome{Best: &best, Accepted: !f.rejected, Attempts: []models.ProviderResult{best}}, nil
}

type fixedAssessor struct {
	q models.QualityAssessment
}

func (f fixedAssessor) Assess([]byte) models.QualityAssessment {
	return f.q
}

type failingPreprocessor struct{}

func (failingPreprocessor) Preprocess(data []byte, opts models.PreprocessingOptions) ([]byte, models.PreprocessingOptions, error) {
	return nil, opts, errors.New("filter exploded")
}

// fixedPreprocessor ignores the requested options and reports effective
type fixedPreprocessor struct {
	effective models.PreprocessingOptions
}

func (f fixedPreprocessor) Preprocess(data []byte, _ models.PreprocessingOptions) ([]byte, models.PreprocessingOptions, error) {
	return data, f.effective, nil
}

type failingDrugs struct{}

func (failingDrugs) Check(_ context.Context, name string) (models.DrugMatch, error) {
	return models.DrugMatch{Status: models.MatchUnmatched, Alternatives: []string{}, Reason: "drug database lookup timed out"},
		apperrors.NewLookupError(name, true, context.DeadlineExceeded)
}

func goodQuality() models.QualityAssessment {
	return models.QualityAssessment{OverallScore: 0.85, IsProcessable: true, Decodable: true, Recommendations: []string{}}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 96, 64))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for y := 20; y < 26; y++ {
		for x := 10; x < 86; x++ {
			img.SetGray(x, y, color.Gray{Y: 0})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func newTestPipeline(t *testing.T, rec Recognizer, cfg PipelineConfig) *Pipeline {
	t.Helper()
	cfg.Recognizer = rec
	if cfg.Assessor == nil {
		cfg.Assessor = fixedAssessor{q: goodQuality()}
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New(16, time.Hour, nil)
	}
	p, err := NewPipeline(cfg)
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	return p
}

func hasErrorCode(r *models.OCRResult, code apperrors.ErrorCode) bool {
	for _, e := range r.Errors {
		if e.Code == string(code) {
			return true
		}
	}
	return false
}

func TestProcessSingleExtractsPrescription(t *testing.T) {
	rec := &fakeRecognizer{text: scriptText, confidence: 0.92}
	p := newTestPipeline(t, rec, PipelineConfig{})

	r, err := p.ProcessSingle(context.Background(), models.NewImageAsset(pngBytes(t)), nil)
	if err != nil {
		t.Fatalf("ProcessSingle() error = %v", err)
	}
	if !r.Success || r.ProviderID != "gemini" {
		t.Fatalf("result = %+v", r)
	}
	if r.Format.Type != models.FormatStandard || r.Format.Language != models.LanguageEnglish {
		t.Errorf("format = %+v", r.Format)
	}
	if len(r.Medications) != 2 {
		t.Fatalf("medications = %+v", r.Medications)
	}

	amox := r.Medications[0]
	if amox.Name != "Amoxicillin" || amox.Frequency != "three times daily" || amox.Duration != "for 5 days" {
		t.Errorf("amoxicillin = %+v", amox)
	}
	if amox.Match == nil || amox.Match.Status != models.MatchValidated {
		t.Errorf("amoxicillin match = %+v", amox.Match)
	}
	if !strings.Contains(r.NormalizedText, "four times daily as needed") {
		t.Errorf("normalized text = %q", r.NormalizedText)
	}
	if len(r.ICD10Codes) != 1 || r.ICD10Codes[0] != "J02.9" {
		t.Errorf("icd10 = %v", r.ICD10Codes)
	}
	if r.RequiresManualReview {
		t.Errorf("unexpected review: %v", r.Validation.Reasons)
	}
	if r.Confidence <= 0.5 || r.Confidence > 1 {
		t.Errorf("confidence = %v", r.Confidence)
	}
	if r.Options.SkewAngle < -45 || r.Options.SkewAngle > 45 {
		t.Errorf("effective options = %+v", r.Options)
	}
}

func TestProcessSingleLowQualityStillRecognizes(t *testing.T) {
	rec := &fakeRecognizer{text: scriptText, confidence: 0.92}
	p := newTestPipeline(t, rec, PipelineConfig{
		Assessor: fixedAssessor{q: models.QualityAssessment{OverallScore: 0.3, IsProcessable: false, Decodable: true}},
	})

	asset := models.ImageAsset{Data: pngBytes(t), Hash: "abc123"}
	r, err := p.ProcessSingle(context.Background(), asset, nil)
	if err != nil {
		t.Fatalf("ProcessSingle() error = %v", err)
	}
	if rec.calls.Load() != 1 {
		t.Errorf("providers called %d times, want 1", rec.calls.Load())
	}
	if r.ImageHash != "abc123" || !r.RequiresManualReview {
		t.Fatalf("result = %+v", r)
	}

	found := false
	for _, reason := range r.Validation.Reasons {
		if strings.HasPrefix(reason, validation.ReasonLowImageQuality) {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons %v missing %q", r.Validation.Reasons, validation.ReasonLowImageQuality)
	}
}

func TestProcessSingleTwiceIsIdentical(t *testing.T) {
	rec := &fakeRecognizer{text: scriptText, confidence: 0.92}
	p := newTestPipeline(t, rec, PipelineConfig{})
	asset := models.NewImageAsset(pngBytes(t))

	first, err := p.ProcessSingle(context.Background(), asset, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.ProcessSingle(context.Background(), asset, nil)
	if err != nil {
		t.Fatal(err)
	}

	if rec.calls.Load() != 1 {
		t.Errorf("providers called %d times, want 1", rec.calls.Load())
	}
	if first.FromCache || !second.FromCache {
		t.Errorf("cache metadata: first=%v second=%v", first.FromCache, second.FromCache)
	}

	a, b := first.Clone(), second.Clone()
	a.FromCache, a.CacheKey = false, ""
	b.FromCache, b.CacheKey = false, ""
	if !reflect.DeepEqual(a, b) {
		t.Errorf("results differ beyond cache metadata:\n%+v\n%+v", a, b)
	}
}

func TestProcessSingleConcurrentCallsShareProviderChain(t *testing.T) {
	rec := &fakeRecognizer{text: scriptText, confidence: 0.92, delay: 100 * time.Millisecond}
	p := newTestPipeline(t, rec, PipelineConfig{})
	data := pngBytes(t)

	const n = 4
	var wg sync.WaitGroup
	texts := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := p.ProcessSingle(context.Background(), models.NewImageAsset(data), nil)
			if err != nil {
				t.Errorf("ProcessSingle() error = %v", err)
				return
			}
			texts[i] = r.Text
		}(i)
	}
	wg.Wait()

	if got := rec.calls.Load(); got != 1 {
		t.Fatalf("provider chain invoked %d times, want 1", got)
	}
	for i, text := range texts {
		if text != scriptText {
			t.Errorf("caller %d got %q", i, text)
		}
	}
}

func TestProcessSingleUndecodable(t *testing.T) {
	rec := &fakeRecognizer{text: scriptText, confidence: 0.92}
	p, err := NewPipeline(PipelineConfig{Recognizer: rec})
	if err != nil {
		t.Fatal(err)
	}

	r, err := p.ProcessSingle(context.Background(), models.NewImageAsset([]byte("definitely not an image")), nil)
	if err != nil {
		t.Fatalf("ProcessSingle() error = %v", err)
	}
	if !r.Success || r.Confidence != 0 || !r.RequiresManualReview {
		t.Errorf("result = %+v", r)
	}
	if !hasErrorCode(r, apperrors.ErrorImageDecode) {
		t.Errorf("errors = %+v", r.Errors)
	}
	if rec.calls.Load() != 0 {
		t.Error("providers must not be called for undecodable input")
	}
}

func TestProcessSingleProvidersExhausted(t *testing.T) {
	exhausted := fmt.Errorf("%w: %w", providers.ErrProvidersExhausted,
		apperrors.NewProvidersExhaustedError(1, errors.New("engine crashed")))
	rec := &fakeRecognizer{err: exhausted}
	p := newTestPipeline(t, rec, PipelineConfig{})
	asset := models.NewImageAsset(pngBytes(t))

	r, err := p.ProcessSingle(context.Background(), asset, nil)
	if err != nil {
		t.Fatalf("ProcessSingle() error = %v", err)
	}
	if r.Success || !r.RequiresManualReview {
		t.Errorf("result = %+v", r)
	}
	if !hasErrorCode(r, apperrors.ErrorProvidersExhausted) || len(r.Attempts) != 1 {
		t.Errorf("errors = %+v attempts = %+v", r.Errors, r.Attempts)
	}

	if _, err := p.ProcessSingle(context.Background(), asset, nil); err != nil {
		t.Fatal(err)
	}
	if rec.calls.Load() != 2 {
		t.Errorf("failed results must not be cached, calls = %d", rec.calls.Load())
	}
}

func TestProcessSingleCancelled(t *testing.T) {
	rec := &fakeRecognizer{text: scriptText, confidence: 0.92, delay: time.Second}
	p := newTestPipeline(t, rec, PipelineConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.ProcessSingle(ctx, models.NewImageAsset(pngBytes(t)), nil); err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
}

func TestProcessSinglePreprocessingFallback(t *testing.T) {
	rec := &fakeRecognizer{text: scriptText, confidence: 0.92}
	p := newTestPipeline(t, rec, PipelineConfig{Preprocessor: failingPreprocessor{}})

	r, err := p.ProcessSingle(context.Background(), models.NewImageAsset(pngBytes(t)), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Success || !hasErrorCode(r, apperrors.ErrorPreprocessing) {
		t.Errorf("result = %+v", r)
	}
}

func TestProcessSingleLookupFailureIsNotCached(t *testing.T) {
	rec := &fakeRecognizer{text: scriptText, confidence: 0.92}
	p := newTestPipeline(t, rec, PipelineConfig{Drugs: failingDrugs{}})
	asset := models.NewImageAsset(pngBytes(t))

	r, err := p.ProcessSingle(context.Background(), asset, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Success || !r.RequiresManualReview || !hasErrorCode(r, apperrors.ErrorLookupTimeout) {
		t.Errorf("result = %+v", r)
	}
	for _, m := range r.Medications {
		if m.Match == nil || m.Match.Status != models.MatchUnmatched {
			t.Errorf("medication %s match = %+v", m.Name, m.Match)
		}
	}

	if _, err := p.ProcessSingle(context.Background(), asset, nil); err != nil {
		t.Fatal(err)
	}
	if rec.calls.Load() != 2 {
		t.Errorf("degraded result was cached, calls = %d", rec.calls.Load())
	}
}

func TestProcessSingleOptionsAreKeyed(t *testing.T) {
	rec := &fakeRecognizer{text: scriptText, confidence: 0.92}
	p := newTestPipeline(t, rec, PipelineConfig{})
	asset := models.NewImageAsset(pngBytes(t))

	opts := models.DefaultPreprocessingOptions()
	if _, err := p.ProcessSingle(context.Background(), asset, &opts); err != nil {
		t.Fatal(err)
	}
	opts.Threshold = 0
	if _, err := p.ProcessSingle(context.Background(), asset, &opts); err != nil {
		t.Fatal(err)
	}
	if rec.calls.Load() != 2 {
		t.Errorf("different options should be computed separately, calls = %d", rec.calls.Load())
	}
}

func TestProcessSingleBelowMinimumAcceptableRequiresReview(t *testing.T) {
	rec := &fakeRecognizer{text: scriptText, confidence: 0.70, rejected: true}
	p := newTestPipeline(t, rec, PipelineConfig{})

	r, err := p.ProcessSingle(context.Background(), models.NewImageAsset(pngBytes(t)), nil)
	if err != nil {
		t.Fatalf("ProcessSingle() error = %v", err)
	}
	if !r.Success || r.ProviderAccepted || !r.RequiresManualReview {
		t.Fatalf("result = %+v", r)
	}
	found := false
	for _, reason := range r.Validation.Reasons {
		if strings.HasPrefix(reason, validation.ReasonBelowMinimumAcceptable) {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons %v missing %q", r.Validation.Reasons, validation.ReasonBelowMinimumAcceptable)
	}
}

func TestProcessSingleEffectiveOptionsHitIsCached(t *testing.T) {
	rec := &fakeRecognizer{text: scriptText, confidence: 0.92}
	p := newTestPipeline(t, rec, PipelineConfig{
		Preprocessor: fixedPreprocessor{effective: models.DefaultPreprocessingOptions()},
	})
	asset := models.NewImageAsset(pngBytes(t))

	first, err := p.ProcessSingle(context.Background(), asset, nil)
	if err != nil {
		t.Fatal(err)
	}
	opts := models.DefaultPreprocessingOptions()
	opts.Threshold = 90
	second, err := p.ProcessSingle(context.Background(), asset, &opts)
	if err != nil {
		t.Fatal(err)
	}
	if rec.calls.Load() != 1 {
		t.Errorf("providers called %d times, want 1", rec.calls.Load())
	}
	if first.FromCache || !second.FromCache {
		t.Errorf("cache metadata: first=%v second=%v", first.FromCache, second.FromCache)
	}
	if second.CacheKey != cache.NewKey(asset.Hash, requestOptions(&opts)) {
		t.Errorf("cache key = %q", second.CacheKey)
	}
}

func TestNewPipelineRequiresRecognizer(t *testing.T) {
	if _, err := NewPipeline(PipelineConfig{}); !apperrors.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
