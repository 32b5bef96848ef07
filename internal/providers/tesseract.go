/**
 * Tesseract OCR - local, offline recognition
 *
 * Free and always available, so it is usually the last entry of the
 * provider chain. Word confidences come from the engine itself.
 */

package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/knappy214/medguard-sa-sub003/internal/config"
	"github.com/knappy214/medguard-sa-sub003/internal/logging"
	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

// tesseractLanguages maps language hints onto traineddata names
var tesseractLanguages = map[string]string{
	"en": "eng",
	"af": "afr",
}

// Tesseract handles OCR using the local Tesseract engine
type Tesseract struct {
	logger *logging.Logger
}

// NewTesseract creates a new Tesseract provider
func NewTesseract(_ config.ProviderConfig) *Tesseract {
	return &Tesseract{logger: logging.NewLogger("TesseractOCR")}
}

func (t *Tesseract) ID() string { return config.ProviderTesseract }

type tesseractOutput struct {
	rec *Recognition
	err error
}

// Submit runs the engine in its own goroutine so the caller's deadline is
// honoured even though gosseract calls are not cancellable
func (t *Tesseract) Submit(ctx context.Context, image []byte, languageHints []string) (*Recognition, error) {
	done := make(chan tesseractOutput, 1)
	go func() {
		rec, err := t.recognize(image, languageHints)
		done <- tesseractOutput{rec, err}
	}()

	select {
	case out := <-done:
		return out.rec, out.err
	case <-ctx.Done():
		return nil, NewProviderError(t.ID(), codeForContextError(ctx, ctx.Err()), ctx.Err())
	}
}

func (t *Tesseract) recognize(image []byte, languageHints []string) (*Recognition, error) {
	// Create Tesseract client
	client := gosseract.NewClient()
	defer client.Close()

	if langs := mapLanguages(languageHints); len(langs) > 0 {
		if err := client.SetLanguage(langs...); err != nil {
			return nil, NewProviderError(t.ID(), CodeEngine, fmt.Errorf("failed to set language: %w", err))
		}
	}

	// Set image from bytes
	if err := client.SetImageFromBytes(image); err != nil {
		return nil, NewProviderError(t.ID(), CodeBadRequest, fmt.Errorf("failed to set image: %w", err))
	}

	// Extract text
	text, err := client.Text()
	if err != nil {
		return nil, NewProviderError(t.ID(), CodeEngine, fmt.Errorf("tesseract OCR failed: %w", err))
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		t.logger.Warn("Word boxes unavailable, using text heuristics", "error", err)
		return &Recognition{Text: text, Confidence: textConfidence(text)}, nil
	}

	rec := &Recognition{Text: text}
	var sum float64
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" {
			continue
		}
		conf := models.Clamp01(b.Confidence / 100)
		rec.Blocks = append(rec.Blocks, models.TextBlock{
			Text:       b.Word,
			Confidence: conf,
			BoundingBox: models.BoundingBox{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
		})
		sum += conf
	}
	if len(rec.Blocks) > 0 {
		rec.Confidence = sum / float64(len(rec.Blocks))
	}

	t.logger.Debug("Tesseract recognition complete",
		"words", len(rec.Blocks),
		"confidence", rec.Confidence,
		"textLength", len(text))

	return rec, nil
}

func mapLanguages(hints []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, h := range hints {
		name, ok := tesseractLanguages[strings.ToLower(h)]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
