/**
 * Recognition providers
 *
 * A closed set of OCR backends behind one Submit contract. The orchestrator
 * only sees Provider; construction from configuration happens in New.
 */

package providers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/knappy214/medguard-sa-sub003/internal/config"
	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

// Recognition is the raw output of one provider call
type Recognition struct {
	Text       string
	Blocks     []models.TextBlock
	Confidence float64
}

// Provider submits an image for text recognition
type Provider interface {
	ID() string
	Submit(ctx context.Context, image []byte, languageHints []string) (*Recognition, error)
}

// Provider error codes
const (
	CodeTimeout     = "timeout"
	CodeRateLimited = "rate_limited"
	CodeUnavailable = "unavailable"
	CodeAuth        = "auth"
	CodeQuota       = "quota"
	CodeBadRequest  = "bad_request"
	CodeBadResponse = "bad_response"
	CodeEngine      = "engine_error"
)

var retryableCodes = map[string]bool{
	CodeTimeout:     true,
	CodeRateLimited: true,
	CodeUnavailable: true,
	CodeBadResponse: true,
}

// ProviderError is the classified failure of one provider call
type ProviderError struct {
	Provider  string
	Code      string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Code)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError classifies err under code; retryability follows the code
func NewProviderError(provider, code string, err error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Retryable: retryableCodes[code],
		Err:       err,
	}
}

// IsRetryable reports whether err should be retried on the same provider.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// toProcessingError converts any provider failure into the structured form
// recorded on results
func toProcessingError(providerID string, err error) *apperrors.ProcessingError {
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return apperrors.NewProviderError(providerID, pe.Code, pe.Retryable, pe.Err)
	}
	return apperrors.NewProviderError(providerID, "unclassified", true, err)
}

// codeForHTTPStatus maps an HTTP status onto a provider error code
func codeForHTTPStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuth
	case status == http.StatusPaymentRequired:
		return CodeQuota
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeUnavailable
	default:
		return CodeBadRequest
	}
}

// codeForContextError classifies transport errors caused by ctx
func codeForContextError(ctx context.Context, err error) string {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeUnavailable
}

// New builds the provider variant named by cfg.Kind
func New(ctx context.Context, cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case config.ProviderTesseract:
		return NewTesseract(cfg), nil
	case config.ProviderGemini:
		return NewGemini(ctx, cfg)
	case config.ProviderMistral:
		return NewMistral(cfg), nil
	case config.ProviderOpenAI, config.ProviderAnthropic:
		return NewLLM(cfg)
	default:
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("unknown OCR provider %q", cfg.Kind))
	}
}

// NewAll builds every configured provider, preserving priority order
func NewAll(ctx context.Context, cfgs []config.ProviderConfig) ([]Provider, error) {
	if len(cfgs) == 0 {
		return nil, apperrors.NewConfigurationError("no OCR providers configured")
	}
	out := make([]Provider, 0, len(cfgs))
	for _, c := range cfgs {
		p, err := New(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", c.Kind, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// visionPrompt asks multimodal models for a transcription with self-reported confidence
func visionPrompt(hints []string) string {
	lang := "English"
	if len(hints) > 0 {
		lang = strings.Join(hints, ", ")
	}
	return "Transcribe this medical prescription exactly as written, preserving line breaks, " +
		"abbreviations and numbers. Expected languages: " + lang + ". " +
		`Respond only with JSON: {"text": string, "confidence": number between 0 and 1, ` +
		`"lines": [{"text": string, "confidence": number}]}.`
}

type visionJSON struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Lines      []struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"lines"`
}

// parseVisionResponse accepts the JSON shape requested by visionPrompt and
// falls back to treating the reply as plain text
func parseVisionResponse(raw string) *Recognition {
	cleaned := stripCodeFences(strings.TrimSpace(raw))

	var parsed visionJSON
	if err := json.Unmarshal([]byte(cleaned), &parsed); err == nil && (parsed.Text != "" || len(parsed.Lines) > 0) {
		rec := &Recognition{Text: parsed.Text, Confidence: models.Clamp01(parsed.Confidence)}
		var lines []string
		for i, l := range parsed.Lines {
			rec.Blocks = append(rec.Blocks, models.TextBlock{
				Text:        l.Text,
				Confidence:  models.Clamp01(l.Confidence),
				BoundingBox: models.BoundingBox{Y: i},
			})
			lines = append(lines, l.Text)
		}
		if rec.Text == "" {
			rec.Text = strings.Join(lines, "\n")
		}
		if rec.Confidence == 0 {
			rec.Confidence = textConfidence(rec.Text)
		}
		return rec
	}

	return &Recognition{Text: cleaned, Confidence: textConfidence(cleaned)}
}

func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// textConfidence estimates confidence from text quality when a provider
// reports none
func textConfidence(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}

	confidence := 0.5

	words := strings.Fields(text)
	if len(words) > 10 {
		confidence += 0.1
	}
	if len(words) > 40 {
		confidence += 0.05
	}

	// Check for reasonable character distribution
	alpha, total := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	if total > 0 {
		ratio := float64(alpha) / float64(total)
		if ratio > 0.5 && ratio < 0.95 {
			confidence += 0.1
		}
	}

	// Cap: self-estimated text quality is never as trustworthy as engine scores
	if confidence > 0.8 {
		confidence = 0.8
	}
	return confidence
}
