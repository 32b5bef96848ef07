package providers

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/knappy214/medguard-sa-sub003/internal/config"
	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
	"github.com/knappy214/medguard-sa-sub003/internal/logging"
)

// Gemini recognizes prescriptions with a Gemini vision model
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
	logger *logging.Logger
}

// NewGemini creates a Gemini provider; the client is shared across calls
func NewGemini(ctx context.Context, cfg config.ProviderConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperrors.NewConfigurationError("GEMINI_API_KEY is empty")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(strings.TrimSpace(cfg.APIKey)))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	m := client.GenerativeModel(strings.TrimSpace(cfg.Model))
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}

	return &Gemini{
		client: client,
		model:  m,
		name:   cfg.Model,
		logger: logging.NewLogger("GeminiOCR"),
	}, nil
}

func (g *Gemini) ID() string { return config.ProviderGemini }

// Close releases the underlying client
func (g *Gemini) Close() error {
	return g.client.Close()
}

func (g *Gemini) Submit(ctx context.Context, image []byte, languageHints []string) (*Recognition, error) {
	parts := []genai.Part{
		genai.Blob{MIMEType: http.DetectContentType(image), Data: image},
		genai.Text(visionPrompt(languageHints)),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, classifyGeminiError(ctx, err)
	}

	txt := firstText(resp)
	if txt == "" {
		return nil, NewProviderError(g.ID(), CodeBadResponse, fmt.Errorf("gemini: empty response"))
	}

	rec := parseVisionResponse(txt)
	g.logger.Debug("Gemini recognition complete",
		"model", g.name,
		"confidence", rec.Confidence,
		"textLength", len(rec.Text))
	return rec, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

// classifyGeminiError maps SDK failures (gRPC status or REST googleapi errors)
// onto provider codes
func classifyGeminiError(ctx context.Context, err error) error {
	const id = config.ProviderGemini

	if ctx.Err() != nil {
		return NewProviderError(id, codeForContextError(ctx, err), err)
	}

	var blocked *genai.BlockedError
	if stderrors.As(err, &blocked) {
		return NewProviderError(id, CodeBadRequest, err)
	}

	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) {
		return NewProviderError(id, codeForHTTPStatus(apiErr.Code), err)
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return NewProviderError(id, CodeTimeout, err)
		case codes.ResourceExhausted:
			return NewProviderError(id, CodeRateLimited, err)
		case codes.Unavailable, codes.Internal, codes.Aborted:
			return NewProviderError(id, CodeUnavailable, err)
		case codes.Unauthenticated, codes.PermissionDenied:
			return NewProviderError(id, CodeAuth, err)
		case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound:
			return NewProviderError(id, CodeBadRequest, err)
		}
	}

	return err
}

func ptrFloat32(v float32) *float32 { return &v }
