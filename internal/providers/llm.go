package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/knappy214/medguard-sa-sub003/internal/config"
	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
	"github.com/knappy214/medguard-sa-sub003/internal/logging"
)

// LLM implements OCR using a general-purpose vision LLM (OpenAI or Anthropic)
type LLM struct {
	kind   string
	model  string
	llm    llms.Model
	logger *logging.Logger
}

// NewLLM creates a vision LLM provider for cfg.Kind
func NewLLM(cfg config.ProviderConfig) (*LLM, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("provider %s requires an API key", cfg.Kind))
	}

	var (
		model llms.Model
		err   error
	)
	switch cfg.Kind {
	case config.ProviderOpenAI:
		model, err = openai.New(openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model))
	case config.ProviderAnthropic:
		model, err = anthropic.New(anthropic.WithToken(cfg.APIKey), anthropic.WithModel(cfg.Model))
	default:
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("unsupported vision LLM provider: %s", cfg.Kind))
	}
	if err != nil {
		return nil, fmt.Errorf("error creating vision LLM client: %w", err)
	}

	return newLLMWithModel(cfg.Kind, cfg.Model, model), nil
}

func newLLMWithModel(kind, modelName string, model llms.Model) *LLM {
	return &LLM{
		kind:   kind,
		model:  modelName,
		llm:    model,
		logger: logging.NewLogger("VisionLLM").With("provider", kind, "model", modelName),
	}
}

func (p *LLM) ID() string { return p.kind }

func (p *LLM) Submit(ctx context.Context, image []byte, languageHints []string) (*Recognition, error) {
	mime := http.DetectContentType(image)

	// OpenAI takes data URLs, Anthropic takes raw image blocks
	var imagePart llms.ContentPart
	if p.kind == config.ProviderOpenAI {
		imagePart = llms.ImageURLPart("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image))
	} else {
		imagePart = llms.BinaryPart(mime, image)
	}

	completion, err := p.llm.GenerateContent(ctx, []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{imagePart, llms.TextPart(visionPrompt(languageHints))},
		},
	}, llms.WithTemperature(0))
	if err != nil {
		return nil, classifyLLMError(ctx, p.kind, err)
	}
	if completion == nil || len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Content) == "" {
		return nil, NewProviderError(p.kind, CodeBadResponse, fmt.Errorf("empty completion"))
	}

	rec := parseVisionResponse(completion.Choices[0].Content)
	p.logger.Debug("Vision LLM recognition complete", "confidence", rec.Confidence, "textLength", len(rec.Text))
	return rec, nil
}

// classifyLLMError inspects the error text; langchaingo surfaces HTTP
// failures as formatted strings
func classifyLLMError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return NewProviderError(provider, codeForContextError(ctx, err), err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "403", "unauthorized", "invalid api key", "invalid x-api-key", "permission"):
		return NewProviderError(provider, CodeAuth, err)
	case containsAny(msg, "insufficient_quota", "quota", "billing", "credit balance"):
		return NewProviderError(provider, CodeQuota, err)
	case containsAny(msg, "429", "rate limit", "rate_limit"):
		return NewProviderError(provider, CodeRateLimited, err)
	case containsAny(msg, "timeout", "deadline exceeded", "504"):
		return NewProviderError(provider, CodeTimeout, err)
	case containsAny(msg, "500", "502", "503", "overloaded", "unavailable"):
		return NewProviderError(provider, CodeUnavailable, err)
	case containsAny(msg, "400", "invalid_request", "bad request"):
		return NewProviderError(provider, CodeBadRequest, err)
	}
	return err
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
