package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/knappy214/medguard-sa-sub003/internal/config"
	"github.com/knappy214/medguard-sa-sub003/internal/logging"
	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

const (
	defaultMistralBaseURL = "https://api.mistral.ai/v1"
	defaultMistralModel   = "mistral-ocr-latest"

	// maxMistralResponseBytes caps the response body read into memory
	maxMistralResponseBytes = 32 << 20
)

// mistralOCRRequest is the body of POST /ocr
type mistralOCRRequest struct {
	Model    string          `json:"model"`
	Document mistralDocument `json:"document"`
}

type mistralDocument struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
}

// mistralOCRResponse carries one markdown page per input page
type mistralOCRResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
	Model string `json:"model"`
}

// Mistral calls the Mistral OCR REST API
type Mistral struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewMistral creates a new Mistral OCR client
func NewMistral(cfg config.ProviderConfig) *Mistral {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultMistralBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultMistralModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Mistral{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.NewLogger("MistralOCR"),
	}
}

func (m *Mistral) ID() string { return config.ProviderMistral }

func (m *Mistral) Submit(ctx context.Context, image []byte, _ []string) (*Recognition, error) {
	dataURL := "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)

	reqBody, err := json.Marshal(mistralOCRRequest{
		Model:    m.model,
		Document: mistralDocument{Type: "image_url", ImageURL: dataURL},
	})
	if err != nil {
		return nil, NewProviderError(m.ID(), CodeBadRequest, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/ocr", bytes.NewReader(reqBody))
	if err != nil {
		return nil, NewProviderError(m.ID(), CodeBadRequest, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("ocr-%d", time.Now().UnixNano()))

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewProviderError(m.ID(), codeForContextError(ctx, err), fmt.Errorf("request to Mistral failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMistralResponseBytes+1))
	if err != nil {
		return nil, NewProviderError(m.ID(), CodeUnavailable, fmt.Errorf("failed to read response body: %w", err))
	}
	if len(body) > maxMistralResponseBytes {
		return nil, NewProviderError(m.ID(), CodeBadResponse,
			fmt.Errorf("response body exceeds %d bytes", maxMistralResponseBytes))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, NewProviderError(m.ID(), codeForHTTPStatus(resp.StatusCode),
			fmt.Errorf("mistral returned status %d: %s", resp.StatusCode, truncate(string(body), 512)))
	}

	var ocrResp mistralOCRResponse
	if err := json.Unmarshal(body, &ocrResp); err != nil {
		return nil, NewProviderError(m.ID(), CodeBadResponse, fmt.Errorf("failed to parse response: %w", err))
	}

	rec := &Recognition{}
	var pages []string
	for _, p := range ocrResp.Pages {
		for i, line := range strings.Split(stripMarkdown(p.Markdown), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			rec.Blocks = append(rec.Blocks, models.TextBlock{
				Text:        line,
				Confidence:  textConfidence(line),
				BoundingBox: models.BoundingBox{Y: i},
			})
		}
		pages = append(pages, stripMarkdown(p.Markdown))
	}
	rec.Text = strings.Join(pages, "\n")
	rec.Confidence = textConfidence(rec.Text)

	m.logger.Debug("Mistral recognition complete",
		"model", ocrResp.Model,
		"pages", len(ocrResp.Pages),
		"confidence", rec.Confidence)

	return rec, nil
}

// stripMarkdown removes the heading and emphasis markers Mistral wraps text in
func stripMarkdown(md string) string {
	lines := strings.Split(md, "\n")
	for i, l := range lines {
		l = strings.TrimLeft(l, "# ")
		l = strings.ReplaceAll(l, "**", "")
		l = strings.TrimPrefix(l, "- ")
		lines[i] = l
	}
	return strings.Join(lines, "\n")
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
