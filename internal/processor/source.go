package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/knappy214/medguard-sa-sub003/internal/logging"
)

// Download limits
const (
	DefaultMaxImageBytes = 20 * 1024 * 1024
	defaultMaxRetries    = 5
	defaultDownloadLimit = 2 * time.Minute
)

// Loader resolves a job's image from an inline buffer or a URL
type Loader struct {
	client         *http.Client
	maxBytes       int64
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *logging.Logger
}

// NewLoader creates a loader. maxBytes <= 0 uses DefaultMaxImageBytes.
func NewLoader(maxBytes int64) *Loader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	return &Loader{
		client:         &http.Client{Timeout: defaultDownloadLimit},
		maxBytes:       maxBytes,
		maxRetries:     defaultMaxRetries,
		initialBackoff: time.Second,
		maxBackoff:     32 * time.Second,
		logger:         logging.NewLogger("Loader"),
	}
}

// Load returns buffer when it is non-empty, otherwise downloads imageURL
func (l *Loader) Load(ctx context.Context, buffer []byte, imageURL string) ([]byte, error) {
	if len(buffer) > 0 {
		if int64(len(buffer)) > l.maxBytes {
			return nil, fmt.Errorf("image size exceeds maximum: %d > %d bytes", len(buffer), l.maxBytes)
		}
		return buffer, nil
	}
	if imageURL == "" {
		return nil, fmt.Errorf("no image source provided (buffer or URL)")
	}

	data, err := l.download(ctx, imageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	l.logger.Debug("Image downloaded", "bytes", len(data), "type", DetectImageType(data))
	return data, nil
}

// download fetches url with exponential backoff. Client errors other than
// 408 and 429 are not retried.
func (l *Loader) download(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	backoff := l.initialBackoff

	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		data, retry, err := l.fetch(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retry || attempt == l.maxRetries {
			break
		}

		l.logger.Warn("Download attempt failed, retrying",
			"attempt", attempt, "backoff", backoff.String(), "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
	return nil, lastErr
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retry := resp.StatusCode >= 500 ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout
		return nil, retry, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	if resp.ContentLength > l.maxBytes {
		return nil, false, fmt.Errorf("image size exceeds maximum: %d > %d bytes", resp.ContentLength, l.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, true, err
	}
	if int64(len(data)) > l.maxBytes {
		return nil, false, fmt.Errorf("image size exceeds maximum of %d bytes", l.maxBytes)
	}
	return data, false, nil
}

// DetectImageType sniffs the MIME type from magic bytes. Unknown content
// returns "".
func DetectImageType(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	case bytes.HasPrefix(data, []byte("%PDF")):
		// scanned scripts sometimes arrive as PDF; not decodable here
		return "application/pdf"
	}
	return ""
}
