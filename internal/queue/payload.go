package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

// Task types
const (
	TypeProcessPrescription = "prescription:ocr"
	TypeProcessBatch        = "prescription:ocr:batch"
)

// ImageSource is an inline image buffer or a URL to download it from
type ImageSource struct {
	Buffer []byte `json:"buffer,omitempty"`
	URL    string `json:"url,omitempty"`
}

// UnmarshalJSON accepts the buffer as a base64 string or as a Node.js Buffer
// object ({"type":"Buffer","data":[...]})
func (s *ImageSource) UnmarshalJSON(data []byte) error {
	type Alias ImageSource
	aux := &struct {
		Buffer interface{} `json:"buffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal image source: %w", err)
	}

	buf, err := decodeBuffer(aux.Buffer)
	if err != nil {
		return err
	}
	s.Buffer = buf
	return nil
}

func decodeBuffer(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil

	case string:
		decoded, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 buffer: %w", err)
		}
		return decoded, nil

	case map[string]interface{}:
		if kind, ok := b["type"].(string); !ok || kind != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		values, ok := b["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		out := make([]byte, len(values))
		for i, val := range values {
			f, ok := val.(float64)
			if !ok || f < 0 || f > 255 || f != float64(int(f)) {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			out[i] = byte(f)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("buffer must be either base64 string or Buffer object, got %T", v)
	}
}

// JobPayload is a single-image job
type JobPayload struct {
	JobID    string                       `json:"jobId"`
	UserID   string                       `json:"userId,omitempty"`
	Image    ImageSource                  `json:"image"`
	Options  *models.PreprocessingOptions `json:"options,omitempty"`
	Metadata map[string]interface{}       `json:"metadata,omitempty"`
}

// BatchPayload is a multi-image job
type BatchPayload struct {
	JobID    string                       `json:"jobId"`
	UserID   string                       `json:"userId,omitempty"`
	Images   []ImageSource                `json:"images"`
	Options  *models.PreprocessingOptions `json:"options,omitempty"`
	Metadata map[string]interface{}       `json:"metadata,omitempty"`
}

func (p *JobPayload) validate() error {
	if p.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if len(p.Image.Buffer) == 0 && p.Image.URL == "" {
		return fmt.Errorf("job %s has no image buffer or url", p.JobID)
	}
	return nil
}

func (p *BatchPayload) validate() error {
	if p.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if len(p.Images) == 0 {
		return fmt.Errorf("batch %s has no images", p.JobID)
	}
	for i, img := range p.Images {
		if len(img.Buffer) == 0 && img.URL == "" {
			return fmt.Errorf("batch %s image %d has no buffer or url", p.JobID, i)
		}
	}
	return nil
}
