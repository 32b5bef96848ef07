package errors

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

/**
 * Custom error types for the prescription OCR worker
 *
 * Every error that is captured inside an OCRResult or a batch item goes through
 * ProcessingError so the code, retryability and cause chain survive.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Image errors
	ErrorImageDecode   ErrorCode = "IMAGE_DECODE_FAILED"
	ErrorPreprocessing ErrorCode = "PREPROCESSING_FAILED"

	// Provider errors
	ErrorProviderTransient  ErrorCode = "PROVIDER_TRANSIENT"
	ErrorProviderFatal      ErrorCode = "PROVIDER_FATAL"
	ErrorProvidersExhausted ErrorCode = "PROVIDERS_EXHAUSTED"

	// Drug database errors
	ErrorLookupTimeout ErrorCode = "DATABASE_LOOKUP_TIMEOUT"
	ErrorLookupFailed  ErrorCode = "DATABASE_LOOKUP_FAILED"

	// Cache errors
	ErrorCacheCorruption ErrorCode = "CACHE_CORRUPTION"

	// Batch errors
	ErrorBatchTimeout   ErrorCode = "BATCH_TIMEOUT"
	ErrorItemTimeout    ErrorCode = "ITEM_TIMEOUT"
	ErrorBatchCancelled ErrorCode = "BATCH_CANCELLED"
	ErrorItemFailed     ErrorCode = "ITEM_FAILED"

	// Startup errors
	ErrorConfiguration ErrorCode = "CONFIGURATION_ERROR"
)

// ErrConfiguration marks fatal configuration problems; never retried
var ErrConfiguration = stderrors.New("configuration error")

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Provider  string
	Retryable bool
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrConfiguration) match configuration errors
func (e *ProcessingError) Is(target error) bool {
	return target == ErrConfiguration && e.Code == ErrorConfiguration
}

// Record converts the error into the form stored on an OCRResult
func (e *ProcessingError) Record() models.ErrorRecord {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return models.ErrorRecord{
		Code:      string(e.Code),
		Message:   msg,
		Provider:  e.Provider,
		Retryable: e.Retryable,
		Timestamp: e.Timestamp,
	}
}

// Factory functions for common errors

func NewImageDecodeError(imageHash string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorImageDecode,
		Message:   "Image could not be decoded",
		JobID:     imageHash,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewPreprocessingError(imageHash string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorPreprocessing,
		Message:   "Preprocessing failed, using original image",
		JobID:     imageHash,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewProviderError(provider string, code string, retryable bool, cause error) *ProcessingError {
	errCode := ErrorProviderFatal
	if retryable {
		errCode = ErrorProviderTransient
	}
	return &ProcessingError{
		Code:      errCode,
		Message:   fmt.Sprintf("Provider %s failed: %s", provider, code),
		Provider:  provider,
		Retryable: retryable,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"provider_code": code,
		},
		Cause: cause,
	}
}

func NewProvidersExhaustedError(attempts int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProvidersExhausted,
		Message:   fmt.Sprintf("All providers failed after %d attempts", attempts),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"attempts": attempts,
		},
		Cause: cause,
	}
}

func NewLookupError(name string, timedOut bool, cause error) *ProcessingError {
	code := ErrorLookupFailed
	msg := fmt.Sprintf("Drug lookup failed for %q", name)
	if timedOut {
		code = ErrorLookupTimeout
		msg = fmt.Sprintf("Drug lookup timed out for %q", name)
	}
	return &ProcessingError{
		Code:      code,
		Message:   msg,
		Retryable: timedOut,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewCacheCorruptionError(key string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorCacheCorruption,
		Message:   "Cached entry could not be decoded",
		JobID:     key,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewBatchTimeoutError(batchID string, duration time.Duration) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorBatchTimeout,
		Message:   fmt.Sprintf("Batch timed out after %v", duration),
		JobID:     batchID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
	}
}

func NewItemTimeoutError(itemID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorItemTimeout,
		Message:   fmt.Sprintf("Item timed out after %v", duration),
		JobID:     itemID,
		Retryable: true,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewBatchCancelledError(batchID string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorBatchCancelled,
		Message:   "Batch cancelled by caller",
		JobID:     batchID,
		Timestamp: time.Now(),
	}
}

func NewItemFailedError(itemID string, attempts int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorItemFailed,
		Message:   fmt.Sprintf("Item failed after %d attempts", attempts),
		JobID:     itemID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"attempts": attempts,
		},
		Cause: cause,
	}
}

func NewConfigurationError(message string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorConfiguration,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// IsConfiguration reports whether err is a configuration error
func IsConfiguration(err error) bool {
	return stderrors.Is(err, ErrConfiguration)
}

// CodeOf extracts the ErrorCode from anywhere in err's chain
func CodeOf(err error) (ErrorCode, bool) {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code, true
	}
	return "", false
}

// ToMap converts error to map for status storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
		"retryable":  e.Retryable,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Provider != "" {
		result["provider"] = e.Provider
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
