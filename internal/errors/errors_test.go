package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestConfigurationErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("startup: %w", NewConfigurationError("no providers"))
	if !IsConfiguration(err) {
		t.Fatal("wrapped configuration error not recognised")
	}
	if IsConfiguration(NewBatchCancelledError("b1")) {
		t.Fatal("cancelled batch reported as configuration error")
	}
}

func TestProviderErrorCodes(t *testing.T) {
	cause := stderrors.New("429")
	transient := NewProviderError("gemini", "rate_limited", true, cause)
	if transient.Code != ErrorProviderTransient || !transient.Retryable {
		t.Errorf("unexpected transient error %+v", transient)
	}
	fatal := NewProviderError("gemini", "auth", false, nil)
	if fatal.Code != ErrorProviderFatal || fatal.Retryable {
		t.Errorf("unexpected fatal error %+v", fatal)
	}
	if !stderrors.Is(transient, cause) {
		t.Error("cause lost from chain")
	}
}

func TestRecordAndCodeOf(t *testing.T) {
	pe := NewItemTimeoutError("item-1", 2*time.Second, stderrors.New("deadline"))
	rec := pe.Record()
	if rec.Code != string(ErrorItemTimeout) || !rec.Retryable {
		t.Errorf("record = %+v", rec)
	}
	if rec.Message == pe.Message {
		t.Error("record message should include the cause")
	}

	code, ok := CodeOf(fmt.Errorf("wrap: %w", pe))
	if !ok || code != ErrorItemTimeout {
		t.Errorf("CodeOf = %v, %v", code, ok)
	}
	if _, ok := CodeOf(stderrors.New("plain")); ok {
		t.Error("CodeOf matched a plain error")
	}
}

func TestToMap(t *testing.T) {
	m := NewBatchTimeoutError("batch-1", time.Minute).ToMap()
	if m["error_code"] != string(ErrorBatchTimeout) {
		t.Errorf("error_code = %v", m["error_code"])
	}
	if m["timeout_duration"] != "1m0s" {
		t.Errorf("timeout_duration = %v", m["timeout_duration"])
	}
}
