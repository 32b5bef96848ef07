package providers

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
)

type fakeResponse struct {
	rec   *Recognition
	err   error
	delay time.Duration
}

// fakeProvider replays scripted responses; the last one repeats
type fakeProvider struct {
	id        string
	responses []fakeResponse

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Submit(ctx context.Context, _ []byte, _ []string) (*Recognition, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()

	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	r := f.responses[i]
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.rec, r.err
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func ok(text string, conf float64) fakeResponse {
	return fakeResponse{rec: &Recognition{Text: text, Confidence: conf}}
}

func fail(id, code string) fakeResponse {
	return fakeResponse{err: NewProviderError(id, code, stderrors.New(code))}
}

func testConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MinimumAcceptable: 0.75,
		RetryAttempts:     3,
		CallTimeout:       time.Second,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
	}
}

func TestFallbackToNextProviderOnLowConfidence(t *testing.T) {
	a := &fakeProvider{id: "a", responses: []fakeResponse{ok("blurry", 0.5)}}
	b := &fakeProvider{id: "b", responses: []fakeResponse{ok("clear", 0.9)}}

	o, err := NewOrchestrator([]Provider{a, b}, testConfig())
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	out, err := o.Submit(context.Background(), []byte("img"), []string{"en"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !out.Accepted || out.Best == nil || out.Best.ProviderID != "b" {
		t.Fatalf("expected accepted result from b, got %+v", out.Best)
	}
	if len(out.Attempts) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(out.Attempts))
	}
	if out.Attempts[0].ProviderID != "a" || out.Attempts[0].ProviderConfidence != 0.5 {
		t.Errorf("low-confidence attempt not recorded: %+v", out.Attempts[0])
	}
	if a.Calls() != 1 {
		t.Errorf("low confidence must not be retried on the same provider, got %d calls", a.Calls())
	}
}

func TestShortCircuitsOnAcceptableResult(t *testing.T) {
	a := &fakeProvider{id: "a", responses: []fakeResponse{ok("text", 0.95)}}
	b := &fakeProvider{id: "b", responses: []fakeResponse{ok("text", 0.99)}}

	o, _ := NewOrchestrator([]Provider{a, b}, testConfig())
	out, err := o.Submit(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Best.ProviderID != "a" {
		t.Errorf("provenance = %s, want a", out.Best.ProviderID)
	}
	if b.Calls() != 0 {
		t.Errorf("b should never be called, got %d", b.Calls())
	}
}

func TestRetriesTransientErrors(t *testing.T) {
	a := &fakeProvider{id: "a", responses: []fakeResponse{
		fail("a", CodeRateLimited),
		fail("a", CodeTimeout),
		ok("finally", 0.8),
	}}

	o, _ := NewOrchestrator([]Provider{a}, testConfig())
	out, err := o.Submit(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a.Calls() != 3 {
		t.Errorf("calls = %d, want 3", a.Calls())
	}
	if !out.Accepted || out.Best.Attempt != 3 {
		t.Errorf("expected acceptance on attempt 3, got %+v", out.Best)
	}
	if len(out.Errors) != 2 {
		t.Errorf("errors = %d, want 2", len(out.Errors))
	}
}

func TestFatalErrorSkipsImmediately(t *testing.T) {
	a := &fakeProvider{id: "a", responses: []fakeResponse{fail("a", CodeAuth)}}
	b := &fakeProvider{id: "b", responses: []fakeResponse{ok("text", 0.9)}}

	o, _ := NewOrchestrator([]Provider{a, b}, testConfig())
	out, err := o.Submit(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a.Calls() != 1 {
		t.Errorf("fatal error retried: %d calls", a.Calls())
	}
	if out.Best.ProviderID != "b" {
		t.Errorf("provenance = %s, want b", out.Best.ProviderID)
	}
	if out.Errors[0].Code != apperrors.ErrorProviderFatal {
		t.Errorf("error code = %s", out.Errors[0].Code)
	}
}

func TestReturnsBestAttemptWhenNoneAcceptable(t *testing.T) {
	a := &fakeProvider{id: "a", responses: []fakeResponse{ok("x", 0.3)}}
	b := &fakeProvider{id: "b", responses: []fakeResponse{ok("y", 0.6)}}
	c := &fakeProvider{id: "c", responses: []fakeResponse{fail("c", CodeQuota)}}

	o, _ := NewOrchestrator([]Provider{a, b, c}, testConfig())
	out, err := o.Submit(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Accepted {
		t.Error("nothing reached the minimum, Accepted must be false")
	}
	if out.Best.ProviderID != "b" || out.Best.ProviderConfidence != 0.6 {
		t.Errorf("best = %+v, want b@0.6", out.Best)
	}
	if len(out.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(out.Attempts))
	}
}

func TestAllProvidersFailing(t *testing.T) {
	a := &fakeProvider{id: "a", responses: []fakeResponse{fail("a", CodeUnavailable)}}
	b := &fakeProvider{id: "b", responses: []fakeResponse{fail("b", CodeAuth)}}

	o, _ := NewOrchestrator([]Provider{a, b}, testConfig())
	out, err := o.Submit(context.Background(), nil, nil)
	if !stderrors.Is(err, ErrProvidersExhausted) {
		t.Fatalf("expected ErrProvidersExhausted, got %v", err)
	}
	if code, _ := apperrors.CodeOf(err); code != apperrors.ErrorProvidersExhausted {
		t.Errorf("code = %s", code)
	}
	if out.Best != nil {
		t.Error("no best attempt expected")
	}
	if len(out.Attempts) != 4 {
		t.Errorf("attempts = %d, want 3 for a and 1 for b", len(out.Attempts))
	}
}

func TestZeroProvidersIsConfigurationError(t *testing.T) {
	_, err := NewOrchestrator(nil, testConfig())
	if !apperrors.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestPerCallTimeout(t *testing.T) {
	slow := &fakeProvider{id: "slow", responses: []fakeResponse{{rec: &Recognition{Text: "late", Confidence: 1}, delay: time.Second}}}
	fast := &fakeProvider{id: "fast", responses: []fakeResponse{ok("on time", 0.8)}}

	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	cfg.RetryAttempts = 1

	o, _ := NewOrchestrator([]Provider{slow, fast}, cfg)
	out, err := o.Submit(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Best.ProviderID != "fast" {
		t.Errorf("provenance = %s, want fast", out.Best.ProviderID)
	}
	if out.Attempts[0].Error == "" {
		t.Error("timed out attempt should carry an error")
	}
	if !out.Errors[0].Retryable {
		t.Error("timeout should be classified as retryable")
	}
}

func TestParentCancellationAbortsChain(t *testing.T) {
	a := &fakeProvider{id: "a", responses: []fakeResponse{{delay: time.Second}}}
	b := &fakeProvider{id: "b", responses: []fakeResponse{ok("never", 0.9)}}

	o, _ := NewOrchestrator([]Provider{a, b}, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := o.Submit(ctx, nil, nil)
	if !stderrors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.Calls() != 0 {
		t.Error("next provider called after cancellation")
	}
}

func TestUnclassifiedErrorsAreTransient(t *testing.T) {
	a := &fakeProvider{id: "a", responses: []fakeResponse{{err: stderrors.New("connection reset")}, ok("ok", 0.9)}}

	o, _ := NewOrchestrator([]Provider{a}, testConfig())
	out, err := o.Submit(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a.Calls() != 2 || !out.Accepted {
		t.Errorf("calls = %d accepted = %v", a.Calls(), out.Accepted)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	o, _ := NewOrchestrator([]Provider{&fakeProvider{id: "a"}}, OrchestratorConfig{RetryAttempts: 5})
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := o.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
