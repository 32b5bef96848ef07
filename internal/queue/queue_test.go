package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/knappy214/medguard-sa-sub003/internal/batch"
	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

type stubProcessor struct {
	mu     sync.Mutex
	seen   []models.ImageAsset
	result *models.OCRResult
	err    error
}

func (s *stubProcessor) ProcessSingle(_ context.Context, asset models.ImageAsset, _ *models.PreprocessingOptions) (*models.OCRResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, asset)
	if s.err != nil {
		return nil, s.err
	}
	return s.result.Clone(), nil
}

type stubBatches struct {
	images []models.ImageAsset
	err    error
}

func (s *stubBatches) Run(_ context.Context, images []models.ImageAsset, _ *models.PreprocessingOptions) (*batch.Result, error) {
	s.images = images
	return &batch.Result{ID: "b-1", Status: batch.StatusCompleted, Summary: batch.Summary{Total: len(images), Succeeded: len(images)}}, s.err
}

type sinkEvent struct {
	state   string
	jobID   string
	payload interface{}
}

type memorySink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (m *memorySink) add(e sinkEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memorySink) JobStarted(_ context.Context, jobID string) error {
	return m.add(sinkEvent{state: JobProcessing, jobID: jobID})
}

func (m *memorySink) JobCompleted(_ context.Context, jobID string, result interface{}) error {
	return m.add(sinkEvent{state: JobCompleted, jobID: jobID, payload: result})
}

func (m *memorySink) JobFailed(_ context.Context, jobID string, failure interface{}) error {
	return m.add(sinkEvent{state: JobFailed, jobID: jobID, payload: failure})
}

func (m *memorySink) states() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.state
	}
	return out
}

func newHandler(t *testing.T, p *stubProcessor, b BatchRunner, sink ResultSink) *Handler {
	t.Helper()
	h, err := NewHandler(HandlerConfig{Processor: p, Batches: b, Sink: sink})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return h
}

func task(t *testing.T, typ string, payload interface{}) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return asynq.NewTask(typ, data)
}

func TestImageSourceDecoding(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		want    string
		wantErr bool
	}{
		{"base64", `{"buffer":"aGVsbG8="}`, "hello", false},
		{"node buffer", `{"buffer":{"type":"Buffer","data":[104,105]}}`, "hi", false},
		{"url only", `{"url":"https://example.com/rx.png"}`, "", false},
		{"bad base64", `{"buffer":"***"}`, "", true},
		{"wrong buffer type", `{"buffer":{"type":"Blob","data":[1]}}`, "", true},
		{"byte out of range", `{"buffer":{"type":"Buffer","data":[300]}}`, "", true},
		{"number", `{"buffer":42}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var src ImageSource
			err := json.Unmarshal([]byte(tt.json), &src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(src.Buffer) != tt.want {
				t.Errorf("buffer = %q, want %q", src.Buffer, tt.want)
			}
		})
	}
}

func TestJobPayloadPartialOptionsKeepDefaults(t *testing.T) {
	var job JobPayload
	data := `{"jobId":"job-1","image":{"url":"https://example.com/rx.png"},"options":{"contrast":1.5}}`
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		t.Fatal(err)
	}
	want := models.DefaultPreprocessingOptions()
	want.Contrast = 1.5
	if job.Options == nil || *job.Options != want {
		t.Errorf("options = %+v, want %+v", job.Options, want)
	}

	var b BatchPayload
	if err := json.Unmarshal([]byte(`{"jobId":"b","images":[{"url":"x"}],"options":{"deskew":false,"threshold":0}}`), &b); err != nil {
		t.Fatal(err)
	}
	if b.Options.Deskew || b.Options.Threshold != 0 || !b.Options.Sharpen || !b.Options.Denoise || b.Options.Contrast != 1.0 {
		t.Errorf("batch options = %+v", b.Options)
	}

	var none JobPayload
	if err := json.Unmarshal([]byte(`{"jobId":"job-2","image":{"url":"x"}}`), &none); err != nil {
		t.Fatal(err)
	}
	if none.Options != nil {
		t.Errorf("absent options should stay nil, got %+v", none.Options)
	}
}

func TestPrescriptionTaskRoundTrip(t *testing.T) {
	job := JobPayload{JobID: "job-1", Image: ImageSource{Buffer: []byte{0x89, 'P', 'N', 'G'}}}
	tk, err := NewPrescriptionTask(job)
	if err != nil {
		t.Fatal(err)
	}
	if tk.Type() != TypeProcessPrescription {
		t.Errorf("type = %s", tk.Type())
	}
	var decoded JobPayload
	if err := json.Unmarshal(tk.Payload(), &decoded); err != nil {
		t.Fatal(err)
	}
	if string(decoded.Image.Buffer) != string(job.Image.Buffer) {
		t.Errorf("buffer = %v", decoded.Image.Buffer)
	}

	if _, err := NewPrescriptionTask(JobPayload{JobID: "job-2"}); err == nil {
		t.Error("expected error for a job without image")
	}
	if _, err := NewBatchTask(BatchPayload{JobID: "b"}); err == nil {
		t.Error("expected error for an empty batch")
	}
}

func TestHandlePrescriptionCompleted(t *testing.T) {
	p := &stubProcessor{result: &models.OCRResult{Success: true, Confidence: 0.9}}
	sink := &memorySink{}
	h := newHandler(t, p, nil, sink)

	err := h.HandlePrescription(context.Background(), task(t, TypeProcessPrescription,
		JobPayload{JobID: "job-1", Image: ImageSource{Buffer: []byte("image")}}))
	if err != nil {
		t.Fatalf("HandlePrescription() error = %v", err)
	}

	states := sink.states()
	if len(states) != 2 || states[0] != JobProcessing || states[1] != JobCompleted {
		t.Errorf("states = %v", states)
	}
	if len(p.seen) != 1 || p.seen[0].Hash != models.HashBytes([]byte("image")) {
		t.Errorf("processor saw %+v", p.seen)
	}
}

func TestHandlePrescriptionDownloadsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote-image"))
	}))
	defer srv.Close()

	p := &stubProcessor{result: &models.OCRResult{Success: true}}
	h := newHandler(t, p, nil, nil)

	err := h.HandlePrescription(context.Background(), task(t, TypeProcessPrescription,
		JobPayload{JobID: "job-1", Image: ImageSource{URL: srv.URL}}))
	if err != nil {
		t.Fatal(err)
	}
	if string(p.seen[0].Data) != "remote-image" {
		t.Errorf("data = %q", p.seen[0].Data)
	}
}

func TestHandlePrescriptionBadPayloadSkipsRetry(t *testing.T) {
	h := newHandler(t, &stubProcessor{}, nil, nil)

	err := h.HandlePrescription(context.Background(), asynq.NewTask(TypeProcessPrescription, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("error = %v, want SkipRetry", err)
	}
	err = h.HandlePrescription(context.Background(), task(t, TypeProcessPrescription, JobPayload{JobID: "x"}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("error = %v, want SkipRetry", err)
	}
}

func TestHandlePrescriptionConfigurationErrorSkipsRetry(t *testing.T) {
	p := &stubProcessor{err: apperrors.NewConfigurationError("no providers")}
	sink := &memorySink{}
	h := newHandler(t, p, nil, sink)

	err := h.HandlePrescription(context.Background(), task(t, TypeProcessPrescription,
		JobPayload{JobID: "job-1", Image: ImageSource{Buffer: []byte("image")}}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("error = %v, want SkipRetry", err)
	}
	if states := sink.states(); states[len(states)-1] != JobFailed {
		t.Errorf("states = %v", states)
	}
}

func TestHandlePrescriptionUnsuccessfulIsRetried(t *testing.T) {
	p := &stubProcessor{result: &models.OCRResult{Success: false, RequiresManualReview: true}}
	sink := &memorySink{}
	h := newHandler(t, p, nil, sink)

	err := h.HandlePrescription(context.Background(), task(t, TypeProcessPrescription,
		JobPayload{JobID: "job-1", Image: ImageSource{Buffer: []byte("image")}}))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Errorf("error = %v, want retryable error", err)
	}
	if states := sink.states(); states[len(states)-1] != JobFailed {
		t.Errorf("states = %v", states)
	}
}

func TestHandleBatch(t *testing.T) {
	b := &stubBatches{}
	sink := &memorySink{}
	h := newHandler(t, &stubProcessor{}, b, sink)

	err := h.HandleBatch(context.Background(), task(t, TypeProcessBatch, BatchPayload{
		JobID:  "batch-1",
		Images: []ImageSource{{Buffer: []byte("a")}, {Buffer: []byte("b")}},
	}))
	if err != nil {
		t.Fatalf("HandleBatch() error = %v", err)
	}
	if len(b.images) != 2 || b.images[0].Hash == b.images[1].Hash {
		t.Errorf("images = %+v", b.images)
	}
	if states := sink.states(); states[len(states)-1] != JobCompleted {
		t.Errorf("states = %v", states)
	}
}

func TestHandleBatchTimeoutReportsFailure(t *testing.T) {
	b := &stubBatches{err: batch.ErrBatchTimeout}
	sink := &memorySink{}
	h := newHandler(t, &stubProcessor{}, b, sink)

	err := h.HandleBatch(context.Background(), task(t, TypeProcessBatch, BatchPayload{
		JobID:  "batch-1",
		Images: []ImageSource{{Buffer: []byte("a")}},
	}))
	if !errors.Is(err, batch.ErrBatchTimeout) {
		t.Errorf("error = %v", err)
	}
	if states := sink.states(); states[len(states)-1] != JobFailed {
		t.Errorf("states = %v", states)
	}
}

func TestNewHandlerRequiresProcessor(t *testing.T) {
	if _, err := NewHandler(HandlerConfig{}); !apperrors.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestNewConsumerValidation(t *testing.T) {
	h := newHandler(t, &stubProcessor{}, nil, nil)
	tests := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{"missing redis", ConsumerConfig{QueueName: "q", Handler: h}},
		{"missing queue", ConsumerConfig{RedisURL: "redis://localhost:6379/0", Handler: h}},
		{"missing handler", ConsumerConfig{RedisURL: "redis://localhost:6379/0", QueueName: "q"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := NewConsumer(&cfg); !apperrors.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}
