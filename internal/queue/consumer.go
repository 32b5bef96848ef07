/**
 * Queue Consumer for the Prescription OCR Worker
 *
 * Consumes prescription jobs from Redis via Asynq and runs them through the
 * single-image pipeline or the batch coordinator.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/knappy214/medguard-sa-sub003/internal/batch"
	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
	"github.com/knappy214/medguard-sa-sub003/internal/logging"
	"github.com/knappy214/medguard-sa-sub003/internal/models"
	"github.com/knappy214/medguard-sa-sub003/internal/processor"
)

const defaultProcessingTimeout = 5 * time.Minute

// BatchRunner runs a batch to completion
type BatchRunner interface {
	Run(ctx context.Context, images []models.ImageAsset, opts *models.PreprocessingOptions) (*batch.Result, error)
}

// Handler turns queue tasks into pipeline calls
type Handler struct {
	processor processor.Processor
	batches   BatchRunner
	loader    *processor.Loader
	sink      ResultSink
	timeout   time.Duration
	logger    *logging.Logger
}

// HandlerConfig wires a Handler. Batches and Sink are optional.
type HandlerConfig struct {
	Processor         processor.Processor
	Batches           BatchRunner
	Loader            *processor.Loader
	Sink              ResultSink
	ProcessingTimeout time.Duration
}

// NewHandler creates a task handler
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Processor == nil {
		return nil, apperrors.NewConfigurationError("queue handler requires a processor")
	}
	if cfg.Loader == nil {
		cfg.Loader = processor.NewLoader(0)
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaultProcessingTimeout
	}
	return &Handler{
		processor: cfg.Processor,
		batches:   cfg.Batches,
		loader:    cfg.Loader,
		sink:      cfg.Sink,
		timeout:   cfg.ProcessingTimeout,
		logger:    logging.NewLogger("QueueHandler"),
	}, nil
}

// Register installs the task handlers on mux
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeProcessPrescription, h.HandlePrescription)
	if h.batches != nil {
		mux.HandleFunc(TypeProcessBatch, h.HandleBatch)
	}
}

// HandlePrescription processes one prescription image
func (h *Handler) HandlePrescription(ctx context.Context, task *asynq.Task) error {
	var job JobPayload
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if err := job.validate(); err != nil {
		return fmt.Errorf("invalid job: %v: %w", err, asynq.SkipRetry)
	}
	log := h.logger.With("jobId", job.JobID)

	h.started(ctx, job.JobID)

	processCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()

	data, err := h.loader.Load(processCtx, job.Image.Buffer, job.Image.URL)
	if err != nil {
		h.failed(ctx, job.JobID, err)
		return fmt.Errorf("job %s: %w", job.JobID, err)
	}

	asset := models.NewImageAsset(data)
	log.Info("Processing prescription", "imageHash", asset.Hash, "bytes", len(data), "type", processor.DetectImageType(data))

	result, err := h.processor.ProcessSingle(processCtx, asset, job.Options)
	if err != nil {
		if errors.Is(processCtx.Err(), context.DeadlineExceeded) {
			err = apperrors.NewItemTimeoutError(job.JobID, h.timeout, err)
		}
		h.failed(ctx, job.JobID, err)
		return retryable(fmt.Errorf("prescription processing failed: %w", err))
	}

	if !result.Success {
		log.Warn("Recognition failed", "errors", len(result.Errors))
		h.report(ctx, job.JobID, JobFailed, result)
		return fmt.Errorf("job %s: no provider produced a result", job.JobID)
	}

	h.report(ctx, job.JobID, JobCompleted, result)
	log.Info("Prescription processed",
		"confidence", result.Confidence,
		"medications", len(result.Medications),
		"requiresReview", result.RequiresManualReview,
		"fromCache", result.FromCache,
		"durationMs", time.Since(start).Milliseconds())
	return nil
}

// HandleBatch processes a multi-image job with the batch coordinator
func (h *Handler) HandleBatch(ctx context.Context, task *asynq.Task) error {
	if h.batches == nil {
		return fmt.Errorf("batch processing is not configured: %w", asynq.SkipRetry)
	}

	var job BatchPayload
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal batch data: %v: %w", err, asynq.SkipRetry)
	}
	if err := job.validate(); err != nil {
		return fmt.Errorf("invalid batch: %v: %w", err, asynq.SkipRetry)
	}
	log := h.logger.With("jobId", job.JobID)

	h.started(ctx, job.JobID)

	images := make([]models.ImageAsset, 0, len(job.Images))
	for i, src := range job.Images {
		data, err := h.loader.Load(ctx, src.Buffer, src.URL)
		if err != nil {
			// unloadable images still take part so the batch reports them
			log.Warn("Batch image could not be loaded", "index", i, "error", err)
			data = nil
		}
		images = append(images, models.NewImageAsset(data))
	}

	result, err := h.batches.Run(ctx, images, job.Options)
	if err != nil {
		h.report(ctx, job.JobID, JobFailed, result)
		return fmt.Errorf("batch %s did not complete: %w", job.JobID, err)
	}

	h.report(ctx, job.JobID, JobCompleted, result)
	log.Info("Batch processed", "status", result.Status,
		"succeeded", result.Summary.Succeeded,
		"failed", result.Summary.Failed,
		"requiresReview", result.Summary.RequiresReview)
	return nil
}

func (h *Handler) started(ctx context.Context, jobID string) {
	if h.sink == nil {
		return
	}
	if err := h.sink.JobStarted(ctx, jobID); err != nil {
		h.logger.Warn("Failed to update status to processing", "jobId", jobID, "error", err)
	}
}

func (h *Handler) failed(ctx context.Context, jobID string, err error) {
	failure := map[string]interface{}{"error": err.Error()}
	var perr *apperrors.ProcessingError
	if errors.As(err, &perr) {
		failure = perr.ToMap()
	}
	h.report(ctx, jobID, JobFailed, failure)
}

func (h *Handler) report(ctx context.Context, jobID, state string, payload interface{}) {
	if h.sink == nil {
		return
	}
	var err error
	if state == JobCompleted {
		err = h.sink.JobCompleted(context.WithoutCancel(ctx), jobID, payload)
	} else {
		err = h.sink.JobFailed(context.WithoutCancel(ctx), jobID, payload)
	}
	if err != nil {
		h.logger.Warn("Failed to update job status", "jobId", jobID, "state", state, "error", err)
	}
}

// retryable marks configuration errors as permanent
func retryable(err error) error {
	if apperrors.IsConfiguration(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// Consumer runs an Asynq server for the handler
type Consumer struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler *Handler
	config  *ConsumerConfig
	logger  *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Handler     *Handler
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, apperrors.NewConfigurationError("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, apperrors.NewConfigurationError("QueueName is required")
	}
	if cfg.Handler == nil {
		return nil, apperrors.NewConfigurationError("Handler is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("QueueConsumer")
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			cfg.QueueName: 10,
			"default":     1,
		},
		// 5s, 10s, 20s ... capped at one minute
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			delay := time.Duration(5*(1<<uint(n))) * time.Second
			if delay > time.Minute || delay <= 0 {
				delay = time.Minute
			}
			return delay
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("Task processing error", "type", task.Type(), "error", err)
		}),
		Logger: logging.NewLogger("asynq").Entry(),
	})

	mux := asynq.NewServeMux()
	cfg.Handler.Register(mux)

	return &Consumer{
		server:  server,
		mux:     mux,
		handler: cfg.Handler,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Start starts processing in the background
func (c *Consumer) Start() error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	return c.server.Start(c.mux)
}

// Stop waits for in-flight tasks and stops the server
func (c *Consumer) Stop() {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
}

// Enqueuer submits prescription jobs
type Enqueuer struct {
	client *asynq.Client
	queue  string
}

// NewEnqueuer creates an enqueuer for queueName
func NewEnqueuer(redisURL, queueName string) (*Enqueuer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Enqueuer{client: asynq.NewClient(redisOpt), queue: queueName}, nil
}

// NewPrescriptionTask encodes a single-image job
func NewPrescriptionTask(job JobPayload) (*asynq.Task, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeProcessPrescription, data), nil
}

// NewBatchTask encodes a batch job
func NewBatchTask(job BatchPayload) (*asynq.Task, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeProcessBatch, data), nil
}

// EnqueuePrescription submits a single-image job. The job id doubles as the
// task id, so resubmitting a queued job is rejected by Asynq.
func (e *Enqueuer) EnqueuePrescription(ctx context.Context, job JobPayload, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	task, err := NewPrescriptionTask(job)
	if err != nil {
		return nil, err
	}
	return e.client.EnqueueContext(ctx, task, append([]asynq.Option{asynq.Queue(e.queue), asynq.TaskID(job.JobID)}, opts...)...)
}

// EnqueueBatch submits a batch job
func (e *Enqueuer) EnqueueBatch(ctx context.Context, job BatchPayload, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	task, err := NewBatchTask(job)
	if err != nil {
		return nil, err
	}
	return e.client.EnqueueContext(ctx, task, append([]asynq.Option{asynq.Queue(e.queue), asynq.TaskID(job.JobID)}, opts...)...)
}

// Close releases the client connection
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
