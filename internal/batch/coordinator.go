/**
 * Batch Coordinator
 *
 * Runs the single-image pipeline over many images with a bounded worker pool.
 * Every item moves Queued -> Processing -> {Succeeded, Failed, RequiresReview}
 * and a terminal state is never overwritten. A failing item never affects its
 * siblings. Three timeout layers apply: provider call (inside the pipeline),
 * item (all attempts of one image) and batch.
 */

package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
	"github.com/knappy214/medguard-sa-sub003/internal/logging"
	"github.com/knappy214/medguard-sa-sub003/internal/models"
	"github.com/knappy214/medguard-sa-sub003/internal/processor"
)

// Pool limits
const (
	DefaultMaxConcurrent = 4
	MaxConcurrentLimit   = 64
)

var (
	// ErrBatchTimeout is the cause of a batch that ran out of time
	ErrBatchTimeout = errors.New("batch timeout exceeded")
	// ErrBatchCancelled is the cause of a batch cancelled by its caller
	ErrBatchCancelled = errors.New("batch cancelled")
)

// ItemState is the lifecycle state of one batch item
type ItemState string

const (
	StateQueued         ItemState = "queued"
	StateProcessing     ItemState = "processing"
	StateSucceeded      ItemState = "succeeded"
	StateFailed         ItemState = "failed"
	StateRequiresReview ItemState = "requires_review"
)

// Terminal reports whether no further transition is allowed
func (s ItemState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateRequiresReview
}

// Status is the overall outcome of a batch
type Status string

const (
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusTimedOut            Status = "timed_out"
	StatusCancelled           Status = "cancelled"
)

// Item is one image of a batch
type Item struct {
	ID        string               `json:"id"`
	Index     int                  `json:"index"`
	ImageHash string               `json:"imageHash"`
	State     ItemState            `json:"state"`
	Attempts  int                  `json:"attempts"`
	Result    *models.OCRResult    `json:"result,omitempty"`
	Error     *models.ErrorRecord  `json:"error,omitempty"`
	Errors    []models.ErrorRecord `json:"errors,omitempty"`
}

// Summary counts items per terminal state
type Summary struct {
	Total          int `json:"total"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	RequiresReview int `json:"requiresReview"`
}

// Result is the aggregate of a finished batch
type Result struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	Items       []Item    `json:"items"`
	Summary     Summary   `json:"summary"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
}

// StatusSink receives progress. Calls may arrive from several goroutines.
type StatusSink interface {
	ItemUpdated(ctx context.Context, batchID string, item Item)
	BatchCompleted(ctx context.Context, result *Result)
}

// Config controls a coordinator
type Config struct {
	MaxConcurrent    int
	QualityThreshold float64
	RetryAttempts    int
	ItemTimeout      time.Duration
	BatchTimeout     time.Duration
	Sink             StatusSink
}

// Coordinator runs batches against a Processor
type Coordinator struct {
	processor processor.Processor
	cfg       Config
	logger    *logging.Logger
}

// NewCoordinator creates a coordinator. A zero MaxConcurrent uses
// DefaultMaxConcurrent.
func NewCoordinator(p processor.Processor, cfg Config) (*Coordinator, error) {
	if p == nil {
		return nil, apperrors.NewConfigurationError("batch coordinator requires a processor")
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxConcurrent < 1 || cfg.MaxConcurrent > MaxConcurrentLimit {
		return nil, apperrors.NewConfigurationError(
			fmt.Sprintf("maxConcurrent must be between 1 and %d, got %d", MaxConcurrentLimit, cfg.MaxConcurrent))
	}
	if cfg.QualityThreshold < 0 || cfg.QualityThreshold > 1 {
		return nil, apperrors.NewConfigurationError(
			fmt.Sprintf("qualityThreshold must be within [0,1], got %v", cfg.QualityThreshold))
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Coordinator{processor: p, cfg: cfg, logger: logging.NewLogger("BatchCoordinator")}, nil
}

// Job is a running batch
type Job struct {
	id      string
	started time.Time
	assets  []models.ImageAsset
	opts    *models.PreprocessingOptions

	mu    sync.Mutex
	items []Item

	cancel context.CancelCauseFunc
	done   chan struct{}
	result *Result
	cause  error
}

// ID returns the batch id
func (j *Job) ID() string { return j.id }

// Cancel stops the batch. Items already terminal keep their state.
func (j *Job) Cancel() { j.cancel(ErrBatchCancelled) }

// Done is closed once the batch result is available
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the batch is terminal
func (j *Job) Wait() *Result {
	<-j.done
	return j.result
}

// Snapshot returns a copy of the current item states
func (j *Job) Snapshot() []Item {
	j.mu.Lock()
	defer j.mu.Unlock()
	return copyItems(j.items)
}

func (j *Job) allTerminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, it := range j.items {
		if !it.State.Terminal() {
			return false
		}
	}
	return true
}

// Run processes images and waits for the batch to finish. The returned error
// is ErrBatchTimeout or ErrBatchCancelled when the batch did not run to
// completion; the result is always populated.
func (c *Coordinator) Run(ctx context.Context, images []models.ImageAsset, opts *models.PreprocessingOptions) (*Result, error) {
	job := c.Start(ctx, images, opts)
	result := job.Wait()
	return result, job.cause
}

// Start launches a batch and returns immediately
func (c *Coordinator) Start(ctx context.Context, images []models.ImageAsset, opts *models.PreprocessingOptions) *Job {
	job := &Job{
		id:      uuid.NewString(),
		started: time.Now(),
		assets:  make([]models.ImageAsset, len(images)),
		opts:    opts,
		items:   make([]Item, len(images)),
		done:    make(chan struct{}),
	}
	for i, img := range images {
		if img.Hash == "" {
			img = models.NewImageAsset(img.Data)
		}
		job.assets[i] = img
		job.items[i] = Item{ID: uuid.NewString(), Index: i, ImageHash: img.Hash, State: StateQueued}
	}

	batchCtx, cancel := context.WithCancelCause(ctx)
	job.cancel = cancel
	runCtx := batchCtx
	var stopTimer context.CancelFunc = func() {}
	if c.cfg.BatchTimeout > 0 {
		runCtx, stopTimer = context.WithTimeoutCause(batchCtx, c.cfg.BatchTimeout, ErrBatchTimeout)
	}

	queue := make(chan int, len(images))
	for i := range images {
		queue <- i
	}
	close(queue)

	workers := c.cfg.MaxConcurrent
	if workers > len(images) {
		workers = len(images)
	}

	c.logger.Info("Batch started", "batchId", job.id, "items", len(images), "workers", workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				if runCtx.Err() != nil {
					return
				}
				c.runItem(runCtx, job, idx)
			}
		}()
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	go func() {
		defer cancel(nil)
		defer stopTimer()

		select {
		case <-allDone:
		case <-runCtx.Done():
		}
		// a deadline that fires after the last item finished does not count
		if runCtx.Err() != nil && !job.allTerminal() {
			job.cause = batchCause(runCtx)
			c.failUnfinished(runCtx, job)
		}
		job.result = c.finalize(job)
		if c.cfg.Sink != nil {
			c.cfg.Sink.BatchCompleted(context.WithoutCancel(ctx), job.result)
		}
		close(job.done)
	}()

	return job
}

func (c *Coordinator) runItem(ctx context.Context, job *Job, idx int) {
	if !c.transition(ctx, job, idx, func(it *Item) bool {
		if it.State != StateQueued {
			return false
		}
		it.State = StateProcessing
		return true
	}) {
		return
	}

	asset := job.assets[idx]
	itemID := job.items[idx].ID
	log := c.logger.With("batchId", job.id, "itemId", itemID, "imageHash", asset.Hash)

	itemCtx := ctx
	cancel := context.CancelFunc(func() {})
	if c.cfg.ItemTimeout > 0 {
		itemCtx, cancel = context.WithTimeout(ctx, c.cfg.ItemTimeout)
	}
	defer cancel()

	var (
		last     *models.OCRResult
		chain    []models.ErrorRecord
		lastErr  error
		attempts int
	)
	for attempts < c.cfg.RetryAttempts && itemCtx.Err() == nil {
		attempts++
		r, err := c.processItem(itemCtx, asset, job.opts)
		if err != nil {
			lastErr = err
			chain = append(chain, errorRecord(err))
			log.Warn("Item attempt failed", "attempt", attempts, "error", err)
			if apperrors.IsConfiguration(err) {
				break
			}
			continue
		}
		last = r
		if r.Success {
			break
		}
		lastErr = fmt.Errorf("attempt %d was unsuccessful", attempts)
		chain = append(chain, r.Errors...)
	}

	// the batch-level failure is applied by the coordinator
	if ctx.Err() != nil && (last == nil || !last.Success) {
		return
	}

	c.transition(ctx, job, idx, func(it *Item) bool {
		if it.State.Terminal() {
			return false
		}
		it.Attempts = attempts
		it.Result = last
		it.Errors = chain

		switch {
		case last != nil && last.Success:
			it.State = StateSucceeded
			if last.RequiresManualReview || last.ImageQuality.OverallScore < c.cfg.QualityThreshold {
				it.State = StateRequiresReview
			}
		case errors.Is(itemCtx.Err(), context.DeadlineExceeded):
			it.State = StateFailed
			rec := apperrors.NewItemTimeoutError(itemID, c.cfg.ItemTimeout, lastErr).Record()
			it.Error = &rec
		default:
			it.State = StateFailed
			rec := apperrors.NewItemFailedError(itemID, attempts, lastErr).Record()
			it.Error = &rec
		}
		return true
	})

	item := job.snapshotItem(idx)
	log.Info("Item finished", "state", item.State, "attempts", item.Attempts)
}

// processItem isolates a panicking processor to its own item
func (c *Coordinator) processItem(ctx context.Context, asset models.ImageAsset, opts *models.PreprocessingOptions) (result *models.OCRResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("processor panic: %v", r)
		}
	}()
	return c.processor.ProcessSingle(ctx, asset, opts)
}

// transition applies mutate under the job lock and notifies the sink when it
// reports a change
func (c *Coordinator) transition(ctx context.Context, job *Job, idx int, mutate func(*Item) bool) bool {
	job.mu.Lock()
	changed := mutate(&job.items[idx])
	item := copyItem(job.items[idx])
	job.mu.Unlock()

	if changed && c.cfg.Sink != nil {
		c.cfg.Sink.ItemUpdated(context.WithoutCancel(ctx), job.id, item)
	}
	return changed
}

func (c *Coordinator) failUnfinished(ctx context.Context, job *Job) {
	var rec models.ErrorRecord
	if errors.Is(job.cause, ErrBatchTimeout) {
		rec = apperrors.NewBatchTimeoutError(job.id, c.cfg.BatchTimeout).Record()
	} else {
		rec = apperrors.NewBatchCancelledError(job.id).Record()
	}

	for idx := range job.items {
		c.transition(ctx, job, idx, func(it *Item) bool {
			if it.State.Terminal() {
				return false
			}
			it.State = StateFailed
			r := rec
			it.Error = &r
			return true
		})
	}
	c.logger.Warn("Batch stopped early", "batchId", job.id, "cause", job.cause)
}

func (c *Coordinator) finalize(job *Job) *Result {
	items := job.Snapshot()
	summary := Summary{Total: len(items)}
	for _, it := range items {
		switch it.State {
		case StateSucceeded:
			summary.Succeeded++
		case StateFailed:
			summary.Failed++
		case StateRequiresReview:
			summary.RequiresReview++
		}
	}

	status := StatusCompleted
	switch {
	case errors.Is(job.cause, ErrBatchTimeout):
		status = StatusTimedOut
	case job.cause != nil:
		status = StatusCancelled
	case summary.Total > 0 && summary.Failed == summary.Total:
		status = StatusFailed
	case summary.Succeeded < summary.Total:
		status = StatusCompletedWithErrors
	}

	now := time.Now()
	result := &Result{
		ID:          job.id,
		Status:      status,
		Items:       items,
		Summary:     summary,
		StartedAt:   job.started,
		CompletedAt: now,
		DurationMs:  now.Sub(job.started).Milliseconds(),
	}

	c.logger.Info("Batch completed",
		"batchId", job.id,
		"status", status,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"requiresReview", summary.RequiresReview,
		"durationMs", result.DurationMs)
	return result
}

func (j *Job) snapshotItem(idx int) Item {
	j.mu.Lock()
	defer j.mu.Unlock()
	return copyItem(j.items[idx])
}

// batchCause maps the context cause to ErrBatchTimeout or ErrBatchCancelled
func batchCause(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrBatchTimeout) {
		return ErrBatchTimeout
	}
	return ErrBatchCancelled
}

func errorRecord(err error) models.ErrorRecord {
	var perr *apperrors.ProcessingError
	if errors.As(err, &perr) {
		return perr.Record()
	}
	return models.ErrorRecord{
		Code:      string(apperrors.ErrorItemFailed),
		Message:   err.Error(),
		Timestamp: time.Now(),
	}
}

func copyItem(it Item) Item {
	out := it
	if it.Result != nil {
		out.Result = it.Result.Clone()
	}
	if it.Error != nil {
		rec := *it.Error
		out.Error = &rec
	}
	out.Errors = append([]models.ErrorRecord(nil), it.Errors...)
	return out
}

func copyItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = copyItem(it)
	}
	return out
}
