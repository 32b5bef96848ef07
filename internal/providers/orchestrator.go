/**
 * Provider Orchestrator - sequential fallback chain
 *
 * Providers are tried strictly in priority order for one image:
 *   - transient errors are retried on the same provider with exponential backoff
 *   - fatal errors (auth, quota, bad request) skip to the next provider
 *   - the first result at or above the minimum acceptable confidence wins
 *   - otherwise the best attempt is returned, flagged as not accepted
 * Concurrency across images belongs to the batch coordinator.
 */

package providers

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"time"

	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
	"github.com/knappy214/medguard-sa-sub003/internal/logging"
	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

// ErrProvidersExhausted means every provider failed with an error; no text
// was recognized at all
var ErrProvidersExhausted = stderrors.New("all OCR providers exhausted")

const (
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// OrchestratorConfig controls retry and acceptance behaviour
type OrchestratorConfig struct {
	MinimumAcceptable float64
	RetryAttempts     int
	CallTimeout       time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// Outcome is the result of running the fallback chain for one image
type Outcome struct {
	// Best is the highest-confidence successful attempt; nil when every call failed
	Best *models.ProviderResult
	// Accepted is true when Best reached the minimum acceptable confidence
	Accepted bool
	// Attempts records every call in order, including failures
	Attempts []models.ProviderResult
	Errors   []*apperrors.ProcessingError
}

// Orchestrator runs the provider fallback chain
type Orchestrator struct {
	providers []Provider
	cfg       OrchestratorConfig
	logger    *logging.Logger
}

// NewOrchestrator validates the provider list; an empty list is a configuration error
func NewOrchestrator(providers []Provider, cfg OrchestratorConfig) (*Orchestrator, error) {
	var list []Provider
	for _, p := range providers {
		if p != nil {
			list = append(list, p)
		}
	}
	if len(list) == 0 {
		return nil, apperrors.NewConfigurationError("no OCR providers configured")
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Orchestrator{
		providers: list,
		cfg:       cfg,
		logger:    logging.NewLogger("Orchestrator"),
	}, nil
}

// ProviderIDs lists the chain in priority order
func (o *Orchestrator) ProviderIDs() []string {
	ids := make([]string, len(o.providers))
	for i, p := range o.providers {
		ids[i] = p.ID()
	}
	return ids
}

// Submit runs the chain. The returned Outcome is always non-nil. The error is
// ErrProvidersExhausted when nothing was recognized, or the context error when
// the caller cancelled.
func (o *Orchestrator) Submit(ctx context.Context, image []byte, languageHints []string) (*Outcome, error) {
	out := &Outcome{}
	var lastErr error

	for _, p := range o.providers {
	attempts:
		for attempt := 1; attempt <= o.cfg.RetryAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return out, fmt.Errorf("provider chain cancelled: %w", err)
			}

			result, err := o.call(ctx, p, image, languageHints, attempt)
			out.Attempts = append(out.Attempts, result)

			if err == nil {
				if out.Best == nil || result.ProviderConfidence > out.Best.ProviderConfidence {
					best := result
					out.Best = &best
				}
				if result.ProviderConfidence >= o.cfg.MinimumAcceptable {
					out.Accepted = true
					o.logger.Info("Provider result accepted",
						"provider", p.ID(),
						"attempt", attempt,
						"confidence", result.ProviderConfidence)
					return out, nil
				}
				o.logger.Info("Provider confidence below threshold, falling back",
					"provider", p.ID(),
					"confidence", result.ProviderConfidence,
					"minimum", o.cfg.MinimumAcceptable)
				break attempts
			}

			// Parent cancellation aborts the whole chain
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, fmt.Errorf("provider chain cancelled: %w", ctxErr)
			}

			lastErr = err
			out.Errors = append(out.Errors, toProcessingError(p.ID(), err))

			if !IsRetryable(err) {
				o.logger.Warn("Provider failed with fatal error, skipping",
					"provider", p.ID(),
					"error", err)
				break attempts
			}

			if attempt < o.cfg.RetryAttempts {
				backoff := o.backoff(attempt)
				o.logger.Warn("Provider failed, retrying",
					"provider", p.ID(),
					"attempt", attempt,
					"backoffMs", backoff.Milliseconds(),
					"error", err)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return out, fmt.Errorf("provider chain cancelled during retry backoff: %w", ctx.Err())
				}
			}
		}
	}

	if out.Best == nil {
		exhausted := apperrors.NewProvidersExhaustedError(len(out.Attempts), lastErr)
		return out, fmt.Errorf("%w: %w", ErrProvidersExhausted, exhausted)
	}

	o.logger.Warn("No provider reached minimum acceptable confidence",
		"bestProvider", out.Best.ProviderID,
		"bestConfidence", out.Best.ProviderConfidence,
		"attempts", len(out.Attempts))
	return out, nil
}

func (o *Orchestrator) call(ctx context.Context, p Provider, image []byte, hints []string, attempt int) (models.ProviderResult, error) {
	callCtx := ctx
	if o.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	rec, err := p.Submit(callCtx, image, hints)
	if err == nil && rec == nil {
		err = NewProviderError(p.ID(), CodeBadResponse, fmt.Errorf("provider returned no result"))
	}
	// an unclassified error after the per-call deadline fired is a timeout
	var pe *ProviderError
	if err != nil && !stderrors.As(err, &pe) && callCtx.Err() != nil && ctx.Err() == nil {
		err = NewProviderError(p.ID(), CodeTimeout, err)
	}

	result := models.ProviderResult{
		ProviderID: p.ID(),
		LatencyMs:  time.Since(start).Milliseconds(),
		Attempt:    attempt,
	}
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	result.Text = rec.Text
	result.Blocks = rec.Blocks
	result.ProviderConfidence = models.Clamp01(rec.Confidence)
	return result, nil
}

// backoff doubles from InitialBackoff and caps at MaxBackoff
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := time.Duration(float64(o.cfg.InitialBackoff) * math.Pow(2, float64(attempt-1)))
	if d > o.cfg.MaxBackoff {
		d = o.cfg.MaxBackoff
	}
	return d
}
