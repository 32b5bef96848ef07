package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knappy214/medguard-sa-sub003/internal/batch"
	"github.com/knappy214/medguard-sa-sub003/internal/logging"
)

// Job states published to the status keys and event channel
const (
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// ResultSink records job lifecycle transitions
type ResultSink interface {
	JobStarted(ctx context.Context, jobID string) error
	JobCompleted(ctx context.Context, jobID string, result interface{}) error
	JobFailed(ctx context.Context, jobID string, failure interface{}) error
}

// RedisStatusSink keeps per-state job sets, result and error hashes, and
// publishes every transition on <prefix>:events
type RedisStatusSink struct {
	client *redis.Client
	prefix string
	logger *logging.Logger
}

// NewRedisStatusSink creates a sink writing under prefix (usually the queue name)
func NewRedisStatusSink(client *redis.Client, prefix string) *RedisStatusSink {
	return &RedisStatusSink{client: client, prefix: prefix, logger: logging.NewLogger("StatusSink")}
}

func (s *RedisStatusSink) key(suffix string) string {
	return fmt.Sprintf("%s:%s", s.prefix, suffix)
}

func (s *RedisStatusSink) JobStarted(ctx context.Context, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.key(JobProcessing), jobID)
	s.queueEvent(ctx, pipe, jobEvent(JobProcessing, jobID, nil))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStatusSink) JobCompleted(ctx context.Context, jobID string, result interface{}) error {
	return s.finish(ctx, jobID, JobCompleted, "results", result)
}

func (s *RedisStatusSink) JobFailed(ctx context.Context, jobID string, failure interface{}) error {
	return s.finish(ctx, jobID, JobFailed, "errors", failure)
}

func (s *RedisStatusSink) finish(ctx context.Context, jobID, state, hash string, payload interface{}) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, s.key(JobProcessing), jobID)
	pipe.SAdd(ctx, s.key(state), jobID)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload for job %s: %w", state, jobID, err)
		}
		pipe.HSet(ctx, s.key(hash), jobID, data)
	}
	s.queueEvent(ctx, pipe, jobEvent(state, jobID, nil))
	_, err := pipe.Exec(ctx)
	return err
}

// ItemUpdated publishes batch item transitions
func (s *RedisStatusSink) ItemUpdated(ctx context.Context, batchID string, item batch.Item) {
	event := jobEvent("item:"+string(item.State), batchID, map[string]interface{}{
		"itemId":   item.ID,
		"index":    item.Index,
		"attempts": item.Attempts,
	})
	if err := s.publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish item update", "batchId", batchID, "itemId", item.ID, "error", err)
	}
}

// BatchCompleted publishes the batch summary
func (s *RedisStatusSink) BatchCompleted(ctx context.Context, result *batch.Result) {
	event := jobEvent("batch:"+string(result.Status), result.ID, map[string]interface{}{
		"summary":    result.Summary,
		"durationMs": result.DurationMs,
	})
	if err := s.publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish batch completion", "batchId", result.ID, "error", err)
	}
}

// Stats returns the number of jobs per state
func (s *RedisStatusSink) Stats(ctx context.Context) (map[string]int64, error) {
	stats := map[string]int64{}
	for _, state := range []string{JobProcessing, JobCompleted, JobFailed} {
		n, err := s.client.SCard(ctx, s.key(state)).Result()
		if err != nil {
			return nil, err
		}
		stats[state] = n
	}
	return stats, nil
}

func (s *RedisStatusSink) publish(ctx context.Context, event map[string]interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.key("events"), data).Err()
}

func (s *RedisStatusSink) queueEvent(ctx context.Context, pipe redis.Pipeliner, event map[string]interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	pipe.Publish(ctx, s.key("events"), data)
}

func jobEvent(state, jobID string, extra map[string]interface{}) map[string]interface{} {
	event := map[string]interface{}{
		"event":     "job:" + state,
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	for k, v := range extra {
		event[k] = v
	}
	return event
}
