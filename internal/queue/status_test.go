package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knappy214/medguard-sa-sub003/internal/batch"
)

// redisClient connects to TEST_REDIS_URL or skips the test
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL() error = %v", err)
	}
	client := redis.NewClient(opt)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStatusSinkLifecycle(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	prefix := "prescription-ocr-test:" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	sink := NewRedisStatusSink(client, prefix)
	sub := client.Subscribe(ctx, prefix+":events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	if err := sink.JobStarted(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := sink.JobCompleted(ctx, "job-1", map[string]interface{}{"confidence": 0.9}); err != nil {
		t.Fatal(err)
	}

	stats, err := sink.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[JobProcessing] != 0 || stats[JobCompleted] != 1 {
		t.Errorf("stats = %v", stats)
	}

	stored, err := client.HGet(ctx, prefix+":results", "job-1").Result()
	if err != nil || stored != `{"confidence":0.9}` {
		t.Errorf("stored result = %q, %v", stored, err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var event map[string]interface{}
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		t.Fatal(err)
	}
	if event["event"] != "job:processing" || event["jobId"] != "job-1" {
		t.Errorf("event = %v", event)
	}

	sink.BatchCompleted(ctx, &batch.Result{ID: "b-1", Status: batch.StatusCompleted})
}
