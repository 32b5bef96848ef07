package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

// memStore is an in-memory Store
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}}
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func sampleResult(text string) *models.OCRResult {
	return &models.OCRResult{
		Success:    true,
		Confidence: 0.9,
		Text:       text,
		Medications: []models.ExtractedMedication{
			{Name: "Panado", Match: &models.DrugMatch{Status: models.MatchValidated, Alternatives: []string{}}},
		},
	}
}

func TestSetGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := New(8, time.Hour, nil)

	orig := sampleResult("Panado 500mg")
	c.Set(ctx, "k", orig)
	orig.Text = "changed after set"

	got, ok := c.Get(ctx, "k")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Text != "Panado 500mg" || !got.FromCache || got.CacheKey != "k" {
		t.Errorf("Get() = %+v", got)
	}

	got.Medications[0].Name = "mutated"
	again, _ := c.Get(ctx, "k")
	if again.Medications[0].Name != "Panado" {
		t.Error("cached entry was mutated through a returned copy")
	}
}

func TestSetSkipsFailures(t *testing.T) {
	ctx := context.Background()
	c := New(8, time.Hour, nil)
	c.Set(ctx, "k", &models.OCRResult{Success: false})
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("failed result should not be cached")
	}
}

func TestSetAliasesAndInvalidate(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := New(8, time.Hour, store)

	c.Set(ctx, "effective", sampleResult("x"), "request")
	if _, ok := c.Get(ctx, "request"); !ok {
		t.Fatal("alias not stored")
	}
	if !store.has("effective") || !store.has("request") {
		t.Error("shared tier missing entries")
	}

	c.Invalidate(ctx, "request")
	if _, ok := c.Get(ctx, "request"); ok {
		t.Error("invalidated key still present")
	}
	if _, ok := c.Get(ctx, "effective"); !ok {
		t.Error("invalidate removed the wrong key")
	}
}

func TestSharedTierPromotion(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	data, _ := json.Marshal(sampleResult("from redis"))
	store.Set(ctx, "k", data, 0)

	c := New(8, time.Hour, store)
	got, ok := c.Get(ctx, "k")
	if !ok || got.Text != "from redis" {
		t.Fatalf("Get() = %+v, %v", got, ok)
	}

	store.Delete(ctx, "k")
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Error("entry was not promoted to the local tier")
	}
}

func TestCorruptSharedEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.Set(ctx, "k", []byte("{not json"), 0)

	c := New(8, time.Hour, store)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("corrupt entry returned as hit")
	}
	if store.has("k") {
		t.Error("corrupt entry was not deleted")
	}
	if c.Stats().Corruptions != 1 {
		t.Errorf("corruptions = %d", c.Stats().Corruptions)
	}

	var calls int
	r, fromCache, err := c.Do(ctx, "k", func(context.Context) (*models.OCRResult, error) {
		calls++
		return sampleResult("recomputed"), nil
	})
	if err != nil || fromCache || r.Text != "recomputed" || calls != 1 {
		t.Errorf("Do() = %+v, %v, %v (calls %d)", r, fromCache, err, calls)
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := New(8, 20*time.Millisecond, nil)
	c.Set(ctx, "k", sampleResult("x"))
	time.Sleep(80 * time.Millisecond)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("entry survived its TTL")
	}
}

func TestCapacityEviction(t *testing.T) {
	ctx := context.Background()
	c := New(2, time.Hour, nil)
	c.Set(ctx, "a", sampleResult("a"))
	c.Set(ctx, "b", sampleResult("b"))
	c.Get(ctx, "a")
	c.Set(ctx, "c", sampleResult("c"))

	if _, ok := c.Get(ctx, "b"); ok {
		t.Error("least recently used entry should have been evicted")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d", c.Len())
	}
}

func TestDoSingleFlight(t *testing.T) {
	ctx := context.Background()
	c := New(8, time.Hour, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (*models.OCRResult, error) {
		calls.Add(1)
		<-release
		return sampleResult("shared"), nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]*models.OCRResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, _, err := c.Do(ctx, "same", compute)
			if err != nil {
				t.Errorf("Do() error = %v", err)
				return
			}
			results[i] = r
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("compute called %d times, want 1", got)
	}
	for i, r := range results {
		if r == nil || r.Text != "shared" {
			t.Errorf("result %d = %+v", i, r)
		}
	}

	r, fromCache, _ := c.Do(ctx, "same", compute)
	if !fromCache || r.Text != "shared" || calls.Load() != 1 {
		t.Errorf("second Do() should hit: %+v %v", r, fromCache)
	}
}

func TestDoReportsAliasHitAsCached(t *testing.T) {
	ctx := context.Background()
	c := New(8, time.Hour, nil)
	c.Set(ctx, "effective", sampleResult("aliased"))

	r, fromCache, err := c.Do(ctx, "request", func(ctx context.Context) (*models.OCRResult, error) {
		hit, ok := c.Get(ctx, "effective")
		if !ok {
			return nil, errors.New("effective entry missing")
		}
		return hit, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !fromCache || !r.FromCache || r.CacheKey != "request" {
		t.Errorf("fromCache = %v, result.FromCache = %v, key = %q", fromCache, r.FromCache, r.CacheKey)
	}
}

func TestDoHonoursCallerCancellation(t *testing.T) {
	c := New(8, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.Do(ctx, "k", func(ctx context.Context) (*models.OCRResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestNewKey(t *testing.T) {
	opts := models.DefaultPreprocessingOptions()
	a := NewKey("abc123", opts)
	if a != NewKey("abc123", opts) {
		t.Error("key is not deterministic")
	}
	opts.Threshold = 0
	if a == NewKey("abc123", opts) {
		t.Error("options do not affect the key")
	}
}
