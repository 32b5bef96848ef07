/**
 * Result Cache
 *
 * Content-addressed OCR result cache. Keys are the image hash joined with the
 * preprocessing options hash. An in-process LRU with TTL is the first tier; an
 * optional shared Store (Redis) is the second. Concurrent computations for
 * the same key are collapsed with singleflight.
 */

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
	"github.com/knappy214/medguard-sa-sub003/internal/logging"
	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

const (
	DefaultSize = 512
	DefaultTTL  = 24 * time.Hour
)

// Store is a shared second-tier cache of encoded results
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Stats counts cache outcomes
type Stats struct {
	Hits        int64
	Misses      int64
	Computes    int64
	Corruptions int64
}

// ResultCache holds successful OCR results. Stored entries are never
// modified; every read returns a private copy.
type ResultCache struct {
	l1     *expirable.LRU[string, *models.OCRResult]
	l2     Store
	ttl    time.Duration
	group  singleflight.Group
	logger *logging.Logger

	hits, misses, computes, corruptions atomic.Int64
}

// New creates a cache with capacity size and the given TTL. l2 may be nil.
func New(size int, ttl time.Duration, l2 Store) *ResultCache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl < 0 {
		ttl = 0
	}
	return &ResultCache{
		l1:     expirable.NewLRU[string, *models.OCRResult](size, nil, ttl),
		l2:     l2,
		ttl:    ttl,
		logger: logging.NewLogger("cache"),
	}
}

// NewKey builds the cache key for an image and a set of options
func NewKey(imageHash string, opts models.PreprocessingOptions) string {
	return imageHash + ":" + opts.Hash()
}

// Get returns a copy of the entry for key
func (c *ResultCache) Get(ctx context.Context, key string) (*models.OCRResult, bool) {
	if r, ok := c.lookup(ctx, key); ok {
		c.hits.Add(1)
		return hit(r, key), true
	}
	c.misses.Add(1)
	return nil, false
}

func (c *ResultCache) lookup(ctx context.Context, key string) (*models.OCRResult, bool) {
	if r, ok := c.l1.Get(key); ok {
		return r, true
	}
	if c.l2 == nil {
		return nil, false
	}

	data, ok, err := c.l2.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Shared cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var r models.OCRResult
	if err := json.Unmarshal(data, &r); err != nil || !r.Success {
		if err == nil {
			err = errors.New("stored result is not a success")
		}
		c.corruptions.Add(1)
		cerr := apperrors.NewCacheCorruptionError(key, err)
		c.logger.Warn("Discarding corrupt cache entry", "key", key, "error", cerr)
		if derr := c.l2.Delete(ctx, key); derr != nil {
			c.logger.Warn("Failed to delete corrupt cache entry", "key", key, "error", derr)
		}
		return nil, false
	}

	c.l1.Add(key, &r)
	return &r, true
}

// Set stores a copy of result under key and every alias. Unsuccessful
// results and results with an unfinished drug lookup are not cached.
func (c *ResultCache) Set(ctx context.Context, key string, result *models.OCRResult, aliases ...string) {
	if !Cacheable(result) {
		return
	}
	entry := result.Clone()
	entry.FromCache = false
	entry.CacheKey = ""

	var data []byte
	if c.l2 != nil {
		var err error
		if data, err = json.Marshal(entry); err != nil {
			c.logger.Warn("Failed to encode result for shared cache", "key", key, "error", err)
			data = nil
		}
	}

	for _, k := range append([]string{key}, aliases...) {
		if k == "" {
			continue
		}
		c.l1.Add(k, entry)
		if data != nil {
			if err := c.l2.Set(ctx, k, data, c.ttl); err != nil {
				c.logger.Warn("Shared cache write failed", "key", k, "error", err)
			}
		}
	}
}

// Invalidate removes key from both tiers
func (c *ResultCache) Invalidate(ctx context.Context, key string) {
	c.l1.Remove(key)
	if c.l2 != nil {
		if err := c.l2.Delete(ctx, key); err != nil {
			c.logger.Warn("Shared cache delete failed", "key", key, "error", err)
		}
	}
}

// Do returns the cached result for key or computes it with fn. Concurrent
// calls for the same key share one computation. Successful results are
// stored under key. The returned bool reports whether the result came from
// the cache.
func (c *ResultCache) Do(ctx context.Context, key string, fn func(ctx context.Context) (*models.OCRResult, error)) (*models.OCRResult, bool, error) {
	for attempt := 0; ; attempt++ {
		if r, ok := c.Get(ctx, key); ok {
			return r, true, nil
		}

		computed := false
		ch := c.group.DoChan(key, func() (interface{}, error) {
			// a concurrent leader may have finished between Get and DoChan
			if r, ok := c.lookup(ctx, key); ok {
				return r, nil
			}
			computed = true
			c.computes.Add(1)
			r, err := fn(ctx)
			if err != nil {
				return nil, err
			}
			c.Set(ctx, key, r)
			return r, nil
		})

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// the leader was cancelled but this caller is still live
				if attempt == 0 && !computed && isContextErr(res.Err) && ctx.Err() == nil {
					continue
				}
				return nil, false, res.Err
			}
			r := res.Val.(*models.OCRResult)
			// fn may itself be served from an alias entry
			if !computed || r.FromCache {
				return hit(r, key), true, nil
			}
			out := r.Clone()
			out.CacheKey = key
			return out, false, nil
		}
	}
}

// Len returns the number of entries in the local tier
func (c *ResultCache) Len() int {
	return c.l1.Len()
}

// Purge empties the local tier
func (c *ResultCache) Purge() {
	c.l1.Purge()
}

func (c *ResultCache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Computes:    c.computes.Load(),
		Corruptions: c.corruptions.Load(),
	}
}

// Cacheable reports whether result may be stored
func Cacheable(result *models.OCRResult) bool {
	if result == nil || !result.Success {
		return false
	}
	for _, e := range result.Errors {
		switch apperrors.ErrorCode(e.Code) {
		case apperrors.ErrorLookupTimeout, apperrors.ErrorLookupFailed:
			return false
		}
	}
	return true
}

func hit(r *models.OCRResult, key string) *models.OCRResult {
	out := r.Clone()
	out.FromCache = true
	out.CacheKey = key
	return out
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
