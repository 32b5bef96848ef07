/**
 * Drug Cross-Referencer
 *
 * Validates extracted medication names against the drug database: exact match
 * first, then edit-distance similarity over the closest candidates in a
 * length-bounded window.
 * Lookups are time-bounded; failures degrade to an unmatched result.
 */

package drugs

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/hashicorp/golang-lru/v2/expirable"

	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
	"github.com/knappy214/medguard-sa-sub003/internal/logging"
	"github.com/knappy214/medguard-sa-sub003/internal/models"
)

const (
	// SuggestThreshold is the similarity at which the best fuzzy candidate is suggested
	SuggestThreshold = 0.8
	// AlternativeThreshold is the minimum similarity for listed alternatives
	AlternativeThreshold = 0.5
	// MaxAlternatives caps the alternatives returned
	MaxAlternatives = 3
	// DefaultLookupTimeout bounds a single Validate call
	DefaultLookupTimeout = 2 * time.Second
	// DefaultCandidateLimit caps candidates fetched for fuzzy matching
	DefaultCandidateLimit = 500
	// MemoTTL bounds how long a resolved match is reused before the database
	// is asked again
	MemoTTL = 15 * time.Minute

	memoSize = 1024
)

// CrossReferencer validates medication names
type CrossReferencer struct {
	db      Database
	timeout time.Duration
	memo    *expirable.LRU[string, models.DrugMatch]
	logger  *logging.Logger
}

// NewCrossReferencer creates a cross-referencer; timeout <= 0 uses DefaultLookupTimeout
func NewCrossReferencer(db Database, timeout time.Duration) *CrossReferencer {
	return newCrossReferencer(db, timeout, MemoTTL)
}

func newCrossReferencer(db Database, timeout, memoTTL time.Duration) *CrossReferencer {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &CrossReferencer{
		db:      db,
		timeout: timeout,
		memo:    expirable.NewLRU[string, models.DrugMatch](memoSize, nil, memoTTL),
		logger:  logging.NewLogger("drugs"),
	}
}

// Validate returns the match for name. It never fails: lookup errors and
// timeouts yield an unmatched result carrying the reason.
func (c *CrossReferencer) Validate(ctx context.Context, name string) models.DrugMatch {
	match, _ := c.Check(ctx, name)
	return match
}

// Check is Validate that also returns the lookup error, if any, so the caller
// can record it
func (c *CrossReferencer) Check(ctx context.Context, name string) (models.DrugMatch, error) {
	key := normalizeName(name)
	if key == "" {
		return unmatched("empty medication name"), nil
	}
	if m, ok := c.memo.Get(key); ok {
		return cloneMatch(m), nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	match, err := c.resolve(lookupCtx, key)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded)
		perr := apperrors.NewLookupError(name, timedOut, err)
		reason := "drug database lookup failed"
		if timedOut {
			reason = "drug database lookup timed out"
		} else if errors.Is(err, context.Canceled) {
			reason = "drug database lookup cancelled"
		}
		c.logger.Warn("Drug lookup degraded to unmatched", "name", name, "error", err)
		return unmatched(reason), perr
	}

	c.memo.Add(key, match)
	return cloneMatch(match), nil
}

func (c *CrossReferencer) resolve(ctx context.Context, key string) (models.DrugMatch, error) {
	rec, err := c.db.Lookup(ctx, key)
	if err == nil {
		return models.DrugMatch{
			Status:        models.MatchValidated,
			CanonicalName: rec.Name,
			Alternatives:  []string{},
			Similarity:    1,
		}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.DrugMatch{}, err
	}

	candidates, err := c.db.Candidates(ctx, key, DefaultCandidateLimit)
	if err != nil {
		return models.DrugMatch{}, err
	}
	return fuzzyMatch(key, candidates), nil
}

type scored struct {
	name       string
	similarity float64
}

// fuzzyMatch ranks candidates by normalised Levenshtein similarity
func fuzzyMatch(key string, candidates []string) models.DrugMatch {
	ranked := make([]scored, 0, len(candidates))
	for _, cand := range candidates {
		s := Similarity(key, cand)
		if s >= AlternativeThreshold {
			ranked = append(ranked, scored{name: cand, similarity: s})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].similarity != ranked[j].similarity {
			return ranked[i].similarity > ranked[j].similarity
		}
		return ranked[i].name < ranked[j].name
	})

	if len(ranked) > 0 && ranked[0].similarity >= SuggestThreshold {
		return models.DrugMatch{
			Status:        models.MatchSuggested,
			CanonicalName: ranked[0].name,
			Alternatives:  names(ranked[1:]),
			Similarity:    ranked[0].similarity,
		}
	}

	m := unmatched("no close match in drug database")
	m.Alternatives = names(ranked)
	if len(ranked) > 0 {
		m.Similarity = ranked[0].similarity
	}
	return m
}

// Similarity is 1 - distance/longer length, compared case-insensitively
func Similarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return models.Clamp01(1 - float64(d)/float64(longest))
}

func names(list []scored) []string {
	out := []string{}
	for _, s := range list {
		if len(out) == MaxAlternatives {
			break
		}
		out = append(out, s.name)
	}
	return out
}

func unmatched(reason string) models.DrugMatch {
	return models.DrugMatch{
		Status:       models.MatchUnmatched,
		Alternatives: []string{},
		Reason:       reason,
	}
}

func cloneMatch(m models.DrugMatch) models.DrugMatch {
	m.Alternatives = append([]string{}, m.Alternatives...)
	return m
}
