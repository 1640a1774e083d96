// Package resolve maps extracted sender names onto archive correspondents.
// Lookups go through a TTL cache keyed by the normalized name; negative
// results are cached too so repeated unknown senders do not hammer the
// matcher.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dedox/dedox/internal/archive"
)

// ErrNoMatch is returned when no correspondent matches with sufficient
// confidence.
var ErrNoMatch = errors.New("no matching correspondent")

// Matcher scores a sender name against candidate correspondent names. An
// empty match string means no candidate is plausible.
type Matcher interface {
	MatchSender(ctx context.Context, name string, candidates []string) (match string, confidence float64, err error)
}

// Directory is the archive surface the resolver needs.
type Directory interface {
	Correspondents(ctx context.Context, max int) ([]archive.Correspondent, error)
	CreateCorrespondent(ctx context.Context, name string) (*archive.Correspondent, error)
}

type cacheEntry struct {
	id      int64
	name    string
	noMatch bool
}

// Resolver resolves sender names to correspondent IDs.
type Resolver struct {
	directory Directory
	matcher   Matcher
	logger    *slog.Logger

	cache      *expirable.LRU[string, cacheEntry]
	threshold  float64
	maxListed  int
	autoCreate bool
}

// Options tune resolver behavior.
type Options struct {
	// Threshold is the minimum matcher confidence to accept a fuzzy match.
	Threshold float64
	// CacheTTL bounds how long resolutions are reused.
	CacheTTL time.Duration
	// CacheSize bounds the number of cached names.
	CacheSize int
	// MaxCandidates caps how many correspondents are fetched for matching.
	MaxCandidates int
	// AutoCreate creates a new correspondent when nothing matches.
	AutoCreate bool
}

// NewResolver creates a resolver backed by the archive directory and the
// given fuzzy matcher.
func NewResolver(directory Directory, matcher Matcher, logger *slog.Logger, opts Options) *Resolver {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.8
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 500
	}
	return &Resolver{
		directory:  directory,
		matcher:    matcher,
		logger:     logger,
		cache:      expirable.NewLRU[string, cacheEntry](opts.CacheSize, nil, opts.CacheTTL),
		threshold:  opts.Threshold,
		maxListed:  opts.MaxCandidates,
		autoCreate: opts.AutoCreate,
	}
}

// Normalize canonicalizes a sender name for comparison and caching.
func Normalize(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Resolve maps a sender name to a correspondent ID. It tries, in order, the
// cache, an exact case-insensitive match, and the fuzzy matcher. ErrNoMatch
// is returned (and cached) when nothing clears the confidence threshold and
// auto-creation is off.
func (r *Resolver) Resolve(ctx context.Context, name string) (int64, string, error) {
	key := Normalize(name)
	if key == "" {
		return 0, "", ErrNoMatch
	}

	if entry, ok := r.cache.Get(key); ok {
		if entry.noMatch {
			return 0, "", ErrNoMatch
		}
		return entry.id, entry.name, nil
	}

	candidates, err := r.directory.Correspondents(ctx, r.maxListed)
	if err != nil {
		return 0, "", fmt.Errorf("failed to list correspondents: %w", err)
	}

	for _, cand := range candidates {
		if Normalize(cand.Name) == key {
			r.cache.Add(key, cacheEntry{id: cand.ID, name: cand.Name})
			return cand.ID, cand.Name, nil
		}
	}

	names := make([]string, len(candidates))
	byName := make(map[string]archive.Correspondent, len(candidates))
	for i, cand := range candidates {
		names[i] = cand.Name
		byName[cand.Name] = cand
	}

	if len(names) > 0 {
		match, confidence, err := r.matcher.MatchSender(ctx, name, names)
		if err != nil {
			return 0, "", fmt.Errorf("sender matching failed: %w", err)
		}
		if match != "" && confidence >= r.threshold {
			cand, ok := byName[match]
			if !ok {
				// The matcher returned a name outside the candidate list.
				r.logger.Warn("matcher returned unknown candidate",
					slog.String("sender", name),
					slog.String("match", match))
			} else {
				r.logger.Info("fuzzy-matched sender",
					slog.String("sender", name),
					slog.String("match", match),
					slog.Float64("confidence", confidence))
				r.cache.Add(key, cacheEntry{id: cand.ID, name: cand.Name})
				return cand.ID, cand.Name, nil
			}
		}
	}

	if r.autoCreate {
		created, err := r.directory.CreateCorrespondent(ctx, name)
		if err != nil {
			return 0, "", fmt.Errorf("failed to create correspondent: %w", err)
		}
		r.logger.Info("created correspondent", slog.String("name", created.Name))
		r.cache.Add(key, cacheEntry{id: created.ID, name: created.Name})
		return created.ID, created.Name, nil
	}

	r.cache.Add(key, cacheEntry{noMatch: true})
	return 0, "", ErrNoMatch
}
