// Package fixture implements source.Source on top of a YAML description of a
// small network. It backs local runs, demos and command tests.
package fixture

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dbsmedya/edgewatch/internal/source"
	"github.com/dbsmedya/edgewatch/internal/types"
)

// File is the on-disk format.
type File struct {
	RateLimit RateLimitSpec `yaml:"rate_limit"`
	// PartialLimit caps the listing returned in partial mode. Zero means no cap.
	PartialLimit int                     `yaml:"partial_limit"`
	Profiles     []types.Profile         `yaml:"profiles"`
	Following    map[string][]string     `yaml:"following"`
	Likes        map[string][]types.Post `yaml:"likes"`
	// Failures injects an error for an account: rate_limited, request or response.
	Failures map[string]string `yaml:"failures"`
}

// RateLimitSpec describes the simulated request budget.
type RateLimitSpec struct {
	Limit   int           `yaml:"limit"`
	ResetIn time.Duration `yaml:"reset_in"`
}

// Source is a fixture-backed source.Source. It is safe for concurrent use.
type Source struct {
	mu        sync.Mutex
	file      File
	byID      map[string]*types.Profile
	byHandle  map[string]*types.Profile
	remaining int
	resetAt   time.Time
	now       func() time.Time
}

// Load reads a fixture file.
func Load(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}
	return Parse(data)
}

// Parse decodes fixture YAML.
func Parse(data []byte) (*Source, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	return New(f)
}

// New builds a source from an in-memory fixture.
func New(f File) (*Source, error) {
	s := &Source{
		file:     f,
		byID:     make(map[string]*types.Profile, len(f.Profiles)),
		byHandle: make(map[string]*types.Profile, len(f.Profiles)),
		now:      time.Now,
	}

	for i := range f.Profiles {
		p := &f.Profiles[i]
		if p.ExternalID == "" {
			return nil, fmt.Errorf("fixture profile %d has no id", i)
		}
		if _, dup := s.byID[p.ExternalID]; dup {
			return nil, fmt.Errorf("fixture profile %s is defined twice", p.ExternalID)
		}
		s.byID[p.ExternalID] = p
		if p.Handle != "" {
			s.byHandle[strings.ToLower(types.NormalizeHandle(p.Handle))] = p
		}
	}

	for id, posts := range f.Likes {
		for i, post := range posts {
			if post.ExternalID == "" {
				return nil, fmt.Errorf("fixture like %d of %s has no id", i, id)
			}
		}
	}

	for id, failure := range f.Failures {
		switch failure {
		case "rate_limited", "request", "response":
		default:
			return nil, fmt.Errorf("unknown failure %q for %s", failure, id)
		}
	}

	if s.file.RateLimit.ResetIn <= 0 {
		s.file.RateLimit.ResetIn = 15 * time.Minute
	}
	s.remaining = s.file.RateLimit.Limit
	return s, nil
}

// SetClock replaces the clock driving the simulated rate limit window.
func (s *Source) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// spend consumes one request from the budget. Callers hold s.mu.
// A zero limit disables rate limiting.
func (s *Source) spend() (types.RateLimit, error) {
	now := s.now()
	if s.resetAt.IsZero() || !now.Before(s.resetAt) {
		s.remaining = s.file.RateLimit.Limit
		s.resetAt = now.Add(s.file.RateLimit.ResetIn)
	}

	rl := types.RateLimit{Limit: s.file.RateLimit.Limit, ResetEpoch: s.resetAt.Unix()}
	if s.file.RateLimit.Limit == 0 {
		rl.Remaining = 1
		return rl, nil
	}
	if s.remaining <= 0 {
		return rl, &source.RateLimitedError{RateLimit: rl}
	}
	s.remaining--
	rl.Remaining = s.remaining
	return rl, nil
}

func (s *Source) injected(id string, rl types.RateLimit) error {
	switch s.file.Failures[id] {
	case "rate_limited":
		rl.Remaining = 0
		return &source.RateLimitedError{RateLimit: rl}
	case "request":
		return &source.RequestError{Message: "connection reset by peer"}
	case "response":
		return &source.ResponseError{StatusCode: 503, Message: "Service Unavailable"}
	}
	return nil
}

// FetchEdges implements source.Source.
func (s *Source) FetchEdges(ctx context.Context, accountID string, mode types.RefreshMode) (*source.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rl, err := s.spend()
	if err != nil {
		return nil, err
	}
	if err := s.injected(accountID, rl); err != nil {
		return nil, err
	}
	if _, ok := s.byID[accountID]; !ok {
		return nil, source.ErrNotFound
	}

	ids := s.file.Following[accountID]
	if mode == types.ModePartial && s.file.PartialLimit > 0 && len(ids) > s.file.PartialLimit {
		ids = ids[:s.file.PartialLimit]
	}

	edges := make([]types.Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.byID[id]; ok {
			edges = append(edges, *p)
		} else {
			edges = append(edges, types.Profile{ExternalID: id})
		}
	}

	return &source.FetchResult{Edges: edges, RateLimit: rl}, nil
}

// FetchProfile implements source.Source.
func (s *Source) FetchProfile(ctx context.Context, idOrHandle string) (*types.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rl, err := s.spend()
	if err != nil {
		return nil, err
	}

	var (
		p  *types.Profile
		ok bool
	)
	if !strings.HasPrefix(idOrHandle, "@") {
		p, ok = s.byID[idOrHandle]
	}
	if !ok {
		p, ok = s.byHandle[strings.ToLower(types.NormalizeHandle(idOrHandle))]
	}
	if !ok {
		return nil, source.ErrNotFound
	}
	if err := s.injected(p.ExternalID, rl); err != nil {
		return nil, err
	}

	profile := *p
	// Without an explicit count the listing length stands in for it.
	if ids, listed := s.file.Following[p.ExternalID]; listed && (profile.Metrics == nil || profile.Metrics.FollowingCount == 0) {
		metrics := types.PublicMetrics{}
		if profile.Metrics != nil {
			metrics = *profile.Metrics
		}
		metrics.FollowingCount = len(ids)
		profile.Metrics = &metrics
	}
	return &profile, nil
}

// FetchLikes implements source.LikesSource.
func (s *Source) FetchLikes(ctx context.Context, accountID string) (*source.LikesResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rl, err := s.spend()
	if err != nil {
		return nil, err
	}
	if err := s.injected(accountID, rl); err != nil {
		return nil, err
	}
	if _, ok := s.byID[accountID]; !ok {
		return nil, source.ErrNotFound
	}

	liked := s.file.Likes[accountID]
	if len(liked) > source.MaxLikesPerFetch {
		liked = liked[:source.MaxLikesPerFetch]
	}
	posts := make([]types.Post, len(liked))
	copy(posts, liked)

	return &source.LikesResult{Posts: posts, RateLimit: rl}, nil
}
