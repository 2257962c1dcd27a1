package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dbsmedya/edgewatch/internal/diff"
	"github.com/dbsmedya/edgewatch/internal/edgelog"
	"github.com/dbsmedya/edgewatch/internal/logger"
	"github.com/dbsmedya/edgewatch/internal/metrics"
	"github.com/dbsmedya/edgewatch/internal/source"
	"github.com/dbsmedya/edgewatch/internal/types"
)

// DefaultLikesInterval is the minimum time between two likes scrapes of one
// account.
const DefaultLikesInterval = 24 * time.Hour

// LikesScraper records the posts watched accounts like. A cycle picks the
// account whose likes were scraped the longest ago, fetches its most recent
// likes, stores the posts and appends a CONNECTED edge for every post not
// already liked. Likes are never disconnected: a post missing from a later
// listing has only scrolled out of it.
type LikesScraper struct {
	accounts LikesAccountStore
	tracker  Tracker
	source   source.LikesSource
	posts    PostStore
	likes    EdgeLog
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *logger.Logger
	now      func() time.Time
}

// LikesDeps groups the collaborators of a LikesScraper.
type LikesDeps struct {
	Accounts LikesAccountStore
	Tracker  Tracker
	Source   source.LikesSource
	Posts    PostStore
	Likes    EdgeLog
	Interval time.Duration
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
}

// NewLikesScraper creates a LikesScraper. Interval defaults to
// DefaultLikesInterval.
func NewLikesScraper(deps LikesDeps) (*LikesScraper, error) {
	switch {
	case deps.Accounts == nil:
		return nil, fmt.Errorf("account store is nil")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("rate limit tracker is nil")
	case deps.Source == nil:
		return nil, fmt.Errorf("likes source is nil")
	case deps.Posts == nil:
		return nil, fmt.Errorf("post store is nil")
	case deps.Likes == nil:
		return nil, fmt.Errorf("like log is nil")
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = DefaultLikesInterval
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewDefault()
	}

	return &LikesScraper{
		accounts: deps.Accounts,
		tracker:  deps.Tracker,
		source:   deps.Source,
		posts:    deps.Posts,
		likes:    deps.Likes,
		interval: interval,
		metrics:  deps.Metrics,
		logger:   log.WithScraper(deps.Tracker.ID()),
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source used for scrape timestamps.
func (l *LikesScraper) SetClock(now func() time.Time) {
	l.now = now
}

// ID returns the scraper identity.
func (l *LikesScraper) ID() string {
	return l.tracker.ID()
}

// RunCycle performs one likes cycle. It ends as Done without a request when
// every account was scraped within the interval.
func (l *LikesScraper) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := l.now()
	result := &CycleResult{
		CycleID:   uuid.NewString(),
		ScraperID: l.tracker.ID(),
		State:     StateIdle,
	}
	log := l.logger.WithCycle(result.CycleID)

	err := l.run(ctx, log, result)
	result.Duration = l.now().Sub(start)

	reason := result.Reason
	if err != nil {
		reason = ReasonFailed
		log.Errorw("Likes cycle failed", "state", result.State, "error", err)
	}
	l.metrics.ObserveCycle(result.ScraperID, string(result.Mode), string(result.State), reason, result.Duration)
	return result, err
}

func (l *LikesScraper) run(ctx context.Context, log *logger.Logger, result *CycleResult) error {
	account, err := l.accounts.NextLikesCandidate(ctx, l.now().Add(-l.interval))
	if err != nil {
		return fmt.Errorf("failed to select next account: %w", err)
	}
	if account == nil {
		result.State = StateDone
		result.Reason = ReasonNothingDue
		log.Debug("No likes due")
		return nil
	}
	result.Account = account
	log = log.WithAccount(account.ExternalID)

	result.State = StateGated
	ok, err := l.tracker.Gate(ctx)
	if err != nil {
		return fmt.Errorf("failed to check rate limit gate: %w", err)
	}
	if !ok {
		return abort(log, result, ReasonGateClosed)
	}

	result.State = StateFetching
	fetched, err := l.source.FetchLikes(ctx, account.ExternalID)
	if err != nil {
		return fetchFailure{l.tracker, l.accounts, l.metrics}.handle(ctx, log, result, "likes", err)
	}
	l.metrics.SetRemaining(result.ScraperID, fetched.RateLimit.Remaining)

	result.State = StateResolving
	created, err := l.posts.UpsertPosts(ctx, fetched.Posts)
	if err != nil {
		return fmt.Errorf("failed to store liked posts: %w", err)
	}
	result.Created = created

	result.State = StateDiffing
	old, err := l.likes.CurrentConnected(ctx, account.ExternalID, nil)
	if err != nil {
		return fmt.Errorf("failed to load current likes: %w", err)
	}
	liked := diff.NewOrderedSet()
	for _, p := range fetched.Posts {
		if p.ExternalID != "" {
			liked.Set(p.ExternalID, struct{}{})
		}
	}
	changes := diff.Compute(old, liked).ForMode(types.ModePartial)
	result.Added = len(changes.Added)

	result.State = StatePersisting
	if !changes.Empty() {
		appended, err := l.likes.Append(ctx, changes.Changes(account.ExternalID))
		result.Conflicts = appended.Conflicts
		if errors.Is(err, edgelog.ErrVersionConflict) {
			l.metrics.AddEdges(result.ScraperID, 0, 0, appended.Conflicts)
			if recErr := l.tracker.RecordError(ctx, ReasonVersionConflict, err.Error()); recErr != nil {
				return recErr
			}
			return abort(log, result, ReasonVersionConflict)
		}
		if err != nil {
			return fmt.Errorf("failed to append likes: %w", err)
		}
		l.metrics.AddEdges(result.ScraperID, result.Added, 0, appended.Conflicts)
	}

	if err := l.accounts.MarkLikesScraped(ctx, account.ExternalID, l.now()); err != nil {
		return fmt.Errorf("failed to mark likes scraped: %w", err)
	}
	if err := l.tracker.RecordResponse(ctx, fetched.RateLimit); err != nil {
		return err
	}
	if err := l.tracker.ClearError(ctx); err != nil {
		return err
	}

	result.State = StateDone
	log.Infow("Likes cycle completed",
		"fetched", len(fetched.Posts),
		"added", result.Added,
		"posts_created", result.Created,
		"conflicts", result.Conflicts,
		"remaining", fetched.RateLimit.Remaining)
	return nil
}
