package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dbsmedya/edgewatch/internal/logger"
	"github.com/dbsmedya/edgewatch/internal/metrics"
	"github.com/dbsmedya/edgewatch/internal/ratelimit"
	"github.com/dbsmedya/edgewatch/internal/source"
	"github.com/dbsmedya/edgewatch/internal/types"
)

// DefaultProfileBatchSize is the number of profiles refreshed per cycle.
const DefaultProfileBatchSize = 100

// ProfileRefresher keeps entity snapshots of watched accounts current and
// estimates how far each account's edge count has drifted since its last
// edge scrape. It runs under its own scraper identity.
type ProfileRefresher struct {
	accounts  ProfileStore
	entities  EntityStore
	tracker   Tracker
	source    source.Source
	limiter   *rate.Limiter
	batchSize int
	metrics   *metrics.Metrics
	logger    *logger.Logger
	now       func() time.Time
}

// ProfileDeps groups the collaborators of a ProfileRefresher.
type ProfileDeps struct {
	Accounts  ProfileStore
	Entities  EntityStore
	Tracker   Tracker
	Source    source.Source
	Limiter   *rate.Limiter
	BatchSize int
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// NewProfileRefresher creates a ProfileRefresher. Without a limiter requests
// are not paced.
func NewProfileRefresher(deps ProfileDeps) (*ProfileRefresher, error) {
	switch {
	case deps.Accounts == nil:
		return nil, fmt.Errorf("account store is nil")
	case deps.Entities == nil:
		return nil, fmt.Errorf("entity store is nil")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("rate limit tracker is nil")
	case deps.Source == nil:
		return nil, fmt.Errorf("source is nil")
	}

	limiter := deps.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = DefaultProfileBatchSize
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewDefault()
	}

	return &ProfileRefresher{
		accounts:  deps.Accounts,
		entities:  deps.Entities,
		tracker:   deps.Tracker,
		source:    deps.Source,
		limiter:   limiter,
		batchSize: batch,
		metrics:   deps.Metrics,
		logger:    log.WithScraper(deps.Tracker.ID()),
		now:       time.Now,
	}, nil
}

// NewLimiter builds a limiter allowing rps requests per second.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// SetClock overrides the time source used for profile timestamps.
func (p *ProfileRefresher) SetClock(now func() time.Time) {
	p.now = now
}

// ID returns the scraper identity.
func (p *ProfileRefresher) ID() string {
	return p.tracker.ID()
}

// RunCycle refreshes the stalest batch of watched profiles. Refreshed counts
// the profiles written.
func (p *ProfileRefresher) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := p.now()
	result := &CycleResult{
		CycleID:   uuid.NewString(),
		ScraperID: p.tracker.ID(),
		State:     StateIdle,
	}
	log := p.logger.WithCycle(result.CycleID)

	err := p.run(ctx, log, result)
	result.Duration = p.now().Sub(start)

	reason := result.Reason
	if err != nil {
		reason = ReasonFailed
		log.Errorw("Profile cycle failed", "state", result.State, "error", err)
	}
	p.metrics.ObserveCycle(result.ScraperID, "profile", string(result.State), reason, result.Duration)
	return result, err
}

func (p *ProfileRefresher) run(ctx context.Context, log *logger.Logger, result *CycleResult) error {
	result.State = StateGated
	ok, err := p.tracker.Gate(ctx)
	if err != nil {
		return fmt.Errorf("failed to check rate limit gate: %w", err)
	}
	if !ok {
		return p.abort(log, result, ReasonGateClosed)
	}

	accounts, err := p.accounts.StaleProfiles(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to select stale profiles: %w", err)
	}
	if len(accounts) == 0 {
		result.State = StateDone
		result.Reason = ReasonNoCandidates
		return nil
	}

	result.State = StateFetching
	missing := 0
	for i := range accounts {
		account := &accounts[i]
		result.Account = account

		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("profile rate limiter: %w", err)
		}

		profile, err := p.source.FetchProfile(ctx, account.ExternalID)
		if err != nil {
			aborted, handleErr := p.handleFetchError(ctx, log, result, account, err)
			if handleErr != nil || aborted {
				return handleErr
			}
			missing++
			continue
		}

		if err := p.refresh(ctx, account, profile); err != nil {
			return err
		}
		result.Refreshed++
		p.metrics.IncProfilesRefreshed(result.ScraperID)
	}

	// A not_found recorded in this batch stays visible until the next clean cycle.
	if missing == 0 {
		if err := p.tracker.ClearError(ctx); err != nil {
			return err
		}
	}

	result.State = StateDone
	log.Infow("Profile cycle completed",
		"selected", len(accounts),
		"refreshed", result.Refreshed,
		"missing", missing)
	return nil
}

func (p *ProfileRefresher) refresh(ctx context.Context, account *types.WatchedAccount, profile *types.Profile) error {
	if err := p.entities.Refresh(ctx, profile); err != nil {
		return err
	}

	drift := account.EdgeCountDrift
	if profile.Metrics != nil {
		drift = profile.Metrics.FollowingCount - account.LastKnownEdgeCount
		if drift < 0 {
			drift = -drift
		}
	}

	if err := p.accounts.MarkProfileScraped(ctx, account.ExternalID, p.now(), drift); err != nil {
		return fmt.Errorf("failed to mark profile scraped: %w", err)
	}
	return nil
}

// handleFetchError reports whether the cycle must stop. Missing accounts are
// marked and the batch continues.
func (p *ProfileRefresher) handleFetchError(ctx context.Context, log *logger.Logger, result *CycleResult, account *types.WatchedAccount, err error) (bool, error) {
	var rateLimited *source.RateLimitedError
	if errors.As(err, &rateLimited) {
		p.metrics.SetRemaining(result.ScraperID, rateLimited.RateLimit.Remaining)
		if recErr := p.tracker.RecordRateLimited(ctx, rateLimited.RateLimit); recErr != nil {
			return true, recErr
		}
		return true, p.abort(log, result, ReasonRateLimited)
	}

	if errors.Is(err, source.ErrNotFound) {
		log.Warnw("Watched account no longer exists", "account", account.ExternalID)
		if markErr := p.accounts.MarkUnscrapable(ctx, account.ExternalID); markErr != nil {
			return true, fmt.Errorf("failed to mark account unscrapable: %w", markErr)
		}
		if recErr := p.tracker.RecordError(ctx, ratelimit.KindNotFound, account.ExternalID); recErr != nil {
			return true, recErr
		}
		return false, nil
	}

	if msg, ok := source.IsTransient(err); ok {
		if recErr := p.tracker.RecordError(ctx, ratelimit.KindAPIError, msg); recErr != nil {
			return true, recErr
		}
		return true, p.abort(log, result, ReasonAPIError)
	}

	return true, fmt.Errorf("failed to fetch profile of %s: %w", account.ExternalID, err)
}

func (p *ProfileRefresher) abort(log *logger.Logger, result *CycleResult, reason string) error {
	log.Warnw("Profile cycle aborted", "state", result.State, "reason", reason, "refreshed", result.Refreshed)
	result.State = StateAborted
	result.Reason = reason
	return nil
}
