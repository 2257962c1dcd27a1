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
	"github.com/dbsmedya/edgewatch/internal/ratelimit"
	"github.com/dbsmedya/edgewatch/internal/schedule"
	"github.com/dbsmedya/edgewatch/internal/source"
	"github.com/dbsmedya/edgewatch/internal/types"
)

// Orchestrator runs scrape cycles for the "following" scraper identity.
// A cycle selects one watched account, fetches its outgoing edges, resolves
// the endpoints, diffs against the edge log and appends the changes.
type Orchestrator struct {
	scheduler Scheduler
	accounts  AccountStore
	tracker   Tracker
	source    source.Source
	resolver  Resolver
	edges     EdgeLog
	metrics   *metrics.Metrics
	logger    *logger.Logger
	now       func() time.Time
}

// Deps groups the collaborators of an Orchestrator.
type Deps struct {
	Scheduler Scheduler
	Accounts  AccountStore
	Tracker   Tracker
	Source    source.Source
	Resolver  Resolver
	Edges     EdgeLog
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// NewOrchestrator creates an Orchestrator. Metrics and Logger are optional.
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("scheduler is nil")
	case deps.Accounts == nil:
		return nil, fmt.Errorf("account store is nil")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("rate limit tracker is nil")
	case deps.Source == nil:
		return nil, fmt.Errorf("source is nil")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("entity resolver is nil")
	case deps.Edges == nil:
		return nil, fmt.Errorf("edge log is nil")
	}

	log := deps.Logger
	if log == nil {
		log = logger.NewDefault()
	}

	return &Orchestrator{
		scheduler: deps.Scheduler,
		accounts:  deps.Accounts,
		tracker:   deps.Tracker,
		source:    deps.Source,
		resolver:  deps.Resolver,
		edges:     deps.Edges,
		metrics:   deps.Metrics,
		logger:    log.WithScraper(deps.Tracker.ID()),
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source used for scrape timestamps.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// ID returns the scraper identity.
func (o *Orchestrator) ID() string {
	return o.tracker.ID()
}

// RunCycle performs one scrape cycle. Rate limiting, API failures, missing
// accounts and exhausted version conflicts end the cycle as Aborted with a nil
// error. Any other failure is returned.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := o.now()
	result := &CycleResult{
		CycleID:   uuid.NewString(),
		ScraperID: o.tracker.ID(),
		State:     StateIdle,
	}
	log := o.logger.WithCycle(result.CycleID)

	err := o.run(ctx, log, result)
	result.Duration = o.now().Sub(start)

	if err != nil {
		o.metrics.ObserveCycle(result.ScraperID, string(result.Mode), string(result.State), ReasonFailed, result.Duration)
		log.Errorw("Scrape cycle failed", "state", result.State, "error", err)
		return result, err
	}

	o.metrics.ObserveCycle(result.ScraperID, string(result.Mode), string(result.State), result.Reason, result.Duration)
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, log *logger.Logger, result *CycleResult) error {
	account, mode, err := o.scheduler.SelectNext(ctx)
	if errors.Is(err, schedule.ErrNoCandidates) {
		result.State = StateDone
		result.Reason = ReasonNoCandidates
		log.Debug("No watched accounts to scrape")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to select next account: %w", err)
	}
	result.Account = account
	result.Mode = mode
	log = log.WithAccount(account.ExternalID)

	result.State = StateGated
	ok, err := o.tracker.Gate(ctx)
	if err != nil {
		return fmt.Errorf("failed to check rate limit gate: %w", err)
	}
	if !ok {
		return abort(log, result, ReasonGateClosed)
	}

	result.State = StateFetching
	log.Debugw("Fetching edges", "mode", mode)
	fetched, err := o.source.FetchEdges(ctx, account.ExternalID, mode)
	if err != nil {
		return fetchFailure{o.tracker, o.accounts, o.metrics}.handle(ctx, log, result, "edges", err)
	}
	o.metrics.SetRemaining(result.ScraperID, fetched.RateLimit.Remaining)

	// A full listing that ran the budget dry may be missing its last pages.
	if mode == types.ModeFull && fetched.RateLimit.Limit > 0 && fetched.RateLimit.Remaining == 0 {
		if err := o.tracker.RecordRateLimited(ctx, fetched.RateLimit); err != nil {
			return err
		}
		return abort(log, result, ReasonRateLimited)
	}

	result.State = StateResolving
	peers, stats, err := o.resolver.ResolveFetched(ctx, fetched.Edges)
	if err != nil {
		return fmt.Errorf("failed to resolve fetched edges: %w", err)
	}
	result.Created = stats.Created
	result.Refreshed = stats.Refreshed
	o.metrics.AddEntitiesCreated(result.ScraperID, stats.Created)

	result.State = StateDiffing
	old, err := o.edges.CurrentConnected(ctx, account.ExternalID, nil)
	if err != nil {
		return fmt.Errorf("failed to load current edges: %w", err)
	}
	changes := diff.Compute(old, peers).ForMode(mode)
	result.Added = len(changes.Added)
	result.Removed = len(changes.Removed)

	result.State = StatePersisting
	if !changes.Empty() {
		appended, err := o.edges.Append(ctx, changes.Changes(account.ExternalID))
		result.Conflicts = appended.Conflicts
		if errors.Is(err, edgelog.ErrVersionConflict) {
			o.metrics.AddEdges(result.ScraperID, 0, 0, appended.Conflicts)
			if recErr := o.tracker.RecordError(ctx, ReasonVersionConflict, err.Error()); recErr != nil {
				return recErr
			}
			return abort(log, result, ReasonVersionConflict)
		}
		if err != nil {
			return fmt.Errorf("failed to append edges: %w", err)
		}
		o.metrics.AddEdges(result.ScraperID, result.Added, result.Removed, appended.Conflicts)
	}

	edgeCount := len(old) + result.Added - result.Removed
	drift := result.Added + result.Removed
	if err := o.accounts.MarkScraped(ctx, account.ExternalID, mode, o.now(), edgeCount, drift); err != nil {
		return fmt.Errorf("failed to mark account scraped: %w", err)
	}
	if err := o.tracker.RecordResponse(ctx, fetched.RateLimit); err != nil {
		return err
	}
	if err := o.tracker.ClearError(ctx); err != nil {
		return err
	}

	result.State = StateDone
	log.Infow("Scrape cycle completed",
		"mode", mode,
		"fetched", len(fetched.Edges),
		"added", result.Added,
		"removed", result.Removed,
		"created", result.Created,
		"conflicts", result.Conflicts,
		"remaining", fetched.RateLimit.Remaining)
	return nil
}

// fetchFailure classifies a fetch failure. Rate limiting, missing accounts
// and transient API errors abort the cycle; anything else is returned.
type fetchFailure struct {
	tracker  Tracker
	accounts interface {
		MarkUnscrapable(ctx context.Context, externalID string) error
	}
	metrics *metrics.Metrics
}

func (f fetchFailure) handle(ctx context.Context, log *logger.Logger, result *CycleResult, what string, err error) error {
	var rateLimited *source.RateLimitedError
	if errors.As(err, &rateLimited) {
		f.metrics.SetRemaining(result.ScraperID, rateLimited.RateLimit.Remaining)
		if recErr := f.tracker.RecordRateLimited(ctx, rateLimited.RateLimit); recErr != nil {
			return recErr
		}
		return abort(log, result, ReasonRateLimited)
	}

	if errors.Is(err, source.ErrNotFound) {
		if markErr := f.accounts.MarkUnscrapable(ctx, result.Account.ExternalID); markErr != nil {
			return fmt.Errorf("failed to mark account unscrapable: %w", markErr)
		}
		if recErr := f.tracker.RecordError(ctx, ratelimit.KindNotFound, result.Account.ExternalID); recErr != nil {
			return recErr
		}
		return abort(log, result, ReasonNotFound)
	}

	if msg, ok := source.IsTransient(err); ok {
		if recErr := f.tracker.RecordError(ctx, ratelimit.KindAPIError, msg); recErr != nil {
			return recErr
		}
		return abort(log, result, ReasonAPIError)
	}

	return fmt.Errorf("failed to fetch %s: %w", what, err)
}

func abort(log *logger.Logger, result *CycleResult, reason string) error {
	log.Warnw("Scrape cycle aborted", "state", result.State, "reason", reason)
	result.State = StateAborted
	result.Reason = reason
	return nil
}
