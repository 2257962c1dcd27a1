// Package scraper drives scrape cycles: it ties the scheduler, rate-limit
// tracker, remote source, entity resolver and edge log together, and runs
// cycles on a schedule.
package scraper

import (
	"context"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/dbsmedya/edgewatch/internal/types"
)

// Scheduler selects the next account and refresh mode.
type Scheduler interface {
	SelectNext(ctx context.Context) (*types.WatchedAccount, types.RefreshMode, error)
}

// AccountStore records the outcome of a cycle on the watched account.
type AccountStore interface {
	MarkScraped(ctx context.Context, externalID string, mode types.RefreshMode, at time.Time, edgeCount, drift int) error
	MarkUnscrapable(ctx context.Context, externalID string) error
}

// ProfileStore is the account store as seen by the profile refresher.
type ProfileStore interface {
	StaleProfiles(ctx context.Context, limit int) ([]types.WatchedAccount, error)
	MarkProfileScraped(ctx context.Context, externalID string, at time.Time, drift int) error
	MarkUnscrapable(ctx context.Context, externalID string) error
}

// LikesAccountStore is the account store as seen by the likes scraper.
type LikesAccountStore interface {
	NextLikesCandidate(ctx context.Context, cutoff time.Time) (*types.WatchedAccount, error)
	MarkLikesScraped(ctx context.Context, externalID string, at time.Time) error
	MarkUnscrapable(ctx context.Context, externalID string) error
}

// PostStore keeps the posts seen in likes listings.
type PostStore interface {
	UpsertPosts(ctx context.Context, posts []types.Post) (int, error)
}

// WatchStore adds accounts to the watch list.
type WatchStore interface {
	Watch(ctx context.Context, externalID, handle string) (bool, error)
}

// Tracker is the persisted rate-limit state of one scraper identity.
type Tracker interface {
	ID() string
	Gate(ctx context.Context) (bool, error)
	RecordResponse(ctx context.Context, rl types.RateLimit) error
	RecordRateLimited(ctx context.Context, rl types.RateLimit) error
	RecordError(ctx context.Context, kind, detail string) error
	ClearError(ctx context.Context) error
}

// Resolver upserts the endpoints of a fetched listing.
type Resolver interface {
	ResolveFetched(ctx context.Context, profiles []types.Profile) (*orderedmap.OrderedMap[string, struct{}], types.ResolveStats, error)
}

// EntityStore looks up, creates and refreshes external entities.
type EntityStore interface {
	Resolve(ctx context.Context, externalID, handle string) (*types.ExternalEntity, error)
	Create(ctx context.Context, profile *types.Profile) (*types.ExternalEntity, error)
	Refresh(ctx context.Context, profile *types.Profile) error
}

// EdgeLog is the versioned edge store. The likes scraper uses the same
// interface over the like log.
type EdgeLog interface {
	CurrentConnected(ctx context.Context, nodeID string, asOf *time.Time) (map[string]struct{}, error)
	Append(ctx context.Context, changes []types.EdgeChange) (types.AppendStats, error)
}

// Cycler is one scraper identity that the Runner can tick.
type Cycler interface {
	ID() string
	RunCycle(ctx context.Context) (*CycleResult, error)
}
