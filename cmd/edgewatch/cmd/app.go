package cmd

import (
	"context"
	"fmt"

	"github.com/dbsmedya/edgewatch/internal/config"
	"github.com/dbsmedya/edgewatch/internal/database"
	"github.com/dbsmedya/edgewatch/internal/edgelog"
	"github.com/dbsmedya/edgewatch/internal/entity"
	"github.com/dbsmedya/edgewatch/internal/logger"
	"github.com/dbsmedya/edgewatch/internal/metrics"
	"github.com/dbsmedya/edgewatch/internal/ratelimit"
	"github.com/dbsmedya/edgewatch/internal/schedule"
	"github.com/dbsmedya/edgewatch/internal/scraper"
	"github.com/dbsmedya/edgewatch/internal/source"
	"github.com/dbsmedya/edgewatch/internal/source/fixture"
)

// app holds what every database-backed command needs.
type app struct {
	cfg *config.Config
	log *logger.Logger
	db  *database.Manager
}

// loadConfig loads, overrides and validates the configuration file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	overrides := GetCLIOverrides()
	cfg.ApplyOverrides(overrides.LogLevel, overrides.LogFormat)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp loads the configuration, builds the logger and connects to MySQL.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	dbManager := database.NewManager(&cfg.Database)
	if err := dbManager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := dbManager.Ping(ctx); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	return &app{cfg: cfg, log: log, db: dbManager}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warnw("Failed to close database", "error", err)
	}
	_ = a.log.Sync()
}

// newSource builds the remote network client selected by source.kind.
func newSource(cfg *config.SourceConfig) (source.Source, error) {
	switch cfg.Kind {
	case "fixture":
		src, err := fixture.Load(cfg.FixturePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load fixture source: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported source kind %q", cfg.Kind)
	}
}

func (a *app) accounts() (*schedule.Store, error) {
	return schedule.NewStore(a.db.DB, a.log)
}

func (a *app) entities() (*entity.Resolver, error) {
	return entity.NewResolver(a.db.DB, a.log)
}

func (a *app) edges() (*edgelog.Store, error) {
	return edgelog.NewStore(a.db.DB, a.log, edgelog.WithMaxAttempts(a.cfg.Following.Append.MaxAttempts))
}

func (a *app) likes() (*edgelog.Store, error) {
	return edgelog.NewStore(a.db.DB, a.log,
		edgelog.WithTable(edgelog.LikesTable),
		edgelog.WithMaxAttempts(a.cfg.Following.Append.MaxAttempts))
}

func (a *app) posts() (*entity.PostStore, error) {
	return entity.NewPostStore(a.db.DB, a.log)
}

func (a *app) tracker(id string) (*ratelimit.Tracker, error) {
	return ratelimit.NewTracker(a.db.DB, a.log, id, ratelimit.WithStaleness(a.cfg.RateLimit.Staleness))
}

// tableInitializer is a store that owns a table.
type tableInitializer interface {
	InitializeTables(ctx context.Context) error
}

// initializers returns every store that owns a table.
func (a *app) initializers() ([]tableInitializer, error) {
	accounts, err := a.accounts()
	if err != nil {
		return nil, err
	}
	entities, err := a.entities()
	if err != nil {
		return nil, err
	}
	edges, err := a.edges()
	if err != nil {
		return nil, err
	}
	likes, err := a.likes()
	if err != nil {
		return nil, err
	}
	posts, err := a.posts()
	if err != nil {
		return nil, err
	}
	tracker, err := a.tracker(a.cfg.Following.ID)
	if err != nil {
		return nil, err
	}

	return []tableInitializer{edges, likes, entities, posts, accounts, tracker}, nil
}

// migrate creates every missing table.
func (a *app) migrate(ctx context.Context) error {
	stores, err := a.initializers()
	if err != nil {
		return err
	}
	for _, store := range stores {
		if err := store.InitializeTables(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// jobs builds one scraper job per enabled identity.
func (a *app) jobs(src source.Source, m *metrics.Metrics) ([]scraper.Job, error) {
	accounts, err := a.accounts()
	if err != nil {
		return nil, err
	}
	entities, err := a.entities()
	if err != nil {
		return nil, err
	}
	edges, err := a.edges()
	if err != nil {
		return nil, err
	}

	policy, err := schedule.PolicyFromConfig(a.cfg.Following.Refresh)
	if err != nil {
		return nil, err
	}
	scheduler, err := schedule.NewScheduler(accounts, policy)
	if err != nil {
		return nil, err
	}

	followingTracker, err := a.tracker(a.cfg.Following.ID)
	if err != nil {
		return nil, err
	}
	orch, err := scraper.NewOrchestrator(scraper.Deps{
		Scheduler: scheduler,
		Accounts:  accounts,
		Tracker:   followingTracker,
		Source:    src,
		Resolver:  entities,
		Edges:     edges,
		Metrics:   m,
		Logger:    a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	jobs := []scraper.Job{{Cycler: orch, Schedule: a.cfg.Following.Schedule}}

	if a.cfg.Profiles.Enabled {
		profileTracker, err := a.tracker(a.cfg.Profiles.ID)
		if err != nil {
			return nil, err
		}
		refresher, err := scraper.NewProfileRefresher(scraper.ProfileDeps{
			Accounts:  accounts,
			Entities:  entities,
			Tracker:   profileTracker,
			Source:    src,
			Limiter:   scraper.NewLimiter(a.cfg.Profiles.RequestsPerSecond),
			BatchSize: a.cfg.Profiles.BatchSize,
			Metrics:   m,
			Logger:    a.log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create profile refresher: %w", err)
		}
		jobs = append(jobs, scraper.Job{Cycler: refresher, Schedule: a.cfg.Profiles.Schedule})
	}

	if a.cfg.Likes.Enabled {
		likesJob, err := a.likesJob(src, accounts, m)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, likesJob)
	}

	return jobs, nil
}

func (a *app) likesJob(src source.Source, accounts *schedule.Store, m *metrics.Metrics) (scraper.Job, error) {
	likesSource, ok := src.(source.LikesSource)
	if !ok {
		return scraper.Job{}, fmt.Errorf("source kind %q cannot list likes; disable likes in the config", a.cfg.Source.Kind)
	}
	likes, err := a.likes()
	if err != nil {
		return scraper.Job{}, err
	}
	posts, err := a.posts()
	if err != nil {
		return scraper.Job{}, err
	}
	likesTracker, err := a.tracker(a.cfg.Likes.ID)
	if err != nil {
		return scraper.Job{}, err
	}

	likesScraper, err := scraper.NewLikesScraper(scraper.LikesDeps{
		Accounts: accounts,
		Tracker:  likesTracker,
		Source:   likesSource,
		Posts:    posts,
		Likes:    likes,
		Interval: a.cfg.Likes.Interval,
		Metrics:  m,
		Logger:   a.log,
	})
	if err != nil {
		return scraper.Job{}, fmt.Errorf("failed to create likes scraper: %w", err)
	}
	return scraper.Job{Cycler: likesScraper, Schedule: a.cfg.Likes.Schedule}, nil
}
