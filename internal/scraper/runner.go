package scraper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/edgewatch/internal/config"
	"github.com/dbsmedya/edgewatch/internal/lock"
	"github.com/dbsmedya/edgewatch/internal/logger"
	"github.com/dbsmedya/edgewatch/internal/metrics"
)

// Job is one scraper identity and the cron spec that ticks it.
type Job struct {
	Cycler   Cycler
	Schedule string
}

// Locker serializes cycles of one identity across processes.
type Locker interface {
	WithLock(ctx context.Context, timeoutSeconds int, fn func() error) error
}

// LockFactory returns the lock guarding identity id.
type LockFactory func(id string) Locker

// DBLocks returns a LockFactory backed by MySQL advisory locks.
func DBLocks(db *sql.DB) LockFactory {
	return func(id string) Locker {
		return lock.NewScraperLock(db, id)
	}
}

// Runner ticks every job on its schedule until the context is canceled or a
// cycle fails fatally.
type Runner struct {
	jobs    []Job
	locks   LockFactory
	metrics *metrics.Metrics
	logger  *logger.Logger

	errOnce sync.Once
	errCh   chan error
}

// NewRunner creates a Runner. A nil LockFactory runs cycles unguarded.
func NewRunner(jobs []Job, locks LockFactory, m *metrics.Metrics, log *logger.Logger) (*Runner, error) {
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no scraper jobs configured")
	}
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if job.Cycler == nil {
			return nil, fmt.Errorf("job has no cycler")
		}
		if seen[job.Cycler.ID()] {
			return nil, fmt.Errorf("duplicate scraper id %q", job.Cycler.ID())
		}
		seen[job.Cycler.ID()] = true
	}
	if log == nil {
		log = logger.NewDefault()
	}

	return &Runner{
		jobs:    jobs,
		locks:   locks,
		metrics: m,
		logger:  log,
		errCh:   make(chan error, 1),
	}, nil
}

// Run starts the cron schedule, ticks every job once immediately and blocks.
// It returns nil when ctx is canceled and the first fatal cycle error
// otherwise. In-flight cycles finish before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	cronLog := cronLogger{log: r.logger}
	c := cron.New(
		cron.WithParser(config.ScheduleParser),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	ids := make([]cron.EntryID, 0, len(r.jobs))
	for _, job := range r.jobs {
		id, err := c.AddFunc(job.Schedule, func() { r.tick(ctx, job) })
		if err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", job.Schedule, job.Cycler.ID(), err)
		}
		ids = append(ids, id)
		r.logger.Infow("Scheduled scraper", "scraper", job.Cycler.ID(), "schedule", job.Schedule)
	}

	c.Start()
	var startup sync.WaitGroup
	for _, id := range ids {
		job := c.Entry(id).WrappedJob
		startup.Add(1)
		go func() {
			defer startup.Done()
			job.Run()
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		r.logger.Info("Stopping scrapers")
	case err = <-r.errCh:
		r.logger.Errorw("Stopping scrapers after fatal error", "error", err)
	}

	<-c.Stop().Done()
	startup.Wait()
	return err
}

func (r *Runner) tick(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}

	result, err := r.runJob(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.fail(fmt.Errorf("scraper %s: %w", job.Cycler.ID(), err))
		return
	}

	r.logger.WithScraper(job.Cycler.ID()).Debugw("Tick finished",
		"state", result.State,
		"reason", result.Reason,
		"duration", result.Duration)
}

func (r *Runner) fail(err error) {
	r.errOnce.Do(func() {
		r.errCh <- err
	})
}

// RunOnce runs one cycle of every job concurrently and returns the results
// in job order.
func (r *Runner) RunOnce(ctx context.Context) ([]*CycleResult, error) {
	results := make([]*CycleResult, len(r.jobs))

	g, gctx := errgroup.WithContext(ctx)
	for i, job := range r.jobs {
		g.Go(func() error {
			result, err := r.runJob(gctx, job)
			results[i] = result
			if err != nil {
				return fmt.Errorf("scraper %s: %w", job.Cycler.ID(), err)
			}
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

// runJob runs one cycle under the identity's lock. A lock held by another
// process ends the cycle as Aborted.
func (r *Runner) runJob(ctx context.Context, job Job) (*CycleResult, error) {
	id := job.Cycler.ID()
	if r.locks == nil {
		return job.Cycler.RunCycle(ctx)
	}

	var result *CycleResult
	err := r.locks(id).WithLock(ctx, lock.TimeoutImmediate, func() error {
		var err error
		result, err = job.Cycler.RunCycle(ctx)
		return err
	})
	if errors.Is(err, lock.ErrLockHeld) {
		r.metrics.IncLockBusy(id)
		r.logger.WithScraper(id).Info("Scraper is running elsewhere, skipping tick")
		return &CycleResult{ScraperID: id, State: StateAborted, Reason: ReasonLockBusy}, nil
	}
	return result, err
}

// cronLogger routes cron's own messages to zap.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
