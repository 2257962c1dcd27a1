package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dbsmedya/edgewatch/internal/database"
	"github.com/dbsmedya/edgewatch/internal/metrics"
	"github.com/dbsmedya/edgewatch/internal/scraper"
)

const shutdownTimeout = 10 * time.Second

var (
	runMigrateFlag bool
	runSeed        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scrapers on their schedules until interrupted",
	Long: `Run starts every enabled scraper identity on its cron schedule. Each
identity ticks once immediately, then on schedule; a tick is skipped while the
previous one is still running or another process holds the identity's lock.

SIGINT or SIGTERM lets in-flight cycles finish and exits cleanly. A cycle that
fails with an unclassified error (for example a storage failure) stops the
runner with a non-zero exit status.

Example:
  edgewatch run --config edgewatch.yaml --migrate --seed`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runMigrateFlag, "migrate", false,
		"Create missing tables before starting")
	runCmd.Flags().BoolVar(&runSeed, "seed", false,
		"Watch the configured seed handles before starting")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := database.SetupSignalHandlerWithCallback(func(sig os.Signal) {
		fmt.Fprintf(os.Stderr, "Received %s - finishing in-flight cycles...\n", sig)
	})

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	if runMigrateFlag {
		if err := a.migrate(ctx); err != nil {
			return err
		}
	}

	if runSeed && len(a.cfg.Seeds) > 0 {
		result, err := enroll(ctx, a, a.cfg.Seeds)
		if err != nil {
			return fmt.Errorf("failed to watch seeds: %w", err)
		}
		log.Infow("Seeds enrolled",
			"added", len(result.Added),
			"already_watched", len(result.Rewatched),
			"skipped", len(result.Skipped))
	}

	var m *metrics.Metrics
	if a.cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)

		srv := newMetricsServer(a.cfg.Metrics.Address, reg)
		go func() {
			log.Infow("Serving metrics", "address", a.cfg.Metrics.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	src, err := newSource(&a.cfg.Source)
	if err != nil {
		return err
	}
	jobs, err := a.jobs(src, m)
	if err != nil {
		return err
	}

	runner, err := scraper.NewRunner(jobs, scraper.DBLocks(a.db.DB), m, log)
	if err != nil {
		return err
	}

	log.Infow("Starting scrapers", "config", GetConfigFile(), "identities", a.cfg.Identities())
	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("runner stopped: %w", err)
	}
	log.Info("Scrapers stopped")
	return nil
}

func newMetricsServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
