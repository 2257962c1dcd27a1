package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/edgewatch/internal/database"
	"github.com/dbsmedya/edgewatch/internal/scraper"
)

var scrapeNoLock bool

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run one cycle of every scraper identity and exit",
	Long: `Scrape runs a single cycle of each enabled scraper identity concurrently.
Each identity takes its advisory lock first; an identity that is already
running elsewhere is reported as lock_busy and skipped.

Example:
  edgewatch scrape --config edgewatch.yaml`,
	RunE: runScrape,
}

func init() {
	scrapeCmd.Flags().BoolVar(&scrapeNoLock, "no-lock", false,
		"Skip advisory lock acquisition (use with caution)")
	rootCmd.AddCommand(scrapeCmd)
}

func runScrape(cmd *cobra.Command, args []string) error {
	ctx := database.SetupSignalHandler()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	src, err := newSource(&a.cfg.Source)
	if err != nil {
		return err
	}
	jobs, err := a.jobs(src, nil)
	if err != nil {
		return err
	}

	locks := scraper.DBLocks(a.db.DB)
	if scrapeNoLock {
		a.log.Warn("Skipping advisory lock acquisition (--no-lock flag used)")
		locks = nil
	}

	runner, err := scraper.NewRunner(jobs, locks, nil, a.log)
	if err != nil {
		return err
	}

	results, err := runner.RunOnce(ctx)
	renderCycleResults(cmd.OutOrStdout(), results)
	if err != nil {
		return fmt.Errorf("scrape failed: %w", err)
	}
	return nil
}

func renderCycleResults(w io.Writer, results []*scraper.CycleResult) {
	t := newTable("SCRAPER", "STATE", "ACCOUNT", "MODE", "ADDED", "REMOVED", "REFRESHED", "REASON", "DURATION")
	for _, r := range results {
		if r == nil {
			continue
		}

		state := styled(string(r.State), styleOK)
		if r.Aborted() {
			state = styled(string(r.State), styleWarn)
		} else if r.State != scraper.StateDone {
			state = styled(string(r.State), styleBad)
		}

		account := "-"
		if r.Account != nil {
			account = r.Account.ExternalID
			if r.Account.Handle != "" {
				account = "@" + r.Account.Handle
			}
		}

		t.add(
			plain(r.ScraperID),
			state,
			plain(account),
			plain(orDash(string(r.Mode))),
			plain(strconv.Itoa(r.Added)),
			plain(strconv.Itoa(r.Removed)),
			plain(strconv.Itoa(r.Refreshed)),
			plain(orDash(r.Reason)),
			plain(r.Duration.Round(time.Millisecond).String()),
		)
	}
	t.render(w)
}
