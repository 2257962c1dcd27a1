package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/edgewatch/internal/database"
	"github.com/dbsmedya/edgewatch/internal/lock"
	"github.com/dbsmedya/edgewatch/internal/ratelimit"
	"github.com/dbsmedya/edgewatch/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rate-limit state and last error of every scraper identity",
	Long: `Status lists every scraper identity known to the database together with
its rate-limit budget, whether its gate is open, whether a process currently
holds its lock, and the last error it recorded.

Example:
  edgewatch status --config edgewatch.yaml`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := database.SetupSignalHandler()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	states, err := ratelimit.List(ctx, a.db.DB)
	if err != nil {
		return err
	}
	states = withConfigured(states, a.cfg.Identities())

	running := make(map[string]bool, len(states))
	for _, s := range states {
		busy, err := lock.IsScraperRunning(ctx, a.db.DB, s.ID)
		if err != nil {
			return err
		}
		running[s.ID] = busy
	}

	renderStates(cmd.OutOrStdout(), states, running, time.Now(), a.cfg.RateLimit.Staleness)
	return nil
}

// withConfigured adds an empty state for configured identities that have
// not written one yet.
func withConfigured(states []types.ScraperState, ids []string) []types.ScraperState {
	known := make(map[string]bool, len(states))
	for _, s := range states {
		known[s.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			states = append(states, types.ScraperState{ID: id})
		}
	}
	return states
}

func renderStates(w io.Writer, states []types.ScraperState, running map[string]bool, now time.Time, staleness time.Duration) {
	if len(states) == 0 {
		fmt.Fprintln(w, "No scraper state recorded")
		return
	}

	t := newTable("SCRAPER", "GATE", "RUNNING", "REMAINING", "RESET", "UPDATED", "LAST ERROR")
	for _, s := range states {
		gate := styled("open", styleOK)
		if !ratelimit.Permits(s, now, staleness) {
			wait := s.RateLimit().ResetAt().Sub(now).Round(time.Second)
			gate = styled("closed "+wait.String(), styleWarn)
		}

		busy := styled("no", styleDim)
		if running[s.ID] {
			busy = styled("yes", styleOK)
		}

		reset := "-"
		if s.ResetEpoch > 0 {
			reset = s.RateLimit().ResetAt().UTC().Format(time.RFC3339)
		}

		updated := "never"
		if !s.UpdatedAt.IsZero() {
			updated = s.UpdatedAt.UTC().Format(time.RFC3339)
		}

		lastErr := styled("-", styleDim)
		if s.LastError != "" {
			lastErr = styled(s.LastError, styleBad)
		}

		t.add(
			plain(s.ID),
			gate,
			busy,
			plain(fmt.Sprintf("%d/%d", s.Remaining, s.Limit)),
			plain(reset),
			plain(updated),
			lastErr,
		)
	}
	t.render(w)
}
