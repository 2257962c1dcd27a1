package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/edgewatch/internal/database"
	"github.com/dbsmedya/edgewatch/internal/scraper"
	"github.com/dbsmedya/edgewatch/internal/types"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage watched accounts",
	Long: `Watch manages the accounts whose "following" lists are scraped.

Examples:
  edgewatch watch add @alice bob
  edgewatch watch seed
  edgewatch watch list
  edgewatch watch remove 783214`,
}

var watchAddCmd = &cobra.Command{
	Use:   "add <handle>...",
	Short: "Watch accounts by handle",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnroll(cmd, args)
	},
}

var watchSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Watch every handle listed under seeds in the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnroll(cmd, nil)
	},
}

var watchRemoveCmd = &cobra.Command{
	Use:   "remove <external-id>...",
	Short: "Stop watching accounts; their edge history is kept",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWatchRemove,
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watched accounts",
	RunE:  runWatchList,
}

func init() {
	watchCmd.AddCommand(watchAddCmd, watchSeedCmd, watchRemoveCmd, watchListCmd)
	rootCmd.AddCommand(watchCmd)
}

func runEnroll(cmd *cobra.Command, handles []string) error {
	ctx := database.SetupSignalHandler()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if handles == nil {
		handles = a.cfg.Seeds
		if len(handles) == 0 {
			cmd.Println("No seeds configured")
			return nil
		}
	}

	result, err := enroll(ctx, a, handles)
	if err != nil {
		return err
	}

	printEnrollResult(cmd.OutOrStdout(), result)
	return nil
}

func enroll(ctx context.Context, a *app, handles []string) (*scraper.EnrollResult, error) {
	src, err := newSource(&a.cfg.Source)
	if err != nil {
		return nil, err
	}
	entities, err := a.entities()
	if err != nil {
		return nil, err
	}
	accounts, err := a.accounts()
	if err != nil {
		return nil, err
	}

	enroller, err := scraper.NewEnroller(entities, accounts, src, a.log)
	if err != nil {
		return nil, err
	}
	return enroller.Watch(ctx, handles)
}

func printEnrollResult(w io.Writer, result *scraper.EnrollResult) {
	for _, h := range result.Added {
		fmt.Fprintf(w, "%s @%s\n", styleOK.Sprint("watching"), h)
	}
	for _, h := range result.Rewatched {
		fmt.Fprintf(w, "%s @%s\n", styleDim.Sprint("already watched"), h)
	}
	for _, h := range result.Skipped {
		fmt.Fprintf(w, "%s @%s (not found)\n", styleWarn.Sprint("skipped"), h)
	}
	fmt.Fprintf(w, "\n%d added, %d already watched, %d skipped\n",
		len(result.Added), len(result.Rewatched), len(result.Skipped))
}

func runWatchRemove(cmd *cobra.Command, args []string) error {
	ctx := database.SetupSignalHandler()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	accounts, err := a.accounts()
	if err != nil {
		return err
	}
	for _, id := range args {
		acc, err := accounts.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("cannot remove %s: %w", id, err)
		}
		if err := accounts.Unwatch(ctx, id); err != nil {
			return err
		}
		if acc.Handle != "" {
			cmd.Printf("Stopped watching @%s (%s)\n", acc.Handle, id)
		} else {
			cmd.Printf("Stopped watching %s\n", id)
		}
	}
	return nil
}

func runWatchList(cmd *cobra.Command, args []string) error {
	ctx := database.SetupSignalHandler()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	accounts, err := a.accounts()
	if err != nil {
		return err
	}
	list, err := accounts.List(ctx)
	if err != nil {
		return err
	}

	renderAccounts(cmd.OutOrStdout(), list)
	return nil
}

func renderAccounts(w io.Writer, accounts []types.WatchedAccount) {
	if len(accounts) == 0 {
		fmt.Fprintln(w, "No watched accounts")
		return
	}

	t := newTable("EXTERNAL ID", "HANDLE", "STATE", "EDGES", "DRIFT", "LAST FULL", "LAST PARTIAL", "PROFILE")
	for _, acc := range accounts {
		state := styled("active", styleOK)
		switch {
		case !acc.Scrapable:
			state = styled("unscrapable", styleBad)
		case !acc.Marked:
			state = styled("unwatched", styleDim)
		}

		t.add(
			plain(acc.ExternalID),
			plain(orDash(acc.Handle)),
			state,
			plain(strconv.Itoa(acc.LastKnownEdgeCount)),
			plain(strconv.Itoa(acc.EdgeCountDrift)),
			plain(formatTime(acc.LastFullScrapedAt)),
			plain(formatTime(acc.LastPartialScrapedAt)),
			plain(formatTime(acc.ProfileScrapedAt)),
		)
	}
	t.render(w)
}
