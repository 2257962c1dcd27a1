package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dbsmedya/edgewatch/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the edgewatch tables",
	Long: `Migrate creates the edge log, entity, watched account and scraper state
tables if they do not exist. It is safe to run repeatedly.

Example:
  edgewatch migrate --config edgewatch.yaml`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := database.SetupSignalHandler()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.migrate(ctx); err != nil {
		return err
	}

	cmd.Printf("Tables ready in %s\n", a.cfg.Database.Database)
	return nil
}
