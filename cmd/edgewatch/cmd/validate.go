package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/edgewatch/internal/config"
	"github.com/dbsmedya/edgewatch/internal/database"
	"github.com/dbsmedya/edgewatch/internal/source"
)

var validateConnect bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate checks the configuration file for required fields and valid
values, loads the configured source, and with --connect also pings MySQL.

Example:
  edgewatch validate --config edgewatch.yaml --connect`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateConnect, "connect", false,
		"Also check database connectivity")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		cmd.Printf("%s %s\n", styleBad.Sprint("✗"), err)
		return fmt.Errorf("configuration is invalid")
	}

	printConfigSummary(cmd, cfg)

	src, err := newSource(&cfg.Source)
	if err != nil {
		cmd.Printf("%s %v\n", styleBad.Sprint("✗"), err)
		return fmt.Errorf("source is not usable")
	}
	if _, ok := src.(source.LikesSource); cfg.Likes.Enabled && !ok {
		cmd.Printf("%s source %s cannot list likes\n", styleBad.Sprint("✗"), cfg.Source.Kind)
		return fmt.Errorf("source is not usable")
	}
	cmd.Printf("%s source %s\n", styleOK.Sprint("✓"), cfg.Source.Kind)

	if validateConnect {
		dbManager := database.NewManager(&cfg.Database)
		if err := dbManager.Connect(context.Background()); err != nil {
			cmd.Printf("%s %v\n", styleBad.Sprint("✗"), err)
			return fmt.Errorf("database is not reachable")
		}
		defer dbManager.Close()
		cmd.Printf("%s database %s:%d/%s\n", styleOK.Sprint("✓"),
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	}

	cmd.Println(styleOK.Sprint("Configuration is valid"))
	return nil
}

func printConfigSummary(cmd *cobra.Command, cfg *config.Config) {
	cmd.Printf("Config file: %s\n", GetConfigFile())
	cmd.Printf("Identities:  %s\n", strings.Join(cfg.Identities(), ", "))
	cmd.Printf("Following:   schedule=%q policy=%s window=%02d:00-%02d:00 %s\n",
		cfg.Following.Schedule, cfg.Following.Refresh.Policy,
		cfg.Following.Refresh.FullWindowStart, cfg.Following.Refresh.FullWindowEnd,
		cfg.Following.Refresh.Timezone)
	if cfg.Profiles.Enabled {
		cmd.Printf("Profiles:    schedule=%q batch=%d rps=%g\n",
			cfg.Profiles.Schedule, cfg.Profiles.BatchSize, cfg.Profiles.RequestsPerSecond)
	}
	if cfg.Likes.Enabled {
		cmd.Printf("Likes:       schedule=%q interval=%s\n", cfg.Likes.Schedule, cfg.Likes.Interval)
	}
	cmd.Printf("Seeds:       %d\n", len(cfg.Seeds))
}
