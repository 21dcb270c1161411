package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sessionlog/sessiondb/internal/config"
	"github.com/sessionlog/sessiondb/internal/logging"
	"github.com/sessionlog/sessiondb/internal/store"
)

var version = "dev"

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:     "sessiondb",
		Short:   "sessiondb - import coding-assistant session logs into a queryable database",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetVerbose(verbose)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(payloadCmd())
	rootCmd.AddCommand(tagCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(showCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore picks the storage backend from the configured connection
// target: Postgres when a URL is set, embedded SQLite otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.PostgresURL != "" {
		return store.OpenPostgres(ctx, cfg.PostgresURL)
	}
	return store.OpenSQLite(cfg.DBPath)
}
