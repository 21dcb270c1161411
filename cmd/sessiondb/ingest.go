package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sessionlog/sessiondb/internal/config"
	"github.com/sessionlog/sessiondb/internal/ingest"
)

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run one scan pass over the log root and import changed artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			fmt.Fprintf(os.Stderr, "Scanning %s\n", cfg.LogRoot)

			stats, err := ingest.New(cfg, st).Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			fmt.Fprintf(os.Stderr, "Done. %s\n", stats)
			return nil
		},
	}
}
