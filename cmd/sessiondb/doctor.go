package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sessionlog/sessiondb/internal/config"
	"github.com/sessionlog/sessiondb/internal/ingest"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Self-check: verify log root, storage, FTS, and show row counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			fmt.Println("=== Log Root ===")
			checkDir(cfg.LogRoot)

			fmt.Println("\n=== File Scan ===")
			artifacts, err := ingest.Scan(cfg.LogRoot)
			if err != nil {
				fmt.Printf("  scan error: %v\n", err)
			} else {
				byFormat := map[string]int{}
				for _, a := range artifacts {
					byFormat[a.Format.String()]++
				}
				for format, n := range byFormat {
					fmt.Printf("  %-12s %d\n", format+":", n)
				}
				if len(artifacts) == 0 {
					fmt.Println("  no artifacts found")
				}
			}

			fmt.Println("\n=== Storage ===")
			if cfg.PostgresURL != "" {
				fmt.Println("  Backend: postgres")
			} else {
				fmt.Printf("  Backend: sqlite (%s)\n", cfg.DBPath)
				if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
					fmt.Println("  Status: NOT FOUND (run 'sessiondb ingest' first)")
					return nil
				}
			}

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			counts, err := st.Counts(cmd.Context())
			if err != nil {
				return fmt.Errorf("counts: %w", err)
			}

			fmt.Printf("  Sessions:     %d\n", counts.Sessions)
			fmt.Printf("  Messages:     %d\n", counts.Messages)
			fmt.Printf("  Tool calls:   %d\n", counts.ToolCalls)
			fmt.Printf("  File changes: %d\n", counts.FileChanges)
			fmt.Printf("  Tags:         %d\n", counts.Tags)
			fmt.Printf("  Prompts:      %d\n", counts.Prompts)
			fmt.Printf("  Plans:        %d\n", counts.Plans)
			fmt.Printf("  Todos:        %d\n", counts.Todos)
			fmt.Printf("  Usage stats:  %d\n", counts.UsageStats)

			fmt.Println("\n=== Full-Text Index ===")
			fmt.Printf("  Entries: %d\n", counts.FTS)
			if counts.FTS == counts.Messages {
				fmt.Println("  Status: OK (synced)")
			} else {
				fmt.Printf("  Status: MISMATCH (messages=%d, fts=%d)\n", counts.Messages, counts.FTS)
			}

			return nil
		},
	}
}

func checkDir(path string) {
	if info, err := os.Stat(path); err != nil {
		fmt.Printf("  %s (NOT FOUND)\n", path)
	} else if !info.IsDir() {
		fmt.Printf("  %s (NOT A DIRECTORY)\n", path)
	} else {
		fmt.Printf("  %s (OK)\n", path)
	}
}
