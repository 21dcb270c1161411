package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sessionlog/sessiondb/internal/config"
	"github.com/sessionlog/sessiondb/internal/search"
	"github.com/sessionlog/sessiondb/internal/store"
)

func searchCmd() *cobra.Command {
	var opts search.Options
	var prompts bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over imported messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.PostgresURL != "" {
				return fmt.Errorf("search uses the embedded SQLite index; query Postgres tsvector columns directly")
			}

			st, err := store.OpenSQLite(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			opts.Query = args[0]

			if prompts {
				results, err := search.Prompts(cmd.Context(), st.Raw(), opts)
				if err != nil {
					return err
				}
				for _, r := range results {
					fmt.Printf("%s  %s\n    %s\n", r.Timestamp, r.ProjectPath, r.Prompt)
				}
				if len(results) == 0 {
					fmt.Println("no matches")
				}
				return nil
			}

			results, err := search.Messages(cmd.Context(), st.Raw(), opts)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Printf("%s  %s  [%s/%s]\n    %s\n", r.SessionID, r.StartedAt, r.ProjectPath, r.Role, r.Snippet)
			}
			if len(results) == 0 {
				fmt.Println("no matches")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Project, "project", "", "Filter by project path substring")
	cmd.Flags().StringVar(&opts.Role, "role", "", "Filter by message role")
	cmd.Flags().StringVar(&opts.Since, "since", "", "Only sessions started on or after this date (YYYY-MM-DD)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "Maximum results")
	cmd.Flags().BoolVar(&prompts, "prompts", false, "Search prompt history instead of messages")
	return cmd
}
