package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sessionlog/sessiondb/internal/config"
)

func tagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag <session-id> <label>",
		Short: "Manually tag a session (manual tags survive reimports)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			if err := st.AddTag(cmd.Context(), args[0], args[1], false); err != nil {
				return fmt.Errorf("add tag: %w", err)
			}
			fmt.Printf("tagged %s with %q\n", args[0], args[1])
			return nil
		},
	}
}
