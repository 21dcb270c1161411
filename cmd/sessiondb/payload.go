package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sessionlog/sessiondb/internal/config"
	"github.com/sessionlog/sessiondb/internal/model"
)

func payloadCmd() *cobra.Command {
	var includeMessages bool

	cmd := &cobra.Command{
		Use:   "payload <session-id>",
		Short: "Print the canonical upload payload for a session as JSON",
		Args:  cobra.ExactArgs(1),
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

			sess, err := st.LoadSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("load session: %w", err)
			}
			if sess == nil {
				return fmt.Errorf("session %s not found", args[0])
			}

			tags, err := st.SessionTags(cmd.Context(), sess.ID)
			if err != nil {
				return fmt.Errorf("load tags: %w", err)
			}
			labels := make([]string, 0, len(tags))
			for _, t := range tags {
				labels = append(labels, t.Label)
			}

			p := model.BuildPayload(sess, labels, includeMessages)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		},
	}

	cmd.Flags().BoolVar(&includeMessages, "messages", false, "Include full message content")
	return cmd
}
