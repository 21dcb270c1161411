package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sessionlog/sessiondb/internal/config"
	"github.com/sessionlog/sessiondb/internal/render"
)

func showCmd() *cobra.Command {
	var opts render.Options

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session transcript to the terminal",
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

			if opts.Width == 0 {
				if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					opts.Width = w
				}
			}

			fmt.Print(render.Session(sess, tags, opts))
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Width, "width", 0, "Wrap width (default terminal width)")
	cmd.Flags().StringVar(&opts.Query, "highlight", "", "Highlight matching keywords")
	cmd.Flags().BoolVar(&opts.ShowTools, "tools", false, "Show tool invocations")
	return cmd
}
