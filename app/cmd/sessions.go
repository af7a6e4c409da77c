package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexcodex/widgetry/app/tui"
	"github.com/lexcodex/widgetry/persistence"
)

func newSessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent dev sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := persistence.NewSQLiteSessionStore(projectCfg.HistoryPath)
			if err != nil {
				return err
			}
			defer store.Close()
			records, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No dev sessions recorded.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), tui.RenderSessions(records, time.Now()))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions to show")
	return cmd
}
