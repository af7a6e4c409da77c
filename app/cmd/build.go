package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lexcodex/widgetry/app/tui"
	"github.com/lexcodex/widgetry/artifacts"
)

func newBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Build widgets into the assets directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := projectCfg
			out := cmd.OutOrStdout()
			console := tui.NewConsole(out)

			output, err := newBuilder(cfg, console).Build(cmd.Context())
			if err != nil {
				if stderr := strings.TrimSpace(output.Stderr); stderr != "" {
					fmt.Fprintln(out, stderr)
				}
				return err
			}
			if stdout := strings.TrimSpace(output.Stdout); stdout != "" {
				fmt.Fprintln(out, stdout)
			}

			index, err := artifacts.Scan(cfg.AssetsDir)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(index))
			for name := range index {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintf(out, "%d widget(s) in %s\n", len(names), cfg.AssetsDir)
			for _, name := range names {
				fmt.Fprintf(out, "  %s\n", index[name].FileName())
			}
			return nil
		},
	}
}
