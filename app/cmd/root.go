package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lexcodex/widgetry/internal/project"
)

var (
	cfgFile   string
	workspace string

	projectCfg project.Config
)

// Execute is the entry point for the CLI. Interrupts cancel the command's
// context; any error exits with status 1.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ExecuteContext runs the command tree with ctx.
func ExecuteContext(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// annotationLenientConfig marks commands that must run when the project
// file fails to load.
const annotationLenientConfig = "widgetry/lenient-config"

func lenientConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[annotationLenientConfig] == "true" {
			return true
		}
	}
	return false
}

// fallbackConfig is the default configuration pointed at the project file
// that failed to load.
func fallbackConfig(workspace string) (project.Config, error) {
	cfg := project.DefaultConfig()
	cfg.Workspace = workspace
	path, err := project.Locate(workspace)
	if err != nil {
		return project.Config{}, err
	}
	cfg.ConfigPath = path
	if err := cfg.Normalize(); err != nil {
		return project.Config{}, err
	}
	return cfg, nil
}

// NewRootCmd wires the cobra tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "widgetry",
		Short:         "Build, serve and tunnel ChatGPT widget tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if workspace == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				workspace = wd
			}
			cfg, err := project.Load(workspace)
			if err != nil {
				if !lenientConfig(cmd) {
					return err
				}
				if cfg, err = fallbackConfig(workspace); err != nil {
					return err
				}
			}
			projectCfg = cfg
			if cfgFile == "" {
				cfgFile = cfg.ConfigPath
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&workspace, "workspace", "", "Project directory")
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to the project file (config.yaml or widgetry.toml)")

	root.AddCommand(
		newDevCmd(),
		newServeCmd(),
		newBuildCmd(),
		newInitCmd(),
		newConfigCmd(),
		newSessionsCmd(),
		newVersionCmd(),
	)
	return root
}
