package cmd

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/lexcodex/widgetry/framework"
	"github.com/lexcodex/widgetry/server"
)

func newServeCmd() *cobra.Command {
	var (
		host      string
		port      int
		build     bool
		stdio     bool
		toolsDir  string
		assetsDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the project's widget tools over MCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := projectCfg
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if toolsDir != "" {
				cfg.ToolsDir = resolvePath(cfg.Workspace, toolsDir)
			}
			if assetsDir != "" {
				cfg.AssetsDir = resolvePath(cfg.Workspace, assetsDir)
			}

			// stdout carries the protocol in stdio mode.
			var console io.Writer = cmd.OutOrStdout()
			if stdio {
				console = cmd.ErrOrStderr()
			}
			logFile, err := openAppend(cfg.LogPath)
			if err != nil {
				return err
			}
			defer logFile.Close()
			logger := newLogger(io.MultiWriter(console, logFile))
			telemetry := framework.LoggerTelemetry{Logger: logger}

			pipeline := &server.Pipeline{
				Name:      cfg.Name,
				Root:      cfg.Workspace,
				ToolsDir:  cfg.ToolsDir,
				AssetsDir: cfg.AssetsDir,
				Build:     build,
				Builder:   newBuilder(cfg, telemetry),
				Telemetry: telemetry,
				Logger:    logger,
				Stdio:     stdio,
			}
			err = pipeline.Serve(cmd.Context(), cfg.Addr())
			if errors.Is(err, context.Canceled) {
				logger.Printf("[INFO] Server stopped")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Host to bind the server to")
	cmd.Flags().IntVar(&port, "port", 8001, "Port to run the server on")
	cmd.Flags().BoolVar(&build, "build", false, "Build widgets before serving")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "Serve MCP over stdin/stdout instead of HTTP")
	cmd.Flags().StringVar(&toolsDir, "tools-dir", "", "Directory holding *_tool.go units (default server/tools)")
	cmd.Flags().StringVar(&assetsDir, "assets-dir", "", "Directory holding built widget HTML (default assets)")
	return cmd
}
