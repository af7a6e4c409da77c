package cmd

import (
	"io"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lexcodex/widgetry/app/tui"
	"github.com/lexcodex/widgetry/devsession"
	"github.com/lexcodex/widgetry/framework"
	"github.com/lexcodex/widgetry/internal/project"
	"github.com/lexcodex/widgetry/persistence"
	"github.com/lexcodex/widgetry/plugins"
	"github.com/lexcodex/widgetry/server"
	"github.com/lexcodex/widgetry/tunnel"
)

func newDevCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Start the development server behind a public Cloudflare tunnel",
		Long: `Start the development server behind a public Cloudflare tunnel.

Installs cloudflared when it is missing, opens a quick tunnel to the local
port, builds the widgets and serves the project's tools until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := projectCfg
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			out := cmd.OutOrStdout()
			console := tui.NewConsole(out)

			logFile, err := openAppend(cfg.LogPath)
			if err != nil {
				return err
			}
			defer logFile.Close()
			logger := newLogger(logFile)

			sinks := []framework.Telemetry{console}
			if events, err := openEventLog(cfg); err == nil {
				defer events.Close()
				sinks = append(sinks, events)
			} else {
				logger.Printf("event log disabled: %v", err)
			}
			telemetry := framework.MultiplexTelemetry{Sinks: sinks}

			orch := &devsession.Orchestrator{
				Workspace:  cfg.Workspace,
				EntryPoint: cfg.EntryPoint,
				Tunnel: &tunnel.Supervisor{
					Binary:     cfg.TunnelBinary,
					URLTimeout: cfg.TunnelTimeout,
					Telemetry:  telemetry,
					Logger:     logger,
				},
				Server:       devServer(cfg, telemetry, logger, out, cmd.ErrOrStderr()),
				Telemetry:    telemetry,
				Logger:       logger,
				StartupDelay: cfg.StartupDelay,
				Ready:        console.Ready,
			}
			if store, err := persistence.NewSQLiteSessionStore(cfg.HistoryPath); err == nil {
				defer store.Close()
				orch.History = store
			} else {
				logger.Printf("session history disabled: %v", err)
			}
			if tui.IsTerminal(out) {
				orch.Progress = console.Progress
			}
			return orch.Run(cmd.Context(), devsession.Options{Host: cfg.Host, Port: cfg.Port})
		},
	}
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Host to bind the server to")
	cmd.Flags().IntVar(&port, "port", 8001, "Port to run the server on")
	return cmd
}

// devServer serves in process when this binary links the project's tools,
// and otherwise runs the project's own server entry point.
func devServer(cfg project.Config, telemetry framework.Telemetry, logger *log.Logger, stdout, stderr io.Writer) devsession.Server {
	if plugins.HasUnits() {
		return &server.Pipeline{
			Name:      cfg.Name,
			Root:      cfg.Workspace,
			ToolsDir:  cfg.ToolsDir,
			AssetsDir: cfg.AssetsDir,
			Build:     true,
			Builder:   newBuilder(cfg, telemetry),
			Telemetry: telemetry,
			Logger:    logger,
		}
	}
	logger.Printf("no tools linked; serving through %s", strings.Join(devsession.DefaultServeCommand, " "))
	return &devsession.ProcessServer{
		Workdir: cfg.Workspace,
		Stdout:  stdout,
		Stderr:  stderr,
	}
}
