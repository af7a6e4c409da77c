// Package devsession runs a local development session: a quick tunnel in
// front of the project's MCP server, torn down together on interrupt.
package devsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lexcodex/widgetry/framework"
	"github.com/lexcodex/widgetry/persistence"
	"github.com/lexcodex/widgetry/tunnel"
)

var (
	// ErrNotProjectRoot is returned when the workspace has no server entry
	// point.
	ErrNotProjectRoot = errors.New("not in a widgetry project directory")
	// ErrServerExited is returned when the serving task stops on its own.
	ErrServerExited = errors.New("server exited")
)

const (
	// DefaultStartupDelay lets the server print its boot logs before the
	// status table.
	DefaultStartupDelay = time.Second
	// DefaultStopTimeout bounds the wait for the serving task on shutdown.
	DefaultStopTimeout = 5 * time.Second
)

// Tunnel is the part of the tunnel supervisor a session needs.
type Tunnel interface {
	CheckInstalled(ctx context.Context) bool
	Install(ctx context.Context) error
	Start(ctx context.Context, localPort int) (*tunnel.Session, error)
}

// Server serves the project on addr until ctx is cancelled.
type Server interface {
	Serve(ctx context.Context, addr string) error
}

// SessionRecorder keeps session history.
type SessionRecorder interface {
	Begin(ctx context.Context, record persistence.SessionRecord) (string, error)
	Finish(ctx context.Context, id string, status persistence.SessionStatus, sessionErr error) error
}

// Options are the per-run settings of a session.
type Options struct {
	Host string
	Port int
}

func (o Options) addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Status is what the user needs to connect once the session is up.
type Status struct {
	LocalURL  string
	PublicURL string
	MCPURL    string
}

// Orchestrator sequences one dev session.
type Orchestrator struct {
	Workspace    string
	EntryPoint   string
	Tunnel       Tunnel
	Server       Server
	History      SessionRecorder
	Telemetry    framework.Telemetry
	Logger       *log.Logger
	// StartupDelay defaults to DefaultStartupDelay; a negative value skips it.
	StartupDelay time.Duration
	StopTimeout  time.Duration
	// Ready is called once with the connection details.
	Ready func(Status)
	// Progress shows an activity indicator until the returned func is called.
	Progress func(message string) (stop func())
}

// Run starts the tunnel and the server and blocks until ctx is cancelled or
// the server stops. A cancellation-driven stop returns nil.
func (o *Orchestrator) Run(ctx context.Context, opts Options) error {
	if o.Tunnel == nil || o.Server == nil {
		return errors.New("orchestrator requires a tunnel and a server")
	}
	if opts.Host == "" {
		opts.Host = "0.0.0.0"
	}
	if err := o.validate(); err != nil {
		o.emit(framework.LevelError, err.Error())
		return err
	}
	if err := o.ensureTunnel(ctx); err != nil {
		return err
	}

	stop := o.progress(fmt.Sprintf("Starting Cloudflare Tunnel on port %d...", opts.Port))
	session, err := o.Tunnel.Start(ctx, opts.Port)
	stop()
	if err != nil {
		err = fmt.Errorf("start tunnel: %w", err)
		o.emit(framework.LevelError, fmt.Sprintf("Failed to start tunnel: %v", err))
		return err
	}
	status := Status{
		LocalURL:  "http://" + opts.addr(),
		PublicURL: session.PublicURL,
		MCPURL:    session.PublicURL + "/mcp",
	}
	recordID := o.begin(opts, session.PublicURL)

	o.emit(framework.LevelInfo, "Starting server...")
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- o.Server.Serve(serveCtx, opts.addr())
	}()

	delay := o.StartupDelay
	switch {
	case delay == 0:
		delay = DefaultStartupDelay
	case delay < 0:
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case err := <-serveErr:
		return o.serverEnded(session, recordID, err)
	case <-ctx.Done():
		return o.shutdown(cancel, serveErr, session, recordID)
	case <-timer.C:
	}

	if o.Ready != nil {
		o.Ready(status)
	}

	select {
	case <-ctx.Done():
		return o.shutdown(cancel, serveErr, session, recordID)
	case err := <-serveErr:
		return o.serverEnded(session, recordID, err)
	}
}

func (o *Orchestrator) validate() error {
	entry := o.EntryPoint
	if entry == "" {
		entry = filepath.Join("server", "main.go")
	}
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(o.Workspace, entry)
	}
	if _, err := os.Stat(entry); err != nil {
		return fmt.Errorf("%w: %s not found; run this command from your project root", ErrNotProjectRoot, entry)
	}
	return nil
}

func (o *Orchestrator) ensureTunnel(ctx context.Context) error {
	if o.Tunnel.CheckInstalled(ctx) {
		return nil
	}
	o.emit(framework.LevelWarning, "cloudflared not found")
	o.emit(framework.LevelInfo, "Installing cloudflared...")
	if err := o.Tunnel.Install(ctx); err != nil {
		var installErr *tunnel.InstallError
		if errors.As(err, &installErr) {
			o.emit(framework.LevelError, fmt.Sprintf("Installation failed: %v\nManual installation:\n  %s", installErr.Err, installErr.Instructions()))
		} else {
			o.emit(framework.LevelError, fmt.Sprintf("Installation failed: %v", err))
		}
		return fmt.Errorf("install tunnel: %w", err)
	}
	o.emit(framework.LevelInfo, "cloudflared installed successfully")
	return nil
}

// serverEnded handles a serving task that stopped without being asked to.
func (o *Orchestrator) serverEnded(session *tunnel.Session, recordID string, serveErr error) error {
	err := ErrServerExited
	if serveErr != nil {
		err = fmt.Errorf("%w: %w", ErrServerExited, serveErr)
	}
	o.emit(framework.LevelError, fmt.Sprintf("Error running server: %v", err))
	if closeErr := session.Close(); closeErr != nil {
		o.logger().Printf("tunnel cleanup: %v", closeErr)
	}
	o.finish(recordID, persistence.StatusFailed, err)
	return err
}

// shutdown stops both resources independently; secondary errors are logged.
func (o *Orchestrator) shutdown(cancel context.CancelFunc, serveErr <-chan error, session *tunnel.Session, recordID string) error {
	o.emit(framework.LevelWarning, "Shutting down server...")
	cancel()
	var errs []error
	timeout := o.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("server: %w", err))
		}
	case <-timer.C:
		errs = append(errs, fmt.Errorf("server did not stop within %s", timeout))
	}
	if err := session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("tunnel: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		o.logger().Printf("shutdown: %v", err)
	}
	o.finish(recordID, persistence.StatusStopped, nil)
	o.emit(framework.LevelInfo, "Server stopped")
	return nil
}

func (o *Orchestrator) begin(opts Options, publicURL string) string {
	if o.History == nil {
		return ""
	}
	id, err := o.History.Begin(context.Background(), persistence.SessionRecord{
		Workspace: o.Workspace,
		Host:      opts.Host,
		Port:      opts.Port,
		PublicURL: publicURL,
		Status:    persistence.StatusRunning,
	})
	if err != nil {
		o.logger().Printf("session history: %v", err)
		return ""
	}
	return id
}

func (o *Orchestrator) finish(id string, status persistence.SessionStatus, sessionErr error) {
	if o.History == nil || id == "" {
		return
	}
	if err := o.History.Finish(context.Background(), id, status, sessionErr); err != nil {
		o.logger().Printf("session history: %v", err)
	}
}

func (o *Orchestrator) emit(level framework.Level, msg string) {
	framework.EmitTo(o.Telemetry, framework.Event{
		Type:    framework.EventSession,
		Level:   level,
		Message: msg,
	})
}

func (o *Orchestrator) progress(msg string) func() {
	if o.Progress == nil {
		o.emit(framework.LevelInfo, msg)
		return func() {}
	}
	return o.Progress(msg)
}

func (o *Orchestrator) logger() *log.Logger {
	if o.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return o.Logger
}
