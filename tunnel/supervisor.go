// Package tunnel supervises a cloudflared quick tunnel: it checks for and
// installs the binary, starts the tunnel, reads the public URL off its
// diagnostic output and terminates it.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/lexcodex/widgetry/framework"
)

// DefaultBinary is the tunnel executable looked up on PATH.
const DefaultBinary = "cloudflared"

// State is a step of the tunnel lifecycle.
type State int

const (
	StateNotInstalled State = iota
	StateInstalled
	StateStarting
	StateLive
	StateTerminating
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotInstalled:
		return "not-installed"
	case StateInstalled:
		return "installed"
	case StateStarting:
		return "starting"
	case StateLive:
		return "live"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Supervisor drives the tunnel binary. The zero value uses cloudflared from
// PATH and the host's process and command primitives.
type Supervisor struct {
	Binary     string
	URLTimeout time.Duration
	Grace      time.Duration
	Runner     framework.CommandRunner
	Launcher   Launcher
	HTTPClient *http.Client
	Telemetry  framework.Telemetry
	Logger     *log.Logger
	// Verbose forwards the tunnel's output to Logger once it is live.
	Verbose bool
	// GOOS and GOARCH override the host platform for installation.
	GOOS       string
	GOARCH     string
	ReleaseURL string
	InstallDir string

	mu    sync.Mutex
	state State
}

// State reports the last lifecycle state the supervisor reached.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// CheckInstalled reports whether the tunnel binary runs. Any failure counts
// as not installed.
func (s *Supervisor) CheckInstalled(ctx context.Context) bool {
	_, _, err := s.runner().Run(ctx, framework.CommandRequest{
		Args:    []string{s.binary(), "--version"},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		s.setState(StateNotInstalled)
		return false
	}
	s.setState(StateInstalled)
	return true
}

// Start launches a quick tunnel to localPort and waits for its public URL.
// On any failure the child is terminated before the error is returned.
func (s *Supervisor) Start(ctx context.Context, localPort int) (*Session, error) {
	s.setState(StateStarting)
	target := fmt.Sprintf("http://localhost:%d", localPort)
	framework.EmitTo(s.Telemetry, framework.Event{
		Type:    framework.EventTunnelStarting,
		Message: fmt.Sprintf("Starting Cloudflare Tunnel on port %d", localPort),
	})
	proc, stderr, err := s.launcher().Launch(s.binary(), "tunnel", "--url", target)
	if err != nil {
		return nil, s.fail(fmt.Errorf("start %s: %w", s.binary(), err))
	}
	lines := streamLines(stderr)
	url, err := ExtractPublicURL(ctx, lines, s.URLTimeout)
	if err != nil {
		termErr := Terminate(proc, s.Grace)
		go discard(lines)
		if termErr != nil {
			s.logger().Printf("tunnel cleanup: %v", termErr)
		}
		return nil, s.fail(fmt.Errorf("get tunnel URL from %s: %w", s.binary(), err))
	}
	go s.drain(lines)
	s.setState(StateLive)
	framework.EmitTo(s.Telemetry, framework.Event{
		Type:     framework.EventTunnelLive,
		Message:  fmt.Sprintf("Tunnel live at %s", url),
		Metadata: map[string]interface{}{"url": url, "port": localPort},
	})
	return &Session{
		PublicURL: url,
		LocalPort: localPort,
		proc:      proc,
		grace:     s.Grace,
		telemetry: s.Telemetry,
		state:     StateLive,
	}, nil
}

func (s *Supervisor) fail(err error) error {
	s.setState(StateFailed)
	framework.EmitTo(s.Telemetry, framework.Event{
		Type:    framework.EventTunnelFailed,
		Level:   framework.LevelError,
		Message: err.Error(),
	})
	return err
}

// drain keeps the child's stderr pipe empty for the lifetime of the tunnel.
func (s *Supervisor) drain(lines <-chan string) {
	for line := range lines {
		if s.Verbose {
			s.logger().Printf("[cloudflared] %s", line)
		}
	}
}

func discard(lines <-chan string) {
	for range lines {
	}
}

func (s *Supervisor) binary() string {
	if s.Binary != "" {
		return s.Binary
	}
	return DefaultBinary
}

func (s *Supervisor) runner() framework.CommandRunner {
	if s.Runner == nil {
		return framework.ExecCommandRunner{}
	}
	return s.Runner
}

func (s *Supervisor) launcher() Launcher {
	if s.Launcher == nil {
		return ExecLauncher{}
	}
	return s.Launcher
}

func (s *Supervisor) logger() *log.Logger {
	if s.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return s.Logger
}

func (s *Supervisor) goos() string {
	if s.GOOS != "" {
		return s.GOOS
	}
	return runtime.GOOS
}

func (s *Supervisor) goarch() string {
	if s.GOARCH != "" {
		return s.GOARCH
	}
	return runtime.GOARCH
}

// Session is a live tunnel. It exists only once a public URL is known.
type Session struct {
	PublicURL string
	LocalPort int

	proc      Process
	grace     time.Duration
	telemetry framework.Telemetry

	once  sync.Once
	mu    sync.Mutex
	state State
	err   error
}

// State reports whether the tunnel is live, terminating or terminated.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close terminates the tunnel process. Only the first call does any work;
// later calls return the first result.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.mu.Lock()
		s.state = StateTerminating
		s.mu.Unlock()
		err := Terminate(s.proc, s.grace)
		s.mu.Lock()
		s.state = StateTerminated
		s.err = err
		s.mu.Unlock()
		framework.EmitTo(s.telemetry, framework.Event{
			Type:    framework.EventTunnelStopped,
			Message: "Tunnel stopped",
		})
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
