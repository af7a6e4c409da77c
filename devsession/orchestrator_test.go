package devsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lexcodex/widgetry/framework"
	"github.com/lexcodex/widgetry/persistence"
	"github.com/lexcodex/widgetry/tunnel"
)

type fakeProcess struct {
	stopped chan struct{}
	once    sync.Once
	out     *io.PipeWriter
}

func (p *fakeProcess) stop() {
	p.once.Do(func() {
		close(p.stopped)
		_ = p.out.Close()
	})
}

func (p *fakeProcess) Interrupt() error { p.stop(); return nil }
func (p *fakeProcess) Kill() error      { p.stop(); return nil }
func (p *fakeProcess) Wait() error      { <-p.stopped; return nil }

func (p *fakeProcess) terminated() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

type fakeLauncher struct {
	announce string
	procs    []*fakeProcess
}

func (l *fakeLauncher) Launch(binary string, args ...string) (tunnel.Process, io.Reader, error) {
	r, w := io.Pipe()
	proc := &fakeProcess{stopped: make(chan struct{}), out: w}
	l.procs = append(l.procs, proc)
	go func() {
		fmt.Fprintln(w, "INF Requesting new quick Tunnel on trycloudflare.com...")
		if l.announce != "" {
			fmt.Fprintf(w, "INF |  %s  |\n", l.announce)
		}
	}()
	return proc, r, nil
}

type fakeRunner struct {
	installed bool
	calls     [][]string
}

func (r *fakeRunner) Run(ctx context.Context, req framework.CommandRequest) (string, string, error) {
	r.calls = append(r.calls, req.Args)
	if len(req.Args) > 1 && req.Args[1] == "--version" && !r.installed {
		return "", "", errors.New("executable file not found in $PATH")
	}
	return "", "", nil
}

type fakeServer struct {
	failWith  error
	exitAfter time.Duration
	addr      chan string
	cancelled chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{addr: make(chan string, 1), cancelled: make(chan struct{})}
}

func (s *fakeServer) Serve(ctx context.Context, addr string) error {
	s.addr <- addr
	if s.failWith != nil {
		return s.failWith
	}
	if s.exitAfter > 0 {
		select {
		case <-time.After(s.exitAfter):
			return nil
		case <-ctx.Done():
		}
	}
	<-ctx.Done()
	close(s.cancelled)
	return ctx.Err()
}

type memoryHistory struct {
	mu      sync.Mutex
	begun   []persistence.SessionRecord
	results map[string]persistence.SessionStatus
}

func (h *memoryHistory) Begin(ctx context.Context, record persistence.SessionRecord) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.begun = append(h.begun, record)
	return fmt.Sprintf("s%d", len(h.begun)), nil
}

func (h *memoryHistory) Finish(ctx context.Context, id string, status persistence.SessionStatus, sessionErr error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.results == nil {
		h.results = make(map[string]persistence.SessionStatus)
	}
	h.results[id] = status
	return nil
}

type harness struct {
	orch     *Orchestrator
	launcher *fakeLauncher
	runner   *fakeRunner
	server   *fakeServer
	history  *memoryHistory
	events   *framework.MemoryTelemetry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "server"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "server", "main.go"), []byte("package main\n"), 0o644))
	h := &harness{
		launcher: &fakeLauncher{announce: "https://brave-otter.trycloudflare.com"},
		runner:   &fakeRunner{installed: true},
		server:   newFakeServer(),
		history:  &memoryHistory{},
		events:   &framework.MemoryTelemetry{},
	}
	sup := &tunnel.Supervisor{
		Launcher:   h.launcher,
		Runner:     h.runner,
		URLTimeout: time.Second,
		Grace:      time.Second,
		GOOS:       "plan9",
	}
	h.orch = &Orchestrator{
		Workspace:    ws,
		Tunnel:       sup,
		Server:       h.server,
		History:      h.history,
		Telemetry:    h.events,
		StartupDelay: 20 * time.Millisecond,
		StopTimeout:  time.Second,
	}
	return h
}

func (h *harness) messages() []string {
	var out []string
	for _, ev := range h.events.Events() {
		out = append(out, ev.Message)
	}
	return out
}

func TestRunStopsCleanlyOnInterrupt(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var status Status
	h.orch.Ready = func(s Status) {
		status = s
		cancel()
	}

	err := h.orch.Run(ctx, Options{Host: "127.0.0.1", Port: 8123})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8123", <-h.server.addr)
	require.Equal(t, Status{
		LocalURL:  "http://127.0.0.1:8123",
		PublicURL: "https://brave-otter.trycloudflare.com",
		MCPURL:    "https://brave-otter.trycloudflare.com/mcp",
	}, status)

	select {
	case <-h.server.cancelled:
	default:
		t.Fatal("serving task was not cancelled")
	}
	require.Len(t, h.launcher.procs, 1)
	require.True(t, h.launcher.procs[0].terminated())
	require.Equal(t, persistence.StatusStopped, h.history.results["s1"])
	require.Equal(t, "https://brave-otter.trycloudflare.com", h.history.begun[0].PublicURL)
	require.Contains(t, h.messages(), "Server stopped")
}

func TestRunRejectsNonProjectDirectory(t *testing.T) {
	h := newHarness(t)
	h.orch.Workspace = t.TempDir()

	err := h.orch.Run(context.Background(), Options{Port: 8001})
	require.ErrorIs(t, err, ErrNotProjectRoot)
	require.Empty(t, h.launcher.procs)
	require.Empty(t, h.runner.calls)
}

func TestRunFailsWhenInstallFails(t *testing.T) {
	h := newHarness(t)
	h.runner.installed = false

	err := h.orch.Run(context.Background(), Options{Port: 8001})
	require.ErrorIs(t, err, tunnel.ErrUnsupportedPlatform)
	require.Empty(t, h.launcher.procs)
	errs := h.events.ByLevel(framework.LevelError)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Message, "Manual installation")
}

func TestRunFailsWhenTunnelNeverAnnounces(t *testing.T) {
	h := newHarness(t)
	h.launcher.announce = ""
	h.orch.Tunnel.(*tunnel.Supervisor).URLTimeout = 100 * time.Millisecond

	err := h.orch.Run(context.Background(), Options{Port: 8001})
	require.ErrorIs(t, err, tunnel.ErrURLTimeout)
	require.True(t, h.launcher.procs[0].terminated())
	require.Empty(t, h.server.addr)
	require.Empty(t, h.history.begun)
}

func TestRunTerminatesTunnelWhenServerFailsToStart(t *testing.T) {
	h := newHarness(t)
	h.server.failWith = errors.New("listen tcp :8001: address already in use")
	ready := false
	h.orch.Ready = func(Status) { ready = true }

	err := h.orch.Run(context.Background(), Options{Port: 8001})
	require.ErrorIs(t, err, ErrServerExited)
	require.ErrorContains(t, err, "address already in use")
	require.False(t, ready)
	require.True(t, h.launcher.procs[0].terminated())
	require.Equal(t, persistence.StatusFailed, h.history.results["s1"])
}

func TestRunReportsServerExitAfterStartup(t *testing.T) {
	h := newHarness(t)
	h.server.exitAfter = 100 * time.Millisecond
	ready := false
	h.orch.Ready = func(Status) { ready = true }

	err := h.orch.Run(context.Background(), Options{Port: 8001})
	require.ErrorIs(t, err, ErrServerExited)
	require.True(t, ready)
	require.True(t, h.launcher.procs[0].terminated())
}

func TestRunInstallsMissingTunnel(t *testing.T) {
	h := newHarness(t)
	h.runner.installed = false
	h.orch.Tunnel.(*tunnel.Supervisor).GOOS = "darwin"
	ctx, cancel := context.WithCancel(context.Background())
	h.orch.Ready = func(Status) { cancel() }

	require.NoError(t, h.orch.Run(ctx, Options{Port: 8001}))
	require.Equal(t, []string{"brew", "install", "cloudflare/cloudflare/cloudflared"}, h.runner.calls[1])
	require.Contains(t, h.messages(), "cloudflared installed successfully")
}

func TestProcessServerInterruptsChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	var out strings.Builder
	ready := make(chan struct{})
	srv := &ProcessServer{
		Workdir: t.TempDir(),
		Command: []string{"sh", "-c", "echo listening on $2:$4; sleep 30", "sh"},
		Stdout:  writerFunc(func(p []byte) (int, error) {
			out.Write(p)
			select {
			case <-ready:
			default:
				close(ready)
			}
			return len(p), nil
		}),
		Grace: time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, "127.0.0.1:8001") }()

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("child never started")
	}
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("child was not interrupted")
	}
	require.Contains(t, out.String(), "listening on 127.0.0.1:8001")
}

func TestProcessServerReportsExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	srv := &ProcessServer{Command: []string{"sh", "-c", "exit 3", "sh"}, Stdout: io.Discard, Stderr: io.Discard}
	err := srv.Serve(context.Background(), "0.0.0.0:8001")
	require.ErrorContains(t, err, "exited with code 3")
}

func TestProcessServerRejectsBadAddress(t *testing.T) {
	srv := &ProcessServer{}
	require.Error(t, srv.Serve(context.Background(), "8001"))
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
