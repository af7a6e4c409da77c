package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lexcodex/widgetry/framework"
)

// ErrUnsupportedPlatform is returned by Install on platforms without an
// automatic installation path.
var ErrUnsupportedPlatform = errors.New("automatic installation is not supported on this platform")

const (
	// DefaultReleaseURL is the download prefix of the tunnel release binaries.
	DefaultReleaseURL  = "https://github.com/cloudflare/cloudflared/releases/latest/download"
	brewFormula        = "cloudflare/cloudflare/cloudflared"
	windowsInstallPath = `C:\Windows\System32\cloudflared.exe`
	installDocsURL     = "https://developers.cloudflare.com/cloudflare-one/connections/connect-networks/downloads/"
	installTimeout     = 5 * time.Minute
)

// InstallError describes a failed installation and how to finish it by hand.
type InstallError struct {
	Platform string
	Err      error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install cloudflared on %s: %v", e.Platform, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Instructions returns manual installation steps for the platform.
func (e *InstallError) Instructions() string {
	return ManualInstructions(e.Platform)
}

// ManualInstructions lists the manual installation steps for goos.
func ManualInstructions(goos string) string {
	switch goos {
	case "darwin":
		return "brew install " + brewFormula
	case "linux":
		return fmt.Sprintf("curl -L %s/cloudflared-linux-amd64 -o cloudflared && chmod +x cloudflared && sudo mv cloudflared /usr/local/bin/\nSee %s", DefaultReleaseURL, installDocsURL)
	case "windows":
		return fmt.Sprintf("Download %s/cloudflared-windows-amd64.exe and place it on your PATH as cloudflared.exe\nSee %s", DefaultReleaseURL, installDocsURL)
	default:
		return "See " + installDocsURL
	}
}

// Install puts the tunnel binary on the machine using the platform's usual
// channel.
func (s *Supervisor) Install(ctx context.Context) error {
	goos := s.goos()
	s.setState(StateNotInstalled)
	framework.EmitTo(s.Telemetry, framework.Event{
		Type:    framework.EventTunnelInstall,
		Message: fmt.Sprintf("Installing cloudflared for %s/%s", goos, s.goarch()),
	})
	var err error
	switch goos {
	case "darwin":
		err = s.run(ctx, "brew", "install", brewFormula)
	case "linux":
		err = s.installLinux(ctx)
	case "windows":
		script := fmt.Sprintf("Invoke-WebRequest -Uri '%s/cloudflared-windows-amd64.exe' -OutFile '%s'", s.releaseURL(), windowsInstallPath)
		err = s.run(ctx, "powershell", "-Command", script)
	default:
		err = ErrUnsupportedPlatform
	}
	if err != nil {
		s.setState(StateFailed)
		installErr := &InstallError{Platform: goos, Err: err}
		framework.EmitTo(s.Telemetry, framework.Event{
			Type:    framework.EventTunnelFailed,
			Level:   framework.LevelError,
			Message: installErr.Error(),
		})
		return installErr
	}
	s.setState(StateInstalled)
	return nil
}

func (s *Supervisor) installLinux(ctx context.Context) error {
	url := fmt.Sprintf("%s/cloudflared-linux-%s", s.releaseURL(), s.goarch())
	tmp, err := s.download(ctx, url)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Chmod(tmp, 0o755); err != nil {
		return err
	}
	dir := s.InstallDir
	if dir == "" {
		dir = "/usr/local/bin"
	}
	return s.run(ctx, "sudo", "mv", tmp, filepath.Join(dir, "cloudflared"))
}

func (s *Supervisor) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: %s", url, resp.Status)
	}
	f, err := os.CreateTemp("", "cloudflared-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (s *Supervisor) run(ctx context.Context, args ...string) error {
	_, stderr, err := s.runner().Run(ctx, framework.CommandRequest{
		Args:    args,
		Timeout: installTimeout,
	})
	if err != nil {
		return framework.CommandError(args, strings.TrimSpace(stderr), err)
	}
	return nil
}

func (s *Supervisor) releaseURL() string {
	if s.ReleaseURL == "" {
		return DefaultReleaseURL
	}
	return strings.TrimSuffix(s.ReleaseURL, "/")
}
