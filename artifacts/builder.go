package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/lexcodex/widgetry/framework"
)

// ErrNoPackageJSON is returned when the project has no front-end manifest to
// build from.
var ErrNoPackageJSON = errors.New("package.json not found")

// DefaultBuildCommand is run from the project root to render widgets into the
// assets directory.
var DefaultBuildCommand = []string{"npm", "run", "build"}

// Builder runs the external front-end build and indexes what it produced.
type Builder struct {
	Root      string
	AssetsDir string
	Command   []string
	Timeout   time.Duration
	Runner    framework.CommandRunner
	Telemetry framework.Telemetry
}

// BuildOutput is what the build command printed.
type BuildOutput struct {
	Stdout string
	Stderr string
}

// Build runs the build command in the project root.
func (b *Builder) Build(ctx context.Context) (BuildOutput, error) {
	if b == nil {
		return BuildOutput{}, errors.New("builder missing")
	}
	if _, err := os.Stat(filepath.Join(b.Root, "package.json")); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return BuildOutput{}, fmt.Errorf("%w in %s", ErrNoPackageJSON, b.Root)
		}
		return BuildOutput{}, err
	}
	args := b.Command
	if len(args) == 0 {
		args = DefaultBuildCommand
	}
	runner := b.Runner
	if runner == nil {
		runner = framework.ExecCommandRunner{}
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	framework.EmitTo(b.Telemetry, framework.Event{
		Type:    framework.EventBuildStart,
		Message: "Building widgets",
	})
	stdout, stderr, err := runner.Run(ctx, framework.CommandRequest{
		Workdir: b.Root,
		Args:    args,
		Timeout: timeout,
	})
	out := BuildOutput{Stdout: stdout, Stderr: stderr}
	if err != nil {
		err = framework.CommandError(args, stderr, err)
		framework.EmitTo(b.Telemetry, framework.Event{
			Type:    framework.EventBuildFailed,
			Level:   framework.LevelError,
			Message: fmt.Sprintf("Widget build failed: %v", err),
		})
		return out, err
	}
	framework.EmitTo(b.Telemetry, framework.Event{
		Type:    framework.EventBuildFinish,
		Message: "Widget build completed",
	})
	return out, nil
}

// BuildAll runs the build and returns the freshly indexed assets.
func (b *Builder) BuildAll(ctx context.Context) (map[string]framework.BuildResult, error) {
	if _, err := b.Build(ctx); err != nil {
		return nil, err
	}
	return Scan(b.assetsDir())
}

func (b *Builder) assetsDir() string {
	if b.AssetsDir == "" {
		return filepath.Join(b.Root, "assets")
	}
	if filepath.IsAbs(b.AssetsDir) {
		return b.AssetsDir
	}
	return filepath.Join(b.Root, b.AssetsDir)
}
