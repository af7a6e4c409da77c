package server

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/lexcodex/widgetry/artifacts"
	"github.com/lexcodex/widgetry/framework"
	"github.com/lexcodex/widgetry/plugins"
)

// Pipeline assembles a WidgetServer from a project on disk: it indexes (and
// optionally builds) the widget artifacts, discovers tool units and binds
// them together.
type Pipeline struct {
	Name      string
	Root      string
	ToolsDir  string
	AssetsDir string
	// Build runs the widget build before indexing assets.
	Build     bool
	Builder   *artifacts.Builder
	Table     *plugins.Table
	Telemetry framework.Telemetry
	Logger    *log.Logger
	// Stdio serves over In/Out instead of HTTP.
	Stdio bool
	In    io.ReadCloser
	Out   io.WriteCloser
}

// Assemble runs discovery and returns the server object.
func (p *Pipeline) Assemble(ctx context.Context) (*WidgetServer, error) {
	if p == nil {
		return nil, errors.New("pipeline missing")
	}
	logger := p.logger()
	var (
		index map[string]framework.BuildResult
		err   error
	)
	if p.Build {
		logger.Printf("[INFO] Building widgets")
		builder := p.Builder
		if builder == nil {
			builder = &artifacts.Builder{Root: p.Root, AssetsDir: p.AssetsDir, Telemetry: p.Telemetry}
		}
		index, err = builder.BuildAll(ctx)
	} else {
		logger.Printf("[INFO] Loading pre-built widgets from assets")
		index, err = artifacts.Scan(p.resolve(p.AssetsDir, "assets"))
	}
	if err != nil {
		return nil, err
	}
	loader := &plugins.Loader{Table: p.Table, Telemetry: p.Telemetry}
	tools, err := loader.Load(p.resolve(p.ToolsDir, filepath.Join("server", "tools")), index)
	if err != nil {
		return nil, err
	}
	name := p.Name
	if name == "" {
		name = filepath.Base(p.root())
	}
	return NewWidgetServer(name, tools, p.Telemetry, logger), nil
}

// Serve assembles the server and serves it on addr (or stdio) until ctx is
// cancelled.
func (p *Pipeline) Serve(ctx context.Context, addr string) error {
	srv, err := p.Assemble(ctx)
	if err != nil {
		return err
	}
	p.logger().Printf("[START] Starting server with %d tools", srv.Tools.Len())
	if p.Stdio {
		in, out := p.In, p.Out
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stdout
		}
		return srv.ServeStdio(ctx, in, out)
	}
	return srv.ServeContext(ctx, addr)
}

func (p *Pipeline) logger() *log.Logger {
	if p.Logger == nil {
		return log.Default()
	}
	return p.Logger
}

func (p *Pipeline) root() string {
	if p.Root == "" {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	return p.Root
}

func (p *Pipeline) resolve(dir, fallback string) string {
	if dir == "" {
		dir = fallback
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(p.root(), dir)
}
