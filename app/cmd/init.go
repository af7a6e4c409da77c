package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lexcodex/widgetry/framework"
	"github.com/lexcodex/widgetry/internal/project"
)

// initRunner runs npm install for new projects.
var initRunner framework.CommandRunner = framework.ExecCommandRunner{}

type scaffoldFile struct {
	path string
	body string
}

type scaffoldData struct {
	Name   string
	Module string
}

var scaffold = []scaffoldFile{
	{"go.mod", `module {{.Module}}

go 1.25
`},
	{filepath.Join("server", "main.go"), `package main

import (
	"github.com/lexcodex/widgetry/app/cmd"

	_ "{{.Module}}/server/tools"
)

func main() {
	cmd.Execute()
}
`},
	{filepath.Join("server", "tools", "my_widget_tool.go"), `package tools

import (
	"context"
	"fmt"

	"github.com/lexcodex/widgetry/framework"
	"github.com/lexcodex/widgetry/plugins"
)

func init() {
	plugins.Register(framework.Descriptor{
		Identifier:  "my_widget",
		Title:       "My Widget",
		Description: "Show a greeting widget",
		Invoking:    "Preparing greeting",
		Invoked:     "Greeting ready",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]interface{}{"type": "string", "description": "Who to greet."},
			},
		},
		New: func(framework.BuildResult) (framework.Widget, error) {
			return framework.WidgetFunc{ID: "my_widget", Fn: greet}, nil
		},
	})
}

func greet(ctx context.Context, input framework.Input) (framework.Output, error) {
	name, _ := input["name"].(string)
	if name == "" {
		name = "World"
	}
	return framework.Output{"name": name, "message": fmt.Sprintf("Hello, %s!", name)}, nil
}
`},
	{filepath.Join("widgets", "my_widget", "index.jsx"), `import React from "react";
import { useWidgetProps } from "fastapps";

const box = { padding: "40px", textAlign: "center" };

export default function MyWidget() {
  const props = useWidgetProps();
  return (
    <div style={box}>
      <h1>{props.message || "Hello"}</h1>
    </div>
  );
}
`},
	{"package.json", `{
  "name": {{json .Name}},
  "version": "1.0.0",
  "type": "module",
  "description": "ChatGPT widgets project",
  "scripts": {
    "build": "npx tsx node_modules/fastapps/build-all.mts"
  },
  "dependencies": {
    "fastapps": "^1.0.0",
    "react": "^18.3.1",
    "react-dom": "^18.3.1"
  },
  "devDependencies": {
    "@vitejs/plugin-react": "^4.3.4",
    "fast-glob": "^3.3.2",
    "tsx": "^4.19.2",
    "typescript": "^5.7.2",
    "vite": "^6.0.5"
  }
}
`},
	{filepath.Join(project.StateDir, "config.yaml"), `name: {{yaml .Name}}
port: 8001
tools_dir: server/tools
assets_dir: assets
tunnel:
  binary: cloudflared
  timeout: 30s
`},
	{".gitignore", `node_modules/
npm-debug.log*
*.log
assets/
.widgetry/*.db
.widgetry/*.jsonl
.DS_Store
`},
	{"README.md", `# {{.Name}}

ChatGPT widgets served by widgetry.

    go mod tidy
    go run ./server dev

Tools live in server/tools/*_tool.go; their widget components live in
widgets/<identifier>/ and are built into assets/ by npm run build.
`},
}

func newInitCmd() *cobra.Command {
	var skipInstall bool

	cmd := &cobra.Command{
		Use:   "init [name]",
		Short: "Create a new widget project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := sanitizeName(args[0])
			if name == "" {
				return errors.New("project name required")
			}
			dir := resolvePath(projectCfg.Workspace, name)
			out := cmd.OutOrStdout()
			if err := writeScaffold(dir, scaffoldData{Name: name, Module: name}); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Join(dir, "assets"), 0o755); err != nil {
				return err
			}
			fmt.Fprintf(out, "[OK] Project '%s' created in %s\n", name, dir)
			if !skipInstall {
				installPackages(cmd.Context(), out, dir)
			}
			fmt.Fprintf(out, "\nNext steps:\n  cd %s\n  go mod tidy\n  go run ./server dev\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipInstall, "skip-install", false, "Do not run npm install")
	return cmd
}

// scaffoldFuncs quote user input for the file format it lands in.
var scaffoldFuncs = template.FuncMap{
	"json": func(s string) (string, error) {
		b, err := json.Marshal(s)
		return string(b), err
	},
	"yaml": func(s string) (string, error) {
		var node yaml.Node
		node.SetString(s)
		node.Style = yaml.DoubleQuotedStyle
		b, err := yaml.Marshal(&node)
		return strings.TrimSpace(string(b)), err
	},
}

// writeScaffold renders the project skeleton into dir, which must not exist.
func writeScaffold(dir string, data scaffoldData) error {
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("directory %s already exists", dir)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for _, file := range scaffold {
		tmpl, err := template.New(file.path).Funcs(scaffoldFuncs).Parse(file.body)
		if err != nil {
			return fmt.Errorf("template %s: %w", file.path, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return fmt.Errorf("render %s: %w", file.path, err)
		}
		target := filepath.Join(dir, file.path)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, buf.Bytes(), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func installPackages(ctx context.Context, out io.Writer, dir string) {
	fmt.Fprintln(out, "Installing npm packages...")
	_, _, err := initRunner.Run(ctx, framework.CommandRequest{
		Workdir: dir,
		Args:    []string{"npm", "install"},
		Timeout: 5 * time.Minute,
	})
	if err != nil {
		fmt.Fprintf(out, "[WARNING] npm install failed (%v). Run 'npm install' manually\n", err)
		return
	}
	fmt.Fprintln(out, "npm packages installed")
}
