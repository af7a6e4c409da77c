package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lexcodex/widgetry/artifacts"
	"github.com/lexcodex/widgetry/devsession"
	"github.com/lexcodex/widgetry/framework"
	"github.com/lexcodex/widgetry/internal/project"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigHelpers(t *testing.T) {
	data := map[string]interface{}{
		"tunnel": map[string]interface{}{
			"binary": "cloudflared",
		},
	}
	value, ok := getConfigValue(data, "tunnel.binary")
	require.True(t, ok)
	require.Equal(t, "cloudflared", value)

	require.NoError(t, setConfigValue(data, "tunnel.binary", "/opt/bin/cloudflared"))
	value, ok = getConfigValue(data, "tunnel.binary")
	require.True(t, ok)
	require.Equal(t, "/opt/bin/cloudflared", value)

	require.NoError(t, setConfigValue(data, "port", 9000))
	value, ok = getConfigValue(data, "port")
	require.True(t, ok)
	require.Equal(t, 9000, value)

	require.Error(t, setConfigValue(data, "tunnel..timeout", "1s"))
	_, ok = getConfigValue(data, "tunnel.binary.path")
	require.False(t, ok)
}

func TestConfigSetThenLoad(t *testing.T) {
	ws := t.TempDir()
	t.Setenv(project.EnvTunnelBinary, "")

	out, err := run(t, "--workspace", ws, "config", "set", "port", "9100")
	require.NoError(t, err)
	require.Contains(t, out, "port updated")
	_, err = run(t, "--workspace", ws, "config", "set", "tunnel.timeout", "45s")
	require.NoError(t, err)

	out, err = run(t, "--workspace", ws, "config", "get", "tunnel.timeout")
	require.NoError(t, err)
	require.Equal(t, "45s\n", out)

	cfg, err := project.Load(ws)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Port)
	require.Equal(t, "45s", cfg.TunnelTimeout.String())

	_, err = run(t, "--workspace", ws, "config", "get", "missing")
	require.ErrorContains(t, err, "key missing not found")
}

func TestConfigSetRejectsValuesLoadWouldRefuse(t *testing.T) {
	ws := t.TempDir()
	t.Setenv(project.EnvTunnelBinary, "")

	_, err := run(t, "--workspace", ws, "config", "set", "tunnel.timeout", "45s")
	require.NoError(t, err)
	path := filepath.Join(ws, project.StateDir, "config.yaml")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	for _, args := range [][]string{
		{"tunnel.timeout", "45"},
		{"startup_delay", "soon"},
		{"port", "70000"},
		{"port", "eighty"},
		{"prot", "9000"},
	} {
		_, err = run(t, "--workspace", ws, "config", "set", args[0], args[1])
		require.ErrorContains(t, err, "invalid value for "+args[0])
	}

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, string(before), string(after))

	_, err = run(t, "--workspace", ws, "sessions")
	require.NoError(t, err)
}

func TestConfigRepairsBrokenProjectFile(t *testing.T) {
	ws := t.TempDir()
	t.Setenv(project.EnvTunnelBinary, "")
	require.NoError(t, os.MkdirAll(filepath.Join(ws, project.StateDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, project.StateDir, "config.yaml"),
		[]byte("port: 9100\ntunnel:\n  timeout: \"45\"\n"), 0o644))

	_, err := run(t, "--workspace", ws, "sessions")
	require.ErrorContains(t, err, "parse tunnel.timeout")
	out, err := run(t, "--workspace", ws, "version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "widgetry "))

	out, err = run(t, "--workspace", ws, "config", "get", "tunnel.timeout")
	require.NoError(t, err)
	require.Equal(t, "45\n", out)

	_, err = run(t, "--workspace", ws, "config", "set", "tunnel.timeout", "45s")
	require.NoError(t, err)

	cfg, err := project.Load(ws)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Port)
	require.Equal(t, 45*time.Second, cfg.TunnelTimeout)
	_, err = run(t, "--workspace", ws, "sessions")
	require.NoError(t, err)
}

func TestConfigEditsTOMLProjectFile(t *testing.T) {
	ws := t.TempDir()
	t.Setenv(project.EnvTunnelBinary, "")
	path := filepath.Join(ws, project.TOMLFile)
	require.NoError(t, os.WriteFile(path, []byte(`
name = "albums"
port = 9300

[tunnel]
binary = "/opt/cf"
`), 0o644))

	out, err := run(t, "--workspace", ws, "config", "get", "port")
	require.NoError(t, err)
	require.Equal(t, "9300\n", out)

	_, err = run(t, "--workspace", ws, "config", "set", "host", "127.0.0.1")
	require.NoError(t, err)
	_, err = run(t, "--workspace", ws, "config", "set", "tunnel.timeout", "12")
	require.ErrorContains(t, err, "invalid value for tunnel.timeout")

	require.NoFileExists(t, filepath.Join(ws, project.StateDir, "config.yaml"))
	cfg, err := project.Load(ws)
	require.NoError(t, err)
	require.Equal(t, path, cfg.ConfigPath)
	require.Equal(t, "albums", cfg.Name)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 9300, cfg.Port)
	require.Equal(t, "/opt/cf", cfg.TunnelBinary)
}

type recordingRunner struct {
	calls [][]string
	err   error
}

func (r *recordingRunner) Run(ctx context.Context, req framework.CommandRequest) (string, string, error) {
	r.calls = append(r.calls, req.Args)
	return "", "", r.err
}

func TestInitScaffoldsProject(t *testing.T) {
	ws := t.TempDir()
	runner := &recordingRunner{err: errors.New("npm: not found")}
	prev := initRunner
	initRunner = runner
	t.Cleanup(func() { initRunner = prev })

	out, err := run(t, "--workspace", ws, "init", "My Shop")
	require.NoError(t, err)
	require.Contains(t, out, "Project 'my_shop' created")
	require.Contains(t, out, "Run 'npm install' manually")
	require.Equal(t, [][]string{{"npm", "install"}}, runner.calls)

	dir := filepath.Join(ws, "my_shop")
	for _, rel := range []string{
		"go.mod",
		filepath.Join("server", "main.go"),
		filepath.Join("server", "tools", "my_widget_tool.go"),
		filepath.Join("widgets", "my_widget", "index.jsx"),
		"package.json",
		filepath.Join(".widgetry", "config.yaml"),
		".gitignore",
	} {
		require.FileExists(t, filepath.Join(dir, rel))
	}
	require.DirExists(t, filepath.Join(dir, "assets"))

	main, err := os.ReadFile(filepath.Join(dir, "server", "main.go"))
	require.NoError(t, err)
	require.Contains(t, string(main), `_ "my_shop/server/tools"`)

	cfg, err := project.Load(dir)
	require.NoError(t, err)
	require.Equal(t, "my_shop", cfg.Name)

	_, err = run(t, "--workspace", ws, "init", "my_shop", "--skip-install")
	require.ErrorContains(t, err, "already exists")
}

func TestInitQuotesProjectName(t *testing.T) {
	ws := t.TempDir()
	t.Setenv(project.EnvTunnelBinary, "")

	_, err := run(t, "--workspace", ws, "init", "[Shop]: v2 #1", "--skip-install")
	require.NoError(t, err)

	dir := filepath.Join(ws, "[shop]:_v2_#1")
	cfg, err := project.Load(dir)
	require.NoError(t, err)
	require.Equal(t, "[shop]:_v2_#1", cfg.Name)

	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	var pkg map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &pkg))
	require.Equal(t, "[shop]:_v2_#1", pkg["name"])
}

func TestBuildRequiresPackageJSON(t *testing.T) {
	_, err := run(t, "--workspace", t.TempDir(), "build")
	require.ErrorIs(t, err, artifacts.ErrNoPackageJSON)
}

func TestDevRejectsNonProjectDirectory(t *testing.T) {
	_, err := run(t, "--workspace", t.TempDir(), "dev", "--port", "8123")
	require.ErrorIs(t, err, devsession.ErrNotProjectRoot)
}

func TestSessionsEmpty(t *testing.T) {
	out, err := run(t, "--workspace", t.TempDir(), "sessions")
	require.NoError(t, err)
	require.Contains(t, out, "No dev sessions recorded.")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "widgetry "))
}
