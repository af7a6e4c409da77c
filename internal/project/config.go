// Package project resolves the settings of a widget project: where its tools
// and assets live, how it is served and how the tunnel is reached.
package project

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// StateDir holds per-project state: config, logs and session history.
	StateDir = ".widgetry"
	// TOMLFile is the optional TOML project file at the workspace root.
	TOMLFile = "widgetry.toml"
	// EnvTunnelBinary overrides the tunnel executable.
	EnvTunnelBinary = "WIDGETRY_TUNNEL_BINARY"
)

// Config captures every knob shared by the dev, serve and build commands.
type Config struct {
	Workspace     string
	Name          string
	EntryPoint    string
	ToolsDir      string
	AssetsDir     string
	Host          string
	Port          int
	BuildCommand  []string
	TunnelBinary  string
	TunnelTimeout time.Duration
	StartupDelay  time.Duration
	HistoryPath   string
	LogPath       string
	ConfigPath    string
}

// DefaultConfig infers defaults from the current working directory. Errors
// from os.Getwd are ignored so callers can override manually.
func DefaultConfig() Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return Config{
		Workspace:     cwd,
		EntryPoint:    filepath.Join("server", "main.go"),
		ToolsDir:      filepath.Join("server", "tools"),
		AssetsDir:     "assets",
		Host:          "0.0.0.0",
		Port:          8001,
		BuildCommand:  []string{"npm", "run", "build"},
		TunnelBinary:  "cloudflared",
		TunnelTimeout: 30 * time.Second,
		StartupDelay:  time.Second,
	}
}

// Normalize makes every path absolute and fills missing defaults.
func (c *Config) Normalize() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace path required")
	}
	absWorkspace, err := filepath.Abs(c.Workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	c.Workspace = absWorkspace
	if c.Name == "" {
		c.Name = filepath.Base(c.Workspace)
	}
	c.EntryPoint = c.resolve(c.EntryPoint, filepath.Join("server", "main.go"))
	c.ToolsDir = c.resolve(c.ToolsDir, filepath.Join("server", "tools"))
	c.AssetsDir = c.resolve(c.AssetsDir, "assets")
	c.HistoryPath = c.resolve(c.HistoryPath, filepath.Join(StateDir, "sessions.db"))
	c.LogPath = c.resolve(c.LogPath, filepath.Join(StateDir, "widgetry.log"))
	c.ConfigPath = c.resolve(c.ConfigPath, filepath.Join(StateDir, "config.yaml"))
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8001
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if len(c.BuildCommand) == 0 {
		c.BuildCommand = []string{"npm", "run", "build"}
	}
	if c.TunnelBinary == "" {
		c.TunnelBinary = "cloudflared"
	}
	if c.TunnelTimeout <= 0 {
		c.TunnelTimeout = 30 * time.Second
	}
	if c.StartupDelay < 0 {
		c.StartupDelay = 0
	}
	return nil
}

func (c *Config) resolve(path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Workspace, path)
}

// Addr is the listen address of the serving process.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LocalURL is the address printed for local access.
func (c Config) LocalURL() string {
	return "http://" + c.Addr()
}

// TunnelConfig is the [tunnel] section of a project file.
type TunnelConfig struct {
	Binary  string `yaml:"binary,omitempty" toml:"binary"`
	Timeout string `yaml:"timeout,omitempty" toml:"timeout"`
}

// FileConfig is the persisted form of project settings. Durations are Go
// duration strings.
type FileConfig struct {
	Name         string       `yaml:"name,omitempty" toml:"name"`
	Host         string       `yaml:"host,omitempty" toml:"host"`
	Port         int          `yaml:"port,omitempty" toml:"port"`
	ToolsDir     string       `yaml:"tools_dir,omitempty" toml:"tools_dir"`
	AssetsDir    string       `yaml:"assets_dir,omitempty" toml:"assets_dir"`
	BuildCommand []string     `yaml:"build_command,omitempty" toml:"build_command"`
	StartupDelay string       `yaml:"startup_delay,omitempty" toml:"startup_delay"`
	History      string       `yaml:"history,omitempty" toml:"history"`
	Log          string       `yaml:"log,omitempty" toml:"log"`
	Tunnel       TunnelConfig `yaml:"tunnel,omitempty" toml:"tunnel"`
}

// LoadYAML reads a YAML project file.
func LoadYAML(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

// LoadTOML reads a TOML project file.
func LoadTOML(path string) (FileConfig, error) {
	var cfg FileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

// IsTOML reports whether path names a TOML project file.
func IsTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Locate returns the project file of workspace: .widgetry/config.yaml wins
// over widgetry.toml. The path is empty when neither exists.
func Locate(workspace string) (string, error) {
	for _, path := range []string{
		filepath.Join(workspace, StateDir, "config.yaml"),
		filepath.Join(workspace, TOMLFile),
	} {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", err
		}
		return path, nil
	}
	return "", nil
}

// LoadFile reads the project file of workspace. Missing files yield an empty
// config and an empty path.
func LoadFile(workspace string) (FileConfig, string, error) {
	path, err := Locate(workspace)
	if err != nil || path == "" {
		return FileConfig{}, "", err
	}
	load := LoadYAML
	if IsTOML(path) {
		load = LoadTOML
	}
	cfg, err := load(path)
	if err != nil {
		return FileConfig{}, "", err
	}
	return cfg, path, nil
}

// Parse decodes the body of a project file in the format named by path.
// Unlike the loaders it rejects keys FileConfig does not know.
func Parse(path string, data []byte) (FileConfig, error) {
	var cfg FileConfig
	if IsTOML(path) {
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return FileConfig{}, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return FileConfig{}, fmt.Errorf("unknown key %s", undecoded[0])
		}
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return FileConfig{}, err
	}
	return cfg, nil
}

// Check reports whether f would load cleanly into workspace.
func Check(workspace string, f FileConfig) error {
	cfg := DefaultConfig()
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if err := cfg.Apply(f); err != nil {
		return err
	}
	return cfg.Normalize()
}

// Apply overlays the set fields of a project file.
func (c *Config) Apply(f FileConfig) error {
	if f.Name != "" {
		c.Name = strings.TrimSpace(f.Name)
	}
	if f.Host != "" {
		c.Host = strings.TrimSpace(f.Host)
	}
	if f.Port != 0 {
		c.Port = f.Port
	}
	if f.ToolsDir != "" {
		c.ToolsDir = f.ToolsDir
	}
	if f.AssetsDir != "" {
		c.AssetsDir = f.AssetsDir
	}
	if len(f.BuildCommand) > 0 {
		c.BuildCommand = append([]string(nil), f.BuildCommand...)
	}
	if f.History != "" {
		c.HistoryPath = f.History
	}
	if f.Log != "" {
		c.LogPath = f.Log
	}
	if f.Tunnel.Binary != "" {
		c.TunnelBinary = strings.TrimSpace(f.Tunnel.Binary)
	}
	if f.StartupDelay != "" {
		d, err := time.ParseDuration(strings.TrimSpace(f.StartupDelay))
		if err != nil {
			return fmt.Errorf("parse startup_delay: %w", err)
		}
		c.StartupDelay = d
	}
	if f.Tunnel.Timeout != "" {
		d, err := time.ParseDuration(strings.TrimSpace(f.Tunnel.Timeout))
		if err != nil {
			return fmt.Errorf("parse tunnel.timeout: %w", err)
		}
		c.TunnelTimeout = d
	}
	return nil
}

// ApplyEnv overlays environment overrides.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if bin := strings.TrimSpace(getenv(EnvTunnelBinary)); bin != "" {
		c.TunnelBinary = bin
	}
}

// Load resolves the configuration of workspace: defaults, then the project
// file, then the environment.
func Load(workspace string) (Config, error) {
	cfg := DefaultConfig()
	if workspace != "" {
		cfg.Workspace = workspace
	}
	file, path, err := LoadFile(cfg.Workspace)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Apply(file); err != nil {
		return Config{}, err
	}
	cfg.ConfigPath = path
	cfg.ApplyEnv(nil)
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
