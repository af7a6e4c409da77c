package cmd

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/lexcodex/widgetry/artifacts"
	"github.com/lexcodex/widgetry/framework"
	"github.com/lexcodex/widgetry/internal/project"
)

// newLogger builds the prefixed logger shared by the serving components.
func newLogger(w io.Writer) *log.Logger {
	return log.New(w, "widgetry ", log.LstdFlags|log.Lmicroseconds)
}

// openAppend opens path for appending, creating its directory.
func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// openEventLog opens the JSON-lines event file kept next to the log file.
func openEventLog(cfg project.Config) (*framework.JSONFileTelemetry, error) {
	dir := filepath.Dir(cfg.LogPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return framework.NewJSONFileTelemetry(filepath.Join(dir, "events.jsonl"))
}

// newBuilder returns the widget builder configured for the project.
func newBuilder(cfg project.Config, telemetry framework.Telemetry) *artifacts.Builder {
	return &artifacts.Builder{
		Root:      cfg.Workspace,
		AssetsDir: cfg.AssetsDir,
		Command:   cfg.BuildCommand,
		Telemetry: telemetry,
	}
}

// resolvePath joins a relative flag value onto the workspace.
func resolvePath(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// readConfigMap deserializes the project file into a generic map for dotted
// lookups. The codec follows the file extension.
func readConfigMap(path string) (map[string]interface{}, error) {
	data := map[string]interface{}{}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, nil
		}
		return nil, err
	}
	if project.IsTOML(path) {
		if _, err := toml.Decode(string(raw), &data); err != nil {
			return nil, err
		}
		return data, nil
	}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	return data, nil
}

// encodeConfigMap renders the map in the format of path.
func encodeConfigMap(path string, data map[string]interface{}) ([]byte, error) {
	if project.IsTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(data); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return yaml.Marshal(data)
}

// checkConfigBody rejects a project file body that Load would refuse.
func checkConfigBody(path string, body []byte) error {
	file, err := project.Parse(path, body)
	if err != nil {
		return err
	}
	return project.Check(projectCfg.Workspace, file)
}

// writeConfigFile persists an encoded project file, creating directories.
func writeConfigFile(path string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o644)
}

// getConfigValue traverses a nested map using dotted notation.
func getConfigValue(data map[string]interface{}, key string) (interface{}, bool) {
	var current interface{} = data
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		value, ok := m[part]
		if !ok {
			return nil, false
		}
		current = value
	}
	return current, true
}

// setConfigValue creates or replaces the key referenced via dotted notation.
func setConfigValue(data map[string]interface{}, key string, value interface{}) error {
	parts := strings.Split(key, ".")
	current := data
	for i, part := range parts {
		if part == "" {
			return fmt.Errorf("invalid key %q", key)
		}
		if i == len(parts)-1 {
			current[part] = value
			return nil
		}
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[part] = next
		}
		current = next
	}
	return nil
}

// parseValue coerces CLI input into bool/int/float before storing.
func parseValue(input string) interface{} {
	if b, err := strconv.ParseBool(input); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(input, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(input, 64); err == nil {
		return f
	}
	return input
}

// prettyValue renders nested values on one line.
func prettyValue(v interface{}) string {
	switch value := v.(type) {
	case []interface{}:
		var parts []string
		for _, item := range value {
			parts = append(parts, prettyValue(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]interface{}:
		b, _ := yaml.Marshal(value)
		return strings.TrimSpace(string(b))
	default:
		return fmt.Sprint(value)
	}
}

// sanitizeName normalizes a project name for directory and package use.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
