package plugins

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lexcodex/widgetry/framework"
)

const (
	// UnitSuffix marks a source file stem as a plugin unit.
	UnitSuffix = "_tool"
	// SourceExt is the extension of plugin unit files.
	SourceExt = ".go"
)

// ErrUnitNotLinked is reported for a unit file that exists on disk but whose
// registrations are not part of the running binary.
var ErrUnitNotLinked = errors.New("unit is not linked into this binary")

// Loader binds registered descriptors to build artifacts.
type Loader struct {
	Table     *Table
	Telemetry framework.Telemetry
}

// UnitOf reports the unit name for a file in the tools directory.
func UnitOf(filename string) (string, bool) {
	if filepath.Ext(filename) != SourceExt {
		return "", false
	}
	stem := strings.TrimSuffix(filename, SourceExt)
	if !strings.HasSuffix(stem, UnitSuffix) || stem == UnitSuffix {
		return "", false
	}
	return stem, true
}

// Load walks dir in lexical order and returns a tool instance for every
// conforming descriptor that has a build result in index. Missing artifacts
// produce warnings and failing units produce errors on the telemetry sink;
// neither stops the walk. Only an unreadable directory is returned as an
// error.
func (l *Loader) Load(dir string, index map[string]framework.BuildResult) ([]*framework.ToolInstance, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read tools dir %s: %w", dir, err)
	}
	var tools []*framework.ToolInstance
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		unit, ok := UnitOf(entry.Name())
		if !ok {
			continue
		}
		loaded, err := l.loadUnit(unit, index)
		tools = append(tools, loaded...)
		if err != nil {
			framework.EmitTo(l.Telemetry, framework.Event{
				Type:    framework.EventUnitFailed,
				Level:   framework.LevelError,
				Unit:    unit,
				Message: fmt.Sprintf("Error loading %s: %v", entry.Name(), err),
			})
		}
	}
	return tools, nil
}

// loadUnit instantiates one unit's descriptors. A panic inside a factory is
// turned into an error for the unit; instances built before the failure are
// kept.
func (l *Loader) loadUnit(unit string, index map[string]framework.BuildResult) (loaded []*framework.ToolInstance, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	descs, ok := l.table().Lookup(unit)
	if !ok {
		return nil, ErrUnitNotLinked
	}
	for _, desc := range descs {
		if !desc.Conforms() {
			continue
		}
		build, ok := index[desc.Identifier]
		if !ok {
			framework.EmitTo(l.Telemetry, framework.Event{
				Type:    framework.EventToolSkipped,
				Level:   framework.LevelWarning,
				Unit:    unit,
				Tool:    desc.Identifier,
				Message: fmt.Sprintf("No build result found for tool '%s'", desc.Identifier),
			})
			continue
		}
		tool, err := framework.NewToolInstance(desc, build)
		if err != nil {
			return loaded, err
		}
		loaded = append(loaded, tool)
		framework.EmitTo(l.Telemetry, framework.Event{
			Type:    framework.EventToolLoaded,
			Unit:    unit,
			Tool:    desc.Identifier,
			Message: fmt.Sprintf("Loaded tool: %s (identifier: %s)", desc.DisplayName(), desc.Identifier),
			Metadata: map[string]interface{}{
				"hash": build.Hash,
			},
		})
	}
	return loaded, nil
}

func (l *Loader) table() *Table {
	if l.Table == nil {
		return Default
	}
	return l.Table
}
