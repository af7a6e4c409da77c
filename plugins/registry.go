// Package plugins discovers widget tools. Tool source files register their
// descriptor tables at init time; the loader walks the tools directory and
// binds each registered descriptor to its build artifact.
package plugins

import (
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/lexcodex/widgetry/framework"
)

// Table maps plugin unit names (source file stems such as
// "pizza_carousel_tool") to the descriptors those units registered.
type Table struct {
	mu    sync.RWMutex
	units map[string][]framework.Descriptor
}

// NewTable builds an empty registration table.
func NewTable() *Table {
	return &Table{units: make(map[string][]framework.Descriptor)}
}

// Default is the table filled by the package-level Register calls.
var Default = NewTable()

// Register adds descriptors to the default table under the unit named after
// the calling source file.
func Register(descs ...framework.Descriptor) {
	Default.registerFrom(2, descs)
}

// RegisterUnit adds descriptors to the default table under an explicit unit.
func RegisterUnit(unit string, descs ...framework.Descriptor) {
	Default.RegisterUnit(unit, descs...)
}

// HasUnits reports whether any unit has been linked into the running binary.
func HasUnits() bool {
	return len(Default.Units()) > 0
}

// Register adds descriptors under the unit named after the calling file.
func (t *Table) Register(descs ...framework.Descriptor) {
	t.registerFrom(2, descs)
}

func (t *Table) registerFrom(skip int, descs []framework.Descriptor) {
	unit := "unknown"
	if _, file, _, ok := runtime.Caller(skip); ok {
		unit = UnitName(file)
	}
	t.RegisterUnit(unit, descs...)
}

// RegisterUnit appends descriptors to the given unit. Registering a unit with
// no descriptors still marks it as linked.
func (t *Table) RegisterUnit(unit string, descs ...framework.Descriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.units[unit] = append(t.units[unit], descs...)
}

// Lookup returns the descriptors registered by a unit.
func (t *Table) Lookup(unit string) ([]framework.Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	descs, ok := t.units[unit]
	if !ok {
		return nil, false
	}
	return append([]framework.Descriptor(nil), descs...), true
}

// Units lists the linked unit names alphabetically.
func (t *Table) Units() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.units))
	for name := range t.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnitName derives a unit name from a source path: the base name without its
// extension.
func UnitName(path string) string {
	base := filepath.Base(filepath.ToSlash(path))
	return strings.TrimSuffix(base, filepath.Ext(base))
}
