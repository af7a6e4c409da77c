// Package artifacts indexes the widget HTML produced by the front-end build
// and can trigger that build.
package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/lexcodex/widgetry/framework"
)

// namePattern matches "<name>-<4 hex>.html". The name group is greedy so a
// name may itself contain dashes; only the final suffix carries the hash.
var namePattern = regexp.MustCompile(`^(.+)-([0-9a-f]{4})\.html$`)

// ParseName splits an asset file name into tool name and content hash.
func ParseName(filename string) (name, hash string, ok bool) {
	m := namePattern.FindStringSubmatch(filename)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Scan reads every "<name>-<hash>.html" file in dir and returns the build
// results keyed by tool name. Other entries are skipped. Files are visited in
// lexical order and a later file with the same name replaces an earlier one.
// A missing directory yields an empty index.
func Scan(dir string) (map[string]framework.BuildResult, error) {
	results := make(map[string]framework.BuildResult)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return results, nil
		}
		return nil, fmt.Errorf("read assets %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, hash, ok := ParseName(entry.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read asset %s: %w", entry.Name(), err)
		}
		results[name] = framework.BuildResult{Name: name, Hash: hash, HTML: string(data)}
	}
	return results, nil
}
