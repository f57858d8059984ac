// Package fsutil resolves the on-disk locations the CLI keeps its state in.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDataDir is where state, sync files and config live unless
// overridden.
const DefaultDataDir = "~/.protoscale"

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// DataPath returns DefaultDataDir/name, expanded.
func DataPath(name string) (string, error) {
	dir, err := ExpandHome(DefaultDataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ResolveFile expands path, falling back to DataPath(def) when empty, and
// creates its parent directory.
func ResolveFile(path, def string) (string, error) {
	p, err := resolve(path, def)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(p), err)
	}
	return p, nil
}

// ResolveDir is ResolveFile for a directory; the directory itself is created.
func ResolveDir(path, def string) (string, error) {
	p, err := resolve(path, def)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", p, err)
	}
	return p, nil
}

func resolve(path, def string) (string, error) {
	if path == "" {
		return DataPath(def)
	}
	return ExpandHome(path)
}
