package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rantslabs/rants/internal/errkind"
)

// resolveWorkspacePath resolves requested against the workspace root and
// rejects anything that escapes it after symlink resolution. The target
// itself may not exist yet (write creates it); in that case the deepest
// existing ancestor is resolved instead.
func resolveWorkspacePath(root, requested string) (string, error) {
	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", errkind.Wrap(errkind.ToolExecError, "workspace root unavailable", err)
	}

	candidate := requested
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", errkind.Wrap(errkind.ToolExecError, "resolve path", err)
	}
	if !within(rootResolved, resolved) {
		return "", errkind.Newf(errkind.SandboxViolation, "path %q escapes workspace root", requested)
	}
	return candidate, nil
}

// resolveExisting evaluates symlinks over the deepest existing prefix of
// path, re-joining the non-existent remainder.
func resolveExisting(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
