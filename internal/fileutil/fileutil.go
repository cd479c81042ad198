// Package fileutil resolves a remote path against the per-alias sandbox
// directory the "vi"/"viwait" handlers use when the local-mount prefix
// strategy is selected (spec §4.7, §9 Open Question), rejecting anything
// that would escape it via ".." traversal or a symlink planted under the
// sandbox.
package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrForbiddenPath is returned when rel would resolve outside base.
var ErrForbiddenPath = errors.New("fileutil: forbidden path")

// ResolveSandboxPath resolves rel (an absolute remote path, e.g.
// "/etc/hosts") against base (the per-alias sandbox root, e.g.
// "/tmp/pluto") and returns the absolute local path the editor should be
// given. It rejects paths that, once joined and cleaned, fall outside base,
// and defeats symlink-escape attempts by resolving symlinks on the deepest
// existing ancestor of the candidate path.
func ResolveSandboxPath(base, rel string) (string, error) {
	cleanBase := filepath.Clean(base)
	abs := filepath.Join(cleanBase, filepath.FromSlash(rel))

	if !strings.HasPrefix(abs, cleanBase+string(os.PathSeparator)) && abs != cleanBase {
		return "", ErrForbiddenPath
	}

	resolved, err := resolveExisting(abs, cleanBase)
	if err != nil {
		return "", ErrForbiddenPath
	}
	if !strings.HasPrefix(resolved, cleanBase+string(os.PathSeparator)) && resolved != cleanBase {
		return "", ErrForbiddenPath
	}

	return abs, nil
}

// resolveExisting walks up path until it finds an existing ancestor, then
// evaluates symlinks on that ancestor. It returns the real path of the
// deepest existing component, so a symlink planted inside an as-yet-
// unmaterialized sandbox directory cannot redirect the final path outside
// base.
func resolveExisting(abs, base string) (string, error) {
	cur := abs
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			return resolved, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur || !strings.HasPrefix(parent, base) {
			return base, nil
		}
		cur = parent
	}
}
