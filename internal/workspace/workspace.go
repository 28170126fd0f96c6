// Package workspace locates the workspace root and guards path resolution
// against escapes. The lockfile lives at the root, and every relative path a
// capability hands the runtime is resolved through Resolve.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Casys-AI/pmlrun/internal/errdefs"
)

// EnvWorkspace overrides detection when set.
const EnvWorkspace = "PML_WORKSPACE"

// Markers lists the files that identify a workspace root, in priority
// order. ".git" may be a directory (normal repo) or a file (worktree).
var Markers = []string{".git", "pml.config.json", "package.json", "go.mod"}

// Detect returns the workspace root for startDir: the EnvWorkspace value if
// set, else the nearest ancestor of startDir holding a marker, else startDir
// itself. Pure filesystem walk, no subprocess.
func Detect(startDir string) (string, error) {
	if env := os.Getenv(EnvWorkspace); env != "" {
		abs, err := filepath.Abs(env)
		if err != nil {
			return "", fmt.Errorf("cannot resolve %s: %w", EnvWorkspace, err)
		}
		return abs, nil
	}

	start, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path: %w", err)
	}

	dir := start
	for {
		for _, marker := range Markers {
			info, err := os.Stat(filepath.Join(dir, marker))
			if err == nil && (info.IsDir() || info.Mode().IsRegular()) {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root without finding a marker.
			return start, nil
		}
		dir = parent
	}
}

// Resolve turns a capability-supplied path into an absolute path inside
// root. Absolute paths outside the root fail with path-outside-workspace;
// relative paths that climb out with ".." fail with path-traversal-attack.
func Resolve(root, path string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("cannot resolve workspace root: %w", err)
	}

	if filepath.IsAbs(path) {
		cleaned := filepath.Clean(path)
		if !within(rootAbs, cleaned) {
			return "", errdefs.Newf(errdefs.KindPathOutsideWorkspace,
				"path %s is outside workspace %s", path, rootAbs).With("path", path)
		}
		return cleaned, nil
	}

	joined := filepath.Join(rootAbs, path)
	if !within(rootAbs, joined) {
		return "", errdefs.Newf(errdefs.KindPathTraversal,
			"path %s escapes workspace %s", path, rootAbs).With("path", path)
	}
	return joined, nil
}

// within reports whether path is root or a descendant of root. Both
// arguments must be absolute and cleaned.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
