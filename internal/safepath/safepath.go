// Package safepath confines output files to a directory.
package safepath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolve resolves target, rejects symlink components, and ensures the
// result stays under root. A relative target is taken relative to root.
func Resolve(root, target string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("output root is required")
	}
	if strings.TrimSpace(target) == "" {
		return "", fmt.Errorf("target path is required")
	}

	rootAbs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("resolve root path %s: %w", root, err)
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("resolve root symlinks %s: %w", root, err)
	}

	targetAbs := target
	if !filepath.IsAbs(targetAbs) {
		targetAbs = filepath.Join(rootReal, targetAbs)
	}
	targetAbs = filepath.Clean(targetAbs)

	resolvedTarget := targetAbs
	if _, err := os.Stat(targetAbs); err == nil {
		resolved, err := filepath.EvalSymlinks(targetAbs)
		if err != nil {
			return "", fmt.Errorf("resolve target path %s: %w", target, err)
		}
		resolvedTarget = resolved
	} else if errors.Is(err, os.ErrNotExist) {
		parent := filepath.Dir(targetAbs)
		if parent == targetAbs {
			return "", fmt.Errorf("target path has no parent: %s", target)
		}
		resolvedParent, err := filepath.EvalSymlinks(parent)
		if err != nil {
			return "", fmt.Errorf("resolve target parent %s: %w", parent, err)
		}
		resolvedTarget = filepath.Join(resolvedParent, filepath.Base(targetAbs))
	} else {
		return "", err
	}

	// Lstat sees the link itself; EvalSymlinks above would have followed it.
	if err := ensureNoSymlinkComponents(targetAbs, rootReal); err != nil {
		return "", err
	}

	rel, err := filepath.Rel(filepath.Clean(rootReal), filepath.Clean(resolvedTarget))
	if err != nil {
		return "", fmt.Errorf("resolve relative path for %s: %w", target, err)
	}
	if rel == "." || rel == ".." || rel == "" || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path is outside output directory: %s", target)
	}

	return filepath.Clean(resolvedTarget), nil
}

// ensureNoSymlinkComponents walks candidate up to (not including) stop.
func ensureNoSymlinkComponents(candidate, stop string) error {
	current := filepath.Clean(candidate)
	stop = filepath.Clean(stop)
	for current != stop {
		info, err := os.Lstat(current)
		if err == nil {
			if info.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path contains symlink component: %s", current)
			}
		} else if !os.IsNotExist(err) {
			return err
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return nil
}

// WriteFile writes data to name under root via a temp file and rename, so
// readers never see a partial export.
func WriteFile(root, name string, data []byte, perm os.FileMode) (string, error) {
	path, err := Resolve(root, name)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return "", fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return "", fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("rename into %s: %w", path, err)
	}
	return path, nil
}
