package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrPathOutsideWorkspace = errors.New("path outside workspace")
	ErrEmptyRoot            = errors.New("workspace root is empty")
	ErrNotDirectory         = errors.New("not a directory")
)

// Workspace confines tool file access to one root directory. Symlinks are
// resolved before the containment check.
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, ErrEmptyRoot
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Workspace{root: abs}, nil
}

func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps a relative or absolute path to an absolute path inside the
// root. Empty means the root itself.
func (w *Workspace) Resolve(path string) (string, error) {
	target := strings.TrimSpace(path)
	if target == "" {
		target = w.root
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(w.root, target)
	}
	resolved, err := evalExisting(filepath.Clean(target))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(w.root, resolved)
	if err != nil {
		return "", fmt.Errorf("relative path check: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideWorkspace, path)
	}
	return resolved, nil
}

// ResolveDir is Resolve plus a check that the target is an existing directory.
func (w *Workspace) ResolveDir(path string) (string, error) {
	resolved, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}
	return resolved, nil
}

// Rel renders an absolute path relative to the root, "." for the root.
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// evalExisting resolves symlinks on the longest existing prefix so paths
// that do not exist yet (new files, new directories) still get checked.
func evalExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("resolve symlink: %w", err)
	}
	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	parentResolved, err := evalExisting(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(parentResolved, filepath.Base(path)), nil
}
