// Package pathsafe confines user-declared paths to the workspace root.
// Every path the engine touches on behalf of a workflow goes through
// Resolve before any filesystem access.
package pathsafe

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// Root is a resolved workspace root directory. The root itself has its
// symlinks evaluated once at construction so later comparisons are stable.
type Root struct {
	dir string
}

// NewRoot resolves the workspace root. The directory must exist.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "resolve workspace root %q: %s", dir, err.Error()).WithCause(err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "workspace root %q: %s", dir, err.Error()).WithCause(err)
	}
	return &Root{dir: real}, nil
}

// Dir returns the resolved workspace root directory.
func (r *Root) Dir() string { return r.dir }

// Resolve validates a user-declared path and returns its absolute form
// inside the workspace. Absolute paths are rejected outright. Relative
// paths are joined to the root, then checked after following symlinks:
// a path whose real location escapes the root is rejected before any
// filesystem access by the caller.
func (r *Root) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", schema.NewError(schema.ErrCodePathDenied, "empty path")
	}
	if filepath.IsAbs(rel) {
		return "", schema.NewErrorf(schema.ErrCodePathDenied, "absolute path not allowed: %s", rel)
	}

	joined := filepath.Join(r.dir, rel)

	// Lexical containment first: rejects ../ escapes even when the target
	// does not exist yet.
	if !r.contains(joined) {
		return "", schema.NewErrorf(schema.ErrCodePathDenied, "path escapes workspace: %s", rel)
	}

	// Symlink containment: evaluate the deepest existing ancestor so that
	// links pointing outside the workspace are caught for both existing
	// files and files about to be created.
	real, err := evalExisting(joined)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodePathDenied, "resolve %q: %s", rel, err.Error()).WithCause(err)
	}
	if !r.contains(real) {
		return "", schema.NewErrorf(schema.ErrCodePathDenied, "path resolves outside workspace: %s", rel)
	}

	return joined, nil
}

// Contains reports whether an already-absolute path lies inside the root
// after following symlinks. Used for validating glob matches.
func (r *Root) Contains(abs string) bool {
	real, err := evalExisting(abs)
	if err != nil {
		return false
	}
	return r.contains(real)
}

func (r *Root) contains(p string) bool {
	p = filepath.Clean(p)
	if p == r.dir {
		return true
	}
	return strings.HasPrefix(p, r.dir+string(filepath.Separator))
}

// evalExisting evaluates symlinks on the longest existing prefix of p and
// rejoins the non-existing remainder.
func evalExisting(p string) (string, error) {
	remainder := ""
	cur := filepath.Clean(p)
	for {
		if _, err := os.Lstat(cur); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		if remainder == "" {
			remainder = filepath.Base(cur)
		} else {
			remainder = filepath.Join(filepath.Base(cur), remainder)
		}
		cur = parent
	}
	real, err := filepath.EvalSymlinks(cur)
	if err != nil {
		return "", err
	}
	if remainder == "" {
		return real, nil
	}
	return filepath.Join(real, remainder), nil
}
