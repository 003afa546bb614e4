// Package sandbox implements the staging tree that sits between a proposed
// Change and the live workspace (spec §4.8): changes are applied into a
// sandbox copy of the production tree first, validated, and only copied
// into production on commit.
package sandbox

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/voidsync/voidsync/internal/apperrors"
)

// Tree mirrors a production directory tree into a sandbox directory,
// staging writes before they are committed back to production.
type Tree struct {
	productionRoot string
	sandboxRoot    string
}

// New constructs a Tree rooted at productionRoot/sandboxRoot. Both must be
// absolute or relative to the same working directory as the process.
func New(productionRoot, sandboxRoot string) *Tree {
	return &Tree{productionRoot: productionRoot, sandboxRoot: sandboxRoot}
}

func (t *Tree) productionPath(path string) string {
	return filepath.Join(t.productionRoot, filepath.FromSlash(path))
}

func (t *Tree) sandboxPath(path string) string {
	return filepath.Join(t.sandboxRoot, filepath.FromSlash(path))
}

func (t *Tree) ensureDir(fullPath string) error {
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "sandbox: create directory")
	}
	return nil
}

// ReadProduction reads path from the production tree, returning ("", false,
// nil) if the file does not exist.
func (t *Tree) ReadProduction(path string) (string, bool, error) {
	data, err := os.ReadFile(t.productionPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "sandbox: read production")
	}
	return string(data), true, nil
}

// IsStaged reports whether path has already been staged into the sandbox
// during this session (a prior approved change in this process may have
// staged it before production has seen the write).
func (t *Tree) IsStaged(path string) bool {
	_, err := os.Stat(t.sandboxPath(path))
	return err == nil
}

// Read returns the current content visible for path: the staged sandbox
// copy if one exists, otherwise the production copy.
func (t *Tree) Read(path string) (string, bool, error) {
	if t.IsStaged(path) {
		data, err := os.ReadFile(t.sandboxPath(path))
		if err != nil {
			return "", false, errors.Wrap(err, "sandbox: read staged")
		}
		return string(data), true, nil
	}
	return t.ReadProduction(path)
}

// Stage writes content into the sandbox copy of path, creating parent
// directories as needed. It never touches production.
func (t *Tree) Stage(path, content string) error {
	full := t.sandboxPath(path)
	if err := t.ensureDir(full); err != nil {
		return err
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return errors.Wrap(err, "sandbox: stage write")
	}
	return nil
}

// Discard removes a staged sandbox file without touching production, used
// to roll back the staged write when committing it to production fails.
func (t *Tree) Discard(path string) error {
	if err := os.Remove(t.sandboxPath(path)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "sandbox: discard")
	}
	return nil
}

// Commit copies the staged sandbox copy of path into production,
// preserving directory structure. The staged file must exist.
func (t *Tree) Commit(path string) error {
	data, err := os.ReadFile(t.sandboxPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.New(apperrors.ErrFilesystemError, "sandbox: nothing staged for "+path)
		}
		return errors.Wrap(err, "sandbox: read staged for commit")
	}

	full := t.productionPath(path)
	if err := t.ensureDir(full); err != nil {
		return err
	}

	tmp := full + ".voidsync-tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "sandbox: write production temp file")
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "sandbox: commit rename")
	}
	return nil
}
