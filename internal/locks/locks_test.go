package locks

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidsync/voidsync/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNormalizePathStripsLeadingDotSlash(t *testing.T) {
	n, err := NormalizePath("./config/settings.json")
	require.NoError(t, err)
	assert.Equal(t, "config/settings.json", n)
}

func TestNormalizePathConvertsBackslashes(t *testing.T) {
	n, err := NormalizePath(`src\main.go`)
	require.NoError(t, err)
	assert.Equal(t, "src/main.go", n)
}

func TestNormalizePathRejectsDotDot(t *testing.T) {
	_, err := NormalizePath("../etc/passwd")
	require.Error(t, err)
}

func TestNormalizePathRejectsEmpty(t *testing.T) {
	_, err := NormalizePath("")
	require.Error(t, err)
}

func TestExactPathLock(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, newTestStore(t))
	require.NoError(t, err)

	_, err = r.CreateLock(ctx, "config/settings.json", "", "")
	require.NoError(t, err)

	lock, locked := r.Check("config/settings.json", "anything")
	require.True(t, locked)
	assert.Equal(t, "config/settings.json", lock.Path)

	_, locked = r.Check("config/other.json", "anything")
	assert.False(t, locked)
}

func TestExactPathLockSecondConflicts(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, newTestStore(t))
	require.NoError(t, err)

	_, err = r.CreateLock(ctx, "config/settings.json", "", "")
	require.NoError(t, err)

	_, err = r.CreateLock(ctx, "config/settings.json", "", "")
	require.Error(t, err)
}

func TestMultiplePatternOnlyLocksDoNotConflict(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, newTestStore(t))
	require.NoError(t, err)

	_, err = r.CreateLock(ctx, "", `\.env$`, "")
	require.NoError(t, err)
	_, err = r.CreateLock(ctx, "", `secrets/.*`, "")
	require.NoError(t, err)
}

func TestPathPatternLock(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, newTestStore(t))
	require.NoError(t, err)

	_, err = r.CreateLock(ctx, "", `\.env$`, "")
	require.NoError(t, err)

	_, locked := r.Check(".env", "SECRET=1")
	assert.True(t, locked)

	_, locked = r.Check("README.md", "hello")
	assert.False(t, locked)
}

func TestContentPatternLock(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, newTestStore(t))
	require.NoError(t, err)

	_, err = r.CreateLock(ctx, "", "", `def delete_user\(`)
	require.NoError(t, err)

	_, locked := r.Check("main.py", "def delete_user(id): pass")
	assert.True(t, locked)

	_, locked = r.Check("main.py", "def create_user(id): pass")
	assert.False(t, locked)
}

func TestCreateLockRejectsInvalidRegex(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, newTestStore(t))
	require.NoError(t, err)

	_, err = r.CreateLock(ctx, "", "(unclosed", "")
	require.Error(t, err)
}

func TestReleaseLock(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(ctx, newTestStore(t))
	require.NoError(t, err)

	lock, err := r.CreateLock(ctx, "config/settings.json", "", "")
	require.NoError(t, err)

	existed, err := r.ReleaseLock(ctx, lock.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	_, locked := r.Check("config/settings.json", "anything")
	assert.False(t, locked)

	existed, err = r.ReleaseLock(ctx, lock.ID)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestNewRegistryLoadsExistingLocks(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	r1, err := NewRegistry(ctx, st)
	require.NoError(t, err)
	_, err = r1.CreateLock(ctx, "config/settings.json", "", "")
	require.NoError(t, err)

	r2, err := NewRegistry(ctx, st)
	require.NoError(t, err)
	_, locked := r2.Check("config/settings.json", "anything")
	assert.True(t, locked)
}
