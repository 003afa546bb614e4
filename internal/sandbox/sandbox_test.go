package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	prod := filepath.Join(t.TempDir(), "production")
	sbx := filepath.Join(t.TempDir(), "sandbox")
	require.NoError(t, os.MkdirAll(prod, 0o755))
	require.NoError(t, os.MkdirAll(sbx, 0o755))
	return New(prod, sbx)
}

func TestReadProductionMissingFileReturnsFalse(t *testing.T) {
	tree := newTestTree(t)
	_, ok, err := tree.ReadProduction("a.js")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStageThenReadPrefersSandboxOverProduction(t *testing.T) {
	tree := newTestTree(t)

	require.NoError(t, os.WriteFile(tree.productionPath("a.js"), []byte("production"), 0o644))
	require.NoError(t, tree.Stage("a.js", "staged"))

	content, ok, err := tree.Read("a.js")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "staged", content)
}

func TestStageCreatesNestedDirectories(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Stage("src/deep/path/a.js", "content"))

	data, err := os.ReadFile(tree.sandboxPath("src/deep/path/a.js"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestDiscardRemovesStagedFileWithoutTouchingProduction(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, os.WriteFile(tree.productionPath("a.js"), []byte("production"), 0o644))
	require.NoError(t, tree.Stage("a.js", "staged"))

	require.NoError(t, tree.Discard("a.js"))

	content, ok, err := tree.Read("a.js")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "production", content)
}

func TestDiscardOnUnstagedPathIsNotAnError(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Discard("never-staged.js"))
}

func TestCommitCopiesStagedIntoProduction(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Stage("nested/a.js", "new content"))

	require.NoError(t, tree.Commit("nested/a.js"))

	data, err := os.ReadFile(tree.productionPath("nested/a.js"))
	require.NoError(t, err)
	assert.Equal(t, "new content", string(data))
}

func TestCommitWithoutStageFails(t *testing.T) {
	tree := newTestTree(t)
	err := tree.Commit("never-staged.js")
	require.Error(t, err)
}
