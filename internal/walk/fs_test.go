package walk_test

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/CZERTAINLY/Squadt/internal/walk"
	"github.com/stretchr/testify/require"
)

func tree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mcrl2"), []byte("act a;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.txt"), []byte("c"), 0o644))
	return dir
}

func TestDir(t *testing.T) {
	t.Parallel()
	dir := tree(t)
	root, err := os.OpenRoot(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Close() })

	var names []string
	for entry, err := range walk.Dir(t.Context(), root) {
		require.NoError(t, err)
		names = append(names, entry.Rel())
		require.Equal(t, filepath.Join(dir, entry.Rel()), entry.Path())
	}
	slices.Sort(names)
	require.Equal(t, []string{"a.mcrl2", "b.txt"}, names)
}

func TestFS(t *testing.T) {
	t.Parallel()
	dir := tree(t)

	var names []string
	for entry, err := range walk.FS(t.Context(), os.DirFS(dir), dir) {
		require.NoError(t, err)
		names = append(names, entry.Rel())
		if entry.Rel() == "sub/c.txt" {
			r, err := entry.Open()
			require.NoError(t, err)
			b, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			require.Equal(t, "c", string(b))
		}
	}
	slices.Sort(names)
	require.Equal(t, []string{"a.mcrl2", "b.txt", "sub/c.txt"}, names)
}
