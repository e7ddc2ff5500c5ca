package format_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Squadt/internal/format"
	"github.com/stretchr/testify/require"
)

func TestFormatOf(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	noext := filepath.Join(dir, "README")
	require.NoError(t, os.WriteFile(noext, []byte("plain words\n"), 0o644))
	pngish := filepath.Join(dir, "image")
	require.NoError(t, os.WriteFile(pngish, []byte("\x89PNG\r\n\x1a\n0000"), 0o644))

	r := format.NewRegistry()
	r.Register("text/x-custom", []string{"cst"}, "")

	var testCases = []struct {
		given string
		then  string
	}{
		{"model.mcrl2", "text/mcrl2"},
		{"model.LPS", "application/lps"},
		{"a.cst", "text/x-custom"},
		{noext, "text/plain"},
		{pngish, "image/png"},
		{filepath.Join(dir, "missing"), format.Unknown},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			require.Equal(t, tc.then, r.FormatOf(tc.given))
		})
	}
}

func TestExtension(t *testing.T) {
	t.Parallel()
	r := format.NewRegistry()
	require.Equal(t, ".lps", r.Extension("application/lps"))
	require.Equal(t, "", r.Extension("application/x-nothing-known"))
}

func TestCommand(t *testing.T) {
	t.Parallel()
	r := format.NewRegistry()
	r.Register("text/mcrl2", nil, "edit --file=%s -n")
	r.Register("text/aut", nil, "ltsview")

	cmd, err := r.Command("text/mcrl2", "/p/model.mcrl2")
	require.NoError(t, err)
	require.Equal(t, "edit", cmd.Path)
	require.Equal(t, []string{"--file=/p/model.mcrl2", "-n"}, cmd.Args)
	require.Equal(t, "/p", cmd.Dir)

	cmd, err = r.Command("text/aut", "/p/x.aut")
	require.NoError(t, err)
	require.Equal(t, []string{"/p/x.aut"}, cmd.Args)

	_, err = r.Command("application/lps", "/p/x.lps")
	require.ErrorIs(t, err, format.ErrNoCommand)

	require.Contains(t, r.Formats(), "text/mcrl2")
}
