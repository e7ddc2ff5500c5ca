package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Squadt/internal/tipi"
	"github.com/stretchr/testify/require"
)

type reports []string

func (r *reports) Report(_ context.Context, text string) error {
	*r = append(*r, text)
	return nil
}

func TestConfigure(t *testing.T) {
	t.Parallel()
	cfg := tipi.Configuration{
		Category:     category,
		OutputPrefix: "model-001",
		Inputs:       []tipi.Object{{ID: inputID, Format: "text/mcrl2", Location: "/store/model.mcrl2"}},
	}
	got, err := cat{}.Configure(t.Context(), cfg)
	require.NoError(t, err)
	out, ok := got.Output(outputID)
	require.True(t, ok)
	require.Equal(t, "model-001.mcrl2", out.Location)
	require.Equal(t, "text/mcrl2", out.Format)
	require.Empty(t, cfg.Outputs)

	// configured outputs are kept
	again, err := cat{}.Configure(t.Context(), got)
	require.NoError(t, err)
	require.Equal(t, got.Outputs, again.Outputs)

	_, err = cat{}.Configure(t.Context(), tipi.Configuration{Category: category})
	require.Error(t, err)

	cfg.Options = map[string]string{optionUpper: "maybe"}
	_, err = cat{}.Configure(t.Context(), cfg)
	require.Error(t, err)
}

func TestExecute(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("hello\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("world\n"), 0o644))
	out := filepath.Join(dir, "out.txt")

	cfg := tipi.Configuration{
		Category: category,
		Inputs: []tipi.Object{
			{ID: inputID, Format: "text/plain", Location: a},
			{ID: "extra", Format: "text/plain", Location: b},
		},
		Outputs: []tipi.Object{{ID: outputID, Format: "text/plain", Location: out}},
		Options: map[string]string{optionSeparator: "--", optionUpper: "yes"},
	}
	var r reports
	require.NoError(t, cat{}.Execute(t.Context(), cfg, &r))
	content, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "HELLO\n--\nWORLD\n", string(content))
	require.Len(t, r, 2)

	cfg.Inputs[1].Location = filepath.Join(dir, "missing.txt")
	require.Error(t, cat{}.Execute(t.Context(), cfg, &r))
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := cat{}.Capabilities()
	ic, ok := caps.Find(category, "text/mcrl2")
	require.True(t, ok)
	require.Equal(t, inputID, ic.PrimaryID)
}
