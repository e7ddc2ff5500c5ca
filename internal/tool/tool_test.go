package tool_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Squadt/internal/execution"
	"github.com/CZERTAINLY/Squadt/internal/monitor"
	"github.com/CZERTAINLY/Squadt/internal/tipi"
	"github.com/CZERTAINLY/Squadt/internal/tipi/tipitest"
	"github.com/CZERTAINLY/Squadt/internal/tool"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	tipitest.ServeIfTool()
	os.Exit(m.Run())
}

func TestReadCatalog(t *testing.T) {
	t.Parallel()
	yml := `
tools:
  - name: lps2lts
    location: /usr/bin/lps2lts
    arguments: ["-v"]
  - name: ltsconvert
    location: ltsconvert
`
	c, err := tool.ReadCatalog(strings.NewReader(yml))
	require.NoError(t, err)
	require.Len(t, c.Tools, 2)
	require.Equal(t, "lps2lts", c.Tools[0].Name)
	require.Equal(t, "/usr/bin/lps2lts", c.Tools[0].Location)
	require.Equal(t, []string{"-v"}, c.Tools[0].Arguments)
	require.Equal(t, "ltsconvert", c.Tools[1].Location)

	var buf bytes.Buffer
	require.NoError(t, c.Store(&buf))
	again, err := tool.ReadCatalog(&buf)
	require.NoError(t, err)
	require.Equal(t, c, again)
}

func TestReadCatalogInvalid(t *testing.T) {
	t.Parallel()
	_, err := tool.ReadCatalog(strings.NewReader("tools:\n  - name: nameless-location\n"))
	require.Error(t, err)
}

func TestLoadCatalogRelative(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	yml := "tools:\n  - name: local\n    location: bin/local\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	c, err := tool.LoadCatalog(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "bin", "local"), c.Tools[0].Location)
}

func newManager(t *testing.T) *tool.Manager {
	t.Helper()
	srv, err := tipi.Listen(t.Context(), "")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = srv.Close()
	})
	return tool.NewManager(execution.NewExecutor(2), srv, 3).WithConnectTimeout(10 * time.Second)
}

func TestManagerAdd(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	require.NoError(t, m.AddCatalog(tool.Catalog{Tools: []tool.Tool{
		{Name: "a", Location: "a"},
		{Name: "b", Location: "b"},
	}}))
	require.ErrorIs(t, m.Add(tool.Tool{Name: "a", Location: "x"}), tool.ErrDuplicateTool)

	names := []string{}
	for _, x := range m.Tools() {
		names = append(names, x.Name)
	}
	require.Equal(t, []string{"a", "b"}, names)

	_, ok := m.Get("c")
	require.False(t, ok)
}

func TestQueryCapabilities(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	path, args := tipitest.Command(t, tipitest.ModeCopy)
	require.NoError(t, m.Add(tool.Tool{Name: "fake", Location: path, Arguments: args}))
	require.NoError(t, m.Add(tool.Tool{Name: "missing", Location: filepath.Join(t.TempDir(), "missing")}))

	caps, err := m.QueryCapabilities(t.Context(), "fake")
	require.NoError(t, err)
	require.Equal(t, "fake", caps.Name)

	_, err = m.QueryCapabilities(t.Context(), "unknown")
	require.ErrorIs(t, err, tool.ErrUnknownTool)

	err = m.QueryAll(t.Context())
	require.ErrorIs(t, err, tool.ErrNoConnection)

	found := m.Find(tipitest.Category, tipitest.Format)
	require.Len(t, found, 1)
	require.Equal(t, "fake", found[0].Name)
}

func TestExecuteSession(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	path, args := tipitest.Command(t, tipitest.ModeCopy)
	fake := tool.Tool{Name: "fake", Location: path, Arguments: args}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	ctx := t.Context()
	mon := monitor.New()
	p := m.Execute(ctx, fake, dir, mon, false)
	require.True(t, mon.AwaitConnection(ctx))
	require.NoError(t, mon.SendConfiguration(ctx, tipi.Configuration{
		Category:     tipitest.Category,
		OutputPrefix: "b",
		Inputs:       []tipi.Object{{ID: tipitest.InputID, Format: tipitest.Format, Location: "a.txt"}},
	}))
	require.True(t, mon.AwaitMessage(ctx, tipi.MessageConfiguration))
	out, ok := mon.Configuration().Output(tipitest.OutputID)
	require.True(t, ok)
	require.Equal(t, "b.txt", out.Location)

	require.NoError(t, mon.SendStartSignal(ctx))
	require.True(t, mon.AwaitCompletion(ctx))
	mon.Finish(false)
	<-p.Done()

	b, err := os.ReadFile(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
	require.Equal(t, execution.Completed, p.Status())
}
