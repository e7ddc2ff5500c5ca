package project_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Squadt/internal/execution"
	"github.com/CZERTAINLY/Squadt/internal/project"
	"github.com/CZERTAINLY/Squadt/internal/tipi"
	"github.com/CZERTAINLY/Squadt/internal/tipi/tipitest"
	"github.com/CZERTAINLY/Squadt/internal/tool"
	"github.com/stretchr/testify/require"
)

// newTools registers the test binary as tool once for every fake mode, the
// mode is the tool name
func newTools(t *testing.T) *tool.Manager {
	t.Helper()
	srv, err := tipi.Listen(t.Context(), "")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = srv.Close()
	})
	m := tool.NewManager(execution.NewExecutor(2), srv, 3).WithConnectTimeout(10 * time.Second)
	for _, mode := range []string{tipitest.ModeCopy, tipitest.ModeFail, tipitest.ModeReject} {
		path, args := tipitest.Command(t, mode)
		require.NoError(t, m.Add(tool.Tool{Name: mode, Location: path, Arguments: args}))
	}
	return m
}

func configured(t *testing.T, m *project.Manager, toolName string, src *project.Processor) *project.Processor {
	t.Helper()
	p := m.NewProcessor(toolName, &textInput)
	require.NoError(t, <-p.Configure(t.Context(), textInput, output(t, src).ID, ""))
	return p
}

func content(t *testing.T, m *project.Manager, p *project.Processor) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(m.StorePath(), output(t, p).Location))
	require.NoError(t, err)
	return string(b)
}

func TestConfigureRun(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m := newProject(t, project.Config{Tools: newTools(t)})
	a := importText(t, m, "a.txt", "hello")

	p := configured(t, m, tipitest.ModeCopy, a)
	cfg, ok := p.Configuration()
	require.True(t, ok)
	require.Equal(t, "a-001", cfg.OutputPrefix)
	require.Equal(t, tipitest.Category, cfg.Category)
	in, ok := cfg.Input(tipitest.InputID)
	require.True(t, ok)
	require.Equal(t, "a.txt", in.Location)

	o := output(t, p)
	require.Equal(t, "a-001.txt", o.Location)
	require.Equal(t, project.Nonexistent, o.Status)
	require.Equal(t, []project.ProcessorID{a.ID(), p.ID()}, ids(m.Processors()))
	require.Equal(t, []project.ProcessorID{p.ID()}, ids(m.Dependents(a)))

	require.NoError(t, <-p.Run(ctx, false))
	require.Equal(t, project.UpToDate, output(t, p).Status)
	require.NotEmpty(t, output(t, p).Digest)
	require.Equal(t, "hello", content(t, m, p))
	require.False(t, p.IsActive())
	require.False(t, p.CheckStatus(true))

	// sources only run on request
	require.ErrorIs(t, <-a.Run(ctx, false), project.ErrNoInputs)
}

func TestConfigureOutputDirectory(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m := newProject(t, project.Config{Tools: newTools(t)})
	a := importText(t, m, "a.txt", "hello")

	p := m.NewProcessor(tipitest.ModeCopy, &textInput)
	require.NoError(t, <-p.Configure(ctx, textInput, output(t, a).ID, "results"))
	require.Equal(t, filepath.Join("results", "a-001.txt"), output(t, p).Location)

	require.NoError(t, <-p.Run(ctx, false))
	require.FileExists(t, filepath.Join(m.StorePath(), "results", "a-001.txt"))

	cfg, _ := p.Configuration()
	out, ok := cfg.Output(tipitest.OutputID)
	require.True(t, ok)
	require.Equal(t, "a-001.txt", out.Location)
}

func TestConfigureRejected(t *testing.T) {
	t.Parallel()
	m := newProject(t, project.Config{Tools: newTools(t)})
	a := importText(t, m, "a.txt", "hello")

	p := m.NewProcessor(tipitest.ModeReject, &textInput)
	err := <-p.Configure(t.Context(), textInput, output(t, a).ID, "")
	require.ErrorIs(t, err, project.ErrRejected)
	require.Empty(t, p.Outputs())
	require.False(t, p.IsActive())
	require.Len(t, m.Processors(), 1)
}

func TestConfigureConflict(t *testing.T) {
	t.Parallel()
	m := newProject(t, project.Config{Tools: newTools(t)})
	a := importText(t, m, "a.txt", "hello")
	// the next configuration proposes exactly this location
	taken := fmt.Sprintf("a-%03d.txt", m.UniqueCount()+1)
	other := derived(t, m, taken, a)

	p := m.NewProcessor(tipitest.ModeCopy, &textInput)
	err := <-p.Configure(t.Context(), textInput, output(t, a).ID, "")
	require.ErrorIs(t, err, project.ErrDuplicateLocation)
	require.ErrorContains(t, err, taken)
	require.Empty(t, p.OutputObjects())
	require.False(t, p.IsActive())
	require.Equal(t, other.ID(), output(t, other).Generator)
}

func TestRunWithoutTool(t *testing.T) {
	t.Parallel()
	m := newProject(t, project.Config{Tools: newTools(t)})
	a := importText(t, m, "a.txt", "hello")
	p := derived(t, m, "b.txt", a)
	require.ErrorIs(t, <-p.Run(t.Context(), false), project.ErrNotConfigured)

	p.SetTool("unknown", nil)
	require.ErrorIs(t, <-p.Run(t.Context(), false), tool.ErrUnknownTool)
	require.False(t, p.IsActive())
}

func TestRunFailure(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m := newProject(t, project.Config{Tools: newTools(t)})
	a := importText(t, m, "a.txt", "hello")
	p := configured(t, m, tipitest.ModeCopy, a)
	require.NoError(t, <-p.Run(ctx, false))
	require.Equal(t, project.UpToDate, output(t, p).Status)

	p.SetTool(tipitest.ModeFail, &textInput)
	err := <-p.Run(ctx, false)
	require.ErrorIs(t, err, project.ErrTaskFailed)
	require.Equal(t, project.OutOfDate, output(t, p).Status)
	require.False(t, p.IsActive())

	require.NoError(t, p.FlushOutputs())
	err = <-p.Run(ctx, false)
	require.ErrorIs(t, err, project.ErrTaskFailed)
	require.Equal(t, project.Nonexistent, output(t, p).Status)
}

func TestUpdateChain(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m := newProject(t, project.Config{Tools: newTools(t)})
	var n notifications
	m.OnStatusChange(n.add)

	a := importText(t, m, "a.txt", "hello")
	p1 := configured(t, m, tipitest.ModeCopy, a)
	p2 := configured(t, m, tipitest.ModeCopy, p1)
	require.Equal(t, "a-001-002.txt", output(t, p2).Location)
	require.Equal(t, []project.ProcessorID{p2.ID()}, ids(m.Dependents(p1)))
	n.take()

	var mx sync.Mutex
	var updated []project.ProcessorID
	handler := func(p *project.Processor) {
		mx.Lock()
		defer mx.Unlock()
		updated = append(updated, p.ID())
	}

	require.NoError(t, m.Update(ctx, handler))
	require.Equal(t, []project.ProcessorID{p2.ID()}, updated)
	require.Equal(t, project.UpToDate, output(t, p1).Status)
	require.Equal(t, project.UpToDate, output(t, p2).Status)
	require.Equal(t, "hello", content(t, m, p2))
	require.Contains(t, n.take(), p2.ID())
	require.False(t, m.Updating())

	// nothing to do
	updated = nil
	require.NoError(t, m.Update(ctx, handler))
	require.Empty(t, updated)

	src := filepath.Join(m.StorePath(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("changed"), 0o644))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(src, future, future))
	require.True(t, p2.CheckStatus(true))
	require.Equal(t, project.OutOfDate, output(t, p1).Status)

	require.NoError(t, <-p2.Update(ctx, false))
	require.Equal(t, "changed", content(t, m, p1))
	require.Equal(t, "changed", content(t, m, p2))
	require.Equal(t, project.UpToDate, output(t, p2).Status)
}

func TestRunRecreatesMissingInputs(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	m := newProject(t, project.Config{Tools: newTools(t)})
	a := importText(t, m, "a.txt", "hello")
	p1 := configured(t, m, tipitest.ModeCopy, a)
	p2 := configured(t, m, tipitest.ModeCopy, p1)
	require.NoError(t, <-p1.Run(ctx, false))
	require.NoError(t, <-p2.Run(ctx, false))

	require.NoError(t, p1.FlushOutputs())
	require.Equal(t, project.Nonexistent, output(t, p1).Status)
	require.NoError(t, <-p2.Run(ctx, false))
	require.Equal(t, project.UpToDate, output(t, p1).Status)
	require.Equal(t, "hello", content(t, m, p2))

	require.NoError(t, os.Remove(filepath.Join(m.StorePath(), "a.txt")))
	require.NoError(t, p1.FlushOutputs())
	require.ErrorIs(t, <-p2.Run(ctx, false), project.ErrCannotRecreate)
}

func TestReconfigureRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	tools := newTools(t)
	m := newProject(t, project.Config{Tools: tools})
	a := importText(t, m, "a.txt", "hello")
	p := configured(t, m, tipitest.ModeCopy, a)
	require.NoError(t, p.SetOption("verbose", "yes"))
	require.NoError(t, <-p.Run(ctx, false))

	require.NoError(t, <-p.Reconfigure(ctx, "moved"))
	o := output(t, p)
	require.Equal(t, filepath.Join("moved", "a-001.txt"), o.Location)
	require.Equal(t, project.Nonexistent, o.Status)

	restored, err := project.Open(ctx, m.StorePath(), false, project.Config{Tools: tools})
	require.NoError(t, err)
	t.Cleanup(restored.Shutdown)
	rp, ok := restored.Processor(restored.Processors()[1].ID())
	require.True(t, ok)
	cfg, ok := rp.Configuration()
	require.True(t, ok)
	require.Equal(t, "yes", cfg.Options["verbose"])
	require.Equal(t, "a-001", cfg.OutputPrefix)
	require.Equal(t, "moved", rp.OutputDirectory())

	require.NoError(t, <-rp.Run(ctx, false))
	require.Equal(t, project.UpToDate, output(t, rp).Status)
	require.Equal(t, uint64(2), restored.UniqueCount())
}

type recorder struct {
	mx   sync.Mutex
	runs map[string]project.Run

	// project is queried while recording, it must not be locked then
	project *project.Manager
	blocked int
}

func (r *recorder) Started(_ context.Context, run project.Run) error {
	if r.project != nil {
		done := make(chan struct{})
		go func() {
			_ = r.project.Description()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			r.mx.Lock()
			r.blocked++
			r.mx.Unlock()
		}
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	r.runs[run.ID] = run
	return nil
}

func (r *recorder) Finished(_ context.Context, run project.Run) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.runs[run.ID] = run
	return nil
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	rec := &recorder{runs: map[string]project.Run{}}
	m := newProject(t, project.Config{Tools: newTools(t), Recorder: rec})
	rec.project = m
	a := importText(t, m, "a.txt", "hello")
	p := configured(t, m, tipitest.ModeCopy, a)
	require.NoError(t, <-p.Run(ctx, false))
	p.SetTool(tipitest.ModeFail, &textInput)
	require.Error(t, <-p.Run(ctx, false))

	rec.mx.Lock()
	defer rec.mx.Unlock()
	require.Zero(t, rec.blocked)
	ops := map[project.Operation]int{}
	failed := 0
	for _, run := range rec.runs {
		require.False(t, run.Finished.IsZero())
		require.Equal(t, p.ID(), run.Processor)
		ops[run.Operation]++
		if !run.Success() {
			failed++
		}
	}
	require.Equal(t, map[project.Operation]int{project.OpConfigure: 1, project.OpRun: 2}, ops)
	require.Equal(t, 1, failed)
}

func TestEdit(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	ctx := t.Context()
	m := newProject(t, project.Config{Tools: newTools(t)})
	a := importText(t, m, "a.txt", "a")
	p := derived(t, m, "b.txt", a)
	require.NoError(t, os.WriteFile(filepath.Join(m.StorePath(), "b.txt"), []byte("b"), 0o644))

	err = <-p.Edit(ctx, execution.Command{Path: sh, Args: []string{"-c", "exit 3"}})
	require.Error(t, err)
	require.Equal(t, project.OutOfDate, output(t, p).Status)
	require.False(t, p.IsActive())

	require.NoError(t, <-p.Edit(ctx, execution.Command{Path: sh, Args: []string{"-c", "echo edited > b.txt"}}))
	require.Equal(t, project.UpToDate, output(t, p).Status)
	require.Equal(t, "edited\n", content(t, m, p))
}
