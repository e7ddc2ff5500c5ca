package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Squadt/internal/execution"
	"github.com/CZERTAINLY/Squadt/internal/monitor"
	"github.com/CZERTAINLY/Squadt/internal/tipi"
	"github.com/CZERTAINLY/Squadt/internal/tool"
)

// exitWait is how long a tool gets to exit after its session ended
const exitWait = 10 * time.Second

// Configure selects the input configuration ic of the tool, with the object
// primary as main input, and lets the tool decide about its outputs. The tool
// runs in outputDir, relative to the store.
func (p *Processor) Configure(ctx context.Context, ic tipi.InputConfiguration, primary ObjectID, outputDir string) <-chan error {
	m := p.manager
	m.mx.Lock()
	o, ok := m.objects[primary]
	if !ok {
		m.unlock()
		return failed(graphErrorf(ErrUnknownObject, "object %d", primary))
	}
	t, err := m.toolOf(p)
	if err != nil {
		m.unlock()
		return failed(err)
	}
	if err := m.begin(p); err != nil {
		m.unlock()
		return failed(err)
	}
	p.inputConfiguration = &ic
	p.outputDirectory = filepath.Clean(outputDir)
	if p.outputDirectory == "." {
		p.outputDirectory = ""
	}
	m.count++
	base := filepath.Base(o.Location)
	cfg := tipi.Configuration{
		Category:     ic.Category,
		OutputPrefix: fmt.Sprintf("%s-%03d", strings.TrimSuffix(base, filepath.Ext(base)), m.count),
		Inputs:       []tipi.Object{{ID: ic.PrimaryID, Format: o.Format, Location: m.path(o)}},
	}
	if p.configuration != nil {
		cfg.Options = p.configuration.Clone().Options
	}
	m.unlock()

	return async(func() error {
		return m.configure(ctx, p, t, cfg)
	})
}

// Reconfigure lets the tool revise the current configuration, its outputs
// move to outputDir
func (p *Processor) Reconfigure(ctx context.Context, outputDir string) <-chan error {
	m := p.manager
	m.mx.Lock()
	if p.configuration == nil {
		m.unlock()
		return failed(fmt.Errorf("%s: %w", p, ErrNotConfigured))
	}
	t, err := m.toolOf(p)
	if err != nil {
		m.unlock()
		return failed(err)
	}
	if err := m.begin(p); err != nil {
		m.unlock()
		return failed(err)
	}
	cfg := m.configurationOf(p, true)
	p.outputDirectory = filepath.Clean(outputDir)
	if p.outputDirectory == "." {
		p.outputDirectory = ""
	}
	m.unlock()

	return async(func() error {
		return m.configure(ctx, p, t, cfg)
	})
}

// SetOption changes a tool option of the configuration
func (p *Processor) SetOption(name, value string) error {
	m := p.manager
	m.mx.Lock()
	defer m.unlock()
	if p.configuration == nil {
		return fmt.Errorf("%s: %w", p, ErrNotConfigured)
	}
	if p.configuration.Options == nil {
		p.configuration.Options = make(map[string]string)
	}
	p.configuration.Options[name] = value
	m.demote(p)
	return nil
}

// Run runs the tool. Inputs missing from the store are regenerated first. A
// processor without inputs only runs with bypassNoInputCheck.
func (p *Processor) Run(ctx context.Context, bypassNoInputCheck bool) <-chan error {
	return async(func() error {
		return p.manager.operate(ctx, p, bypassNoInputCheck, false)
	})
}

// Update is Run, except that every input whose generator is not up to date is
// regenerated first
func (p *Processor) Update(ctx context.Context, bypassNoInputCheck bool) <-chan error {
	return async(func() error {
		return p.manager.operate(ctx, p, bypassNoInputCheck, true)
	})
}

// Edit opens the first output of the processor with cmd. When the command
// ends the output counts as current and dependents are refreshed.
func (p *Processor) Edit(ctx context.Context, cmd execution.Command) <-chan error {
	m := p.manager
	m.mx.Lock()
	if m.tools == nil {
		m.unlock()
		return failed(fmt.Errorf("%s: %w", p, ErrNoTool))
	}
	if len(p.outputs) == 0 {
		m.unlock()
		return failed(fmt.Errorf("%s: %w", p, ErrNoPrimaryOutput))
	}
	if err := m.begin(p); err != nil {
		m.unlock()
		return failed(err)
	}
	target := m.path(m.objects[p.outputs[0].Object])
	run := m.newRun(p, OpEdit)
	m.unlock()
	m.startRun(ctx, run)

	return async(func() error {
		err := m.edit(ctx, p, cmd, target)
		m.finishRun(ctx, run, err)
		return err
	})
}

// FlushOutputs deletes the output files and refreshes the dependents
func (p *Processor) FlushOutputs() error {
	m := p.manager
	m.mx.Lock()
	defer m.unlock()
	if m.isActive(p) {
		return fmt.Errorf("%s: %w", p, ErrActive)
	}
	err := m.deleteOutputs(p)
	m.updateStatus(p, false)
	return err
}

// RelocateOutput moves the output object id to the store relative location
func (p *Processor) RelocateOutput(id ObjectID, location string) error {
	m := p.manager
	m.mx.Lock()
	defer m.unlock()
	if m.isActive(p) {
		return fmt.Errorf("%s: %w", p, ErrActive)
	}
	if !slices.ContainsFunc(p.outputs, func(s Slot) bool { return s.Object == id }) {
		return graphErrorf(ErrUnknownObject, "%d is not an output of %s", id, p)
	}
	location = filepath.Clean(location)
	if location == ProjectFile {
		return fmt.Errorf("%s: %w", location, ErrReservedName)
	}
	if other, ok := m.searchObject(location); ok && other.ID != id {
		return graphErrorf(ErrDuplicateLocation, "%s", location)
	}

	o := m.objects[id]
	if m.present(o) {
		dst := filepath.Join(m.store, location)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.Rename(m.path(o), dst); err != nil {
			return fmt.Errorf("relocating %s: %w", o.Location, err)
		}
		m.digests.Forget(m.path(o))
	}
	o.Location = location
	m.changed(p.id)
	return m.commit(p)
}

func async(f func() error) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- f()
		close(ch)
	}()
	return ch
}

func failed(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}

// toolOf must be called with m.mx held
func (m *Manager) toolOf(p *Processor) (tool.Tool, error) {
	if p.tool == "" || m.tools == nil {
		return tool.Tool{}, fmt.Errorf("%s: %w", p, ErrNoTool)
	}
	t, ok := m.tools.Get(p.tool)
	if !ok {
		return tool.Tool{}, fmt.Errorf("%s: %w", p.tool, tool.ErrUnknownTool)
	}
	return t, nil
}

// begin marks p as active, must be called with m.mx held
func (m *Manager) begin(p *Processor) error {
	if _, ok := m.processors[p.id]; !ok {
		return graphErrorf(ErrUnknownProcessor, "processor %d", p.id)
	}
	if m.isActive(p) {
		return fmt.Errorf("%s: %w", p, ErrActive)
	}
	p.busy = true
	return nil
}

func (m *Manager) release(p *Processor) {
	m.mx.Lock()
	defer m.unlock()
	p.busy = false
}

func (m *Manager) workdir(p *Processor) (string, error) {
	dir := filepath.Join(m.store, p.outputDirectory)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// configure runs a configuration session with the tool
func (m *Manager) configure(ctx context.Context, p *Processor, t tool.Tool, cfg tipi.Configuration) error {
	m.mx.Lock()
	run := m.newRun(p, OpConfigure)
	dir, err := m.workdir(p)
	m.unlock()
	m.startRun(ctx, run)
	if err != nil {
		m.release(p)
		m.finishRun(ctx, run, err)
		return err
	}

	mon := p.monitor
	mon.Reset()
	proc := m.tools.Execute(ctx, t, dir, mon, false)
	accepted, err := m.session(ctx, mon, cfg, false)
	mon.Finish(false)
	m.waitProcess(ctx, proc)

	m.mx.Lock()
	if err == nil {
		err = m.processConfiguration(p, accepted, false)
	}
	if err != nil {
		m.settle(p, true)
	}
	p.busy = false
	m.unlock()
	m.finishRun(ctx, run, err)
	return err
}

// operate runs or updates p, inputs are prepared first
func (m *Manager) operate(ctx context.Context, p *Processor, bypass, update bool) error {
	m.mx.Lock()
	if err := m.begin(p); err != nil {
		m.unlock()
		return err
	}
	if !bypass && len(p.inputs) == 0 {
		p.busy = false
		m.unlock()
		return fmt.Errorf("%s: %w", p, ErrNoInputs)
	}
	t, err := m.toolOf(p)
	if err == nil && p.configuration == nil {
		err = fmt.Errorf("%s: %w", p, ErrNotConfigured)
	}
	if err != nil {
		p.busy = false
		m.unlock()
		return err
	}
	inputs := slices.Clone(p.inputs)
	m.unlock()

	if err := m.prepareInputs(ctx, p, inputs, update); err != nil {
		m.release(p)
		return err
	}

	op := OpRun
	if update {
		op = OpUpdate
	}
	return m.execute(ctx, p, t, op)
}

// prepareInputs makes sure all inputs of p are in the store. With update,
// inputs whose generator is not up to date are regenerated as well.
func (m *Manager) prepareInputs(ctx context.Context, p *Processor, inputs []Slot, update bool) error {
	for _, s := range inputs {
		m.mx.Lock()
		o, ok := m.objects[s.Object]
		if !ok {
			m.unlock()
			return graphErrorf(ErrUnknownObject, "input %s of %s", s.ID, p)
		}
		location := o.Location
		g, ok := m.processors[o.Generator]
		derived := ok && g != p && len(g.inputs) > 0
		stale := update && derived && m.checkStatus(g, true)
		present := m.present(o)
		m.unlock()

		switch {
		case stale:
			slog.DebugContext(ctx, "updating input", "location", location, "processor", p.id)
			if err := m.operate(ctx, g, false, true); err != nil {
				return fmt.Errorf("updating %s: %w", location, err)
			}
		case present:
			continue
		case derived:
			slog.DebugContext(ctx, "recreating input", "location", location, "processor", p.id)
			if err := m.operate(ctx, g, false, update); err != nil {
				return fmt.Errorf("recreating %s: %w", location, err)
			}
		default:
			return fmt.Errorf("%s: %w", location, ErrCannotRecreate)
		}

		m.mx.Lock()
		present = m.present(o)
		m.unlock()
		if !present {
			return fmt.Errorf("%s was not produced: %w", location, ErrCannotRecreate)
		}
	}
	return nil
}

// execute runs a full tool session for p, which must be marked active
func (m *Manager) execute(ctx context.Context, p *Processor, t tool.Tool, op Operation) error {
	m.mx.Lock()
	run := m.newRun(p, op)
	cfg := m.configurationOf(p, true)
	for _, s := range p.outputs {
		m.setStatus(m.objects[s.Object], InProgress)
	}
	dir, err := m.workdir(p)
	m.unlock()
	m.startRun(ctx, run)
	if err != nil {
		m.finish(p, err, nil)
		m.finishRun(ctx, run, err)
		return err
	}

	mon := p.monitor
	mon.Reset()
	proc := m.tools.Execute(ctx, t, dir, mon, false)
	accepted, err := m.session(ctx, mon, cfg, true)
	mon.Finish(false)
	m.waitProcess(ctx, proc)

	m.finish(p, err, &accepted)
	m.finishRun(ctx, run, err)
	return err
}

// finish records the result of a tool run on the outputs of p and refreshes its dependents
func (m *Manager) finish(p *Processor, err error, accepted *tipi.Configuration) {
	m.mx.Lock()
	defer m.unlock()
	p.busy = false
	if _, ok := m.processors[p.id]; !ok {
		return
	}
	if err == nil && accepted != nil {
		if perr := m.processConfiguration(p, *accepted, true); perr != nil {
			slog.Warn("processing configuration of finished run failed", "processor", p.id, "error", perr)
			err = perr
		}
	}
	if err != nil {
		m.settle(p, false)
	}
	m.updateStatus(p, false)
}

// settle moves outputs out of a run: existing files are out of date, missing
// ones nonexistent. With onlyInProgress other outputs are left alone. Must be
// called with m.mx held.
func (m *Manager) settle(p *Processor, onlyInProgress bool) {
	for _, s := range p.outputs {
		o := m.objects[s.Object]
		if onlyInProgress && o.Status != InProgress {
			continue
		}
		m.settleObject(o)
	}
}

// settleObject marks o out of date when its file exists, nonexistent otherwise
func (m *Manager) settleObject(o *Object) {
	if m.present(o) {
		m.setStatus(o, OutOfDate)
	} else {
		m.setStatus(o, Nonexistent)
	}
}

// session talks to the tool of mon: it configures it and, with start, runs
// the task. It returns the configuration accepted by the tool.
func (m *Manager) session(ctx context.Context, mon *monitor.Monitor, cfg tipi.Configuration, start bool) (tipi.Configuration, error) {
	if !mon.AwaitStart(ctx) {
		return cfg, errors.Join(ErrNoConnection, ctx.Err())
	}
	cctx, cancel := context.WithTimeout(ctx, m.tools.ConnectTimeout())
	defer cancel()
	if !mon.AwaitConnection(cctx) {
		return cfg, errors.Join(ErrNoConnection, ctx.Err())
	}

	if err := mon.SendConfiguration(ctx, cfg); err != nil {
		return cfg, fmt.Errorf("sending configuration: %w", err)
	}
	if !mon.AwaitMessage(ctx, tipi.MessageConfiguration) {
		return cfg, taskError(ctx, mon, ErrRejected)
	}
	if !start {
		return mon.Configuration(), nil
	}

	if err := mon.SendStartSignal(ctx); err != nil {
		return cfg, fmt.Errorf("starting task: %w", err)
	}
	if !mon.AwaitCompletion(ctx) {
		return cfg, taskError(ctx, mon, ErrTaskFailed)
	}
	return mon.Configuration(), nil
}

func taskError(ctx context.Context, mon *monitor.Monitor, kind error) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(kind, err)
	}
	if task, ok := mon.Task(); ok && task.Message != "" {
		return fmt.Errorf("%w: %s", kind, task.Message)
	}
	return kind
}

// waitProcess waits for proc to exit and terminates it when it takes too long
func (m *Manager) waitProcess(ctx context.Context, proc *execution.Process) {
	t := time.NewTimer(exitWait)
	defer t.Stop()
	select {
	case <-proc.Done():
		return
	case <-ctx.Done():
	case <-t.C:
		slog.WarnContext(ctx, "tool did not exit: terminating", "command", proc.Command().String())
	}
	proc.Terminate(monitor.Grace)
	<-proc.Done()
}

// edit runs cmd on target and takes the result as the new content of the outputs
func (m *Manager) edit(ctx context.Context, p *Processor, cmd execution.Command, target string) error {
	if err := touch(target); err != nil {
		m.release(p)
		return err
	}
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(target)
	}

	mon := p.monitor
	mon.Reset()
	proc := m.tools.ExecuteCommand(ctx, cmd, mon, true)
	select {
	case <-proc.Done():
	case <-ctx.Done():
		proc.Terminate(monitor.Grace)
		<-proc.Done()
	}

	m.mx.Lock()
	defer m.unlock()
	p.busy = false
	if _, ok := m.processors[p.id]; !ok {
		return graphErrorf(ErrUnknownProcessor, "processor %d", p.id)
	}
	if proc.Status() != execution.Completed {
		m.settle(p, true)
		m.checkStatus(p, false)
		return fmt.Errorf("%s: editor failed: %w", cmd.Path, proc.Err())
	}

	status := UpToDate
	if len(p.inputs) == 0 {
		status = Original
	}
	changed := false
	for _, s := range p.outputs {
		o := m.objects[s.Object]
		m.setStatus(o, status)
		digest := o.Digest
		m.record(o)
		changed = changed || digest != o.Digest
	}
	if changed || m.checkStatus(p, true) {
		m.updateStatus(p, true)
	}
	return nil
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// processConfiguration adopts the objects of a configuration accepted by the
// tool. After a successful run the outputs are up to date, otherwise the
// existing ones are out of date. Outputs the tool dropped are removed from the
// store. Must be called with m.mx held.
func (m *Manager) processConfiguration(p *Processor, cfg tipi.Configuration, afterRun bool) error {
	if conflicts := m.conflictList(p, cfg); len(conflicts) > 0 {
		locations := make([]string, 0, len(conflicts))
		for _, o := range conflicts {
			slog.Warn("output location already in use", "location", o.Location, "processor", p.id, "generator", o.Generator)
			locations = append(locations, o.Location)
		}
		return graphErrorf(ErrDuplicateLocation, "%s", strings.Join(locations, ", "))
	}
	for _, in := range cfg.Inputs {
		location := in.Location
		if filepath.IsAbs(location) {
			rel, err := filepath.Rel(m.store, location)
			if err != nil {
				continue
			}
			location = rel
		}
		if o, ok := m.searchObject(filepath.Clean(location)); ok && o.Generator != p.id {
			if err := m.registerInput(p, in.ID, o.ID); err != nil {
				return err
			}
		}
	}

	previous := slices.Clone(p.outputs)
	keep := make(map[string]struct{}, len(cfg.Outputs))
	for _, out := range cfg.Outputs {
		location, err := m.storeRelative(p, out.Location)
		if err != nil {
			return err
		}
		keep[out.ID] = struct{}{}

		if idx := slices.IndexFunc(p.outputs, func(s Slot) bool { return s.ID == out.ID }); idx >= 0 {
			if o := m.objects[p.outputs[idx].Object]; o.Location != location && m.present(o) {
				if err := os.Remove(m.path(o)); err != nil {
					slog.Warn("removing renamed output failed", "location", o.Location, "error", err)
				}
			}
		}

		status := Nonexistent
		if afterRun {
			status = UpToDate
			if len(p.inputs) == 0 {
				status = Original
			}
		} else if _, err := os.Stat(filepath.Join(m.store, location)); err == nil {
			status = OutOfDate
		}
		id, err := m.registerOutput(p, out.ID, out.Format, location, status)
		if err != nil {
			return err
		}
		if afterRun {
			o := m.objects[id]
			if !m.present(o) {
				slog.Warn("tool did not produce output", "location", location, "processor", p.id)
				m.setStatus(o, Nonexistent)
			}
			m.record(o)
		}
	}

	for _, s := range previous {
		if _, ok := keep[s.ID]; ok {
			continue
		}
		if o := m.objects[s.Object]; m.present(o) {
			if err := os.Remove(m.path(o)); err != nil {
				slog.Warn("removing dropped output failed", "location", o.Location, "error", err)
			}
		}
		m.dropOutput(p, s.ID)
	}

	c := cfg.Clone()
	c.Inputs = nil
	c.Outputs = nil
	p.configuration = &c

	if len(p.outputs) > 0 {
		return m.commit(p)
	}
	return nil
}
