package project

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Squadt/internal/execution"
	"github.com/CZERTAINLY/Squadt/internal/format"
	"github.com/CZERTAINLY/Squadt/internal/monitor"
	"github.com/CZERTAINLY/Squadt/internal/tipi"
	"github.com/CZERTAINLY/Squadt/internal/tool"
)

// ProjectFile is the name of the project description inside a store
const ProjectFile = "squadt-project.xml"

var (
	ErrNoProject     = errors.New("no project")
	ErrNotRegular    = errors.New("not a regular file")
	ErrReservedName  = errors.New("name is reserved")
	ErrUpdateRunning = errors.New("update already in progress")
)

// Config holds the collaborators of a Manager. Every field is optional.
type Config struct {
	Tools           *tool.Manager
	Formats         *format.Registry
	ExternalChanges ExternalChangePolicy
	Recorder        Recorder
	Digester        *Digester
}

// Manager owns the processors and objects of a project store and keeps
// their statuses consistent with each other and with the store.
type Manager struct {
	mx          sync.Mutex
	store       string
	description string
	count       uint64
	ids         uint64

	processors map[ProcessorID]*Processor
	order      []ProcessorID
	objects    map[ObjectID]*Object
	// revdeps maps a generator to the processors that use one of its outputs
	revdeps map[ProcessorID]map[ProcessorID]struct{}

	tools    *tool.Manager
	formats  *format.Registry
	policy   ExternalChangePolicy
	recorder Recorder
	digests  *Digester

	pending  []ProcessorID
	handlers []func(ProcessorID)
	updating atomic.Bool
}

func newManager(store string, cfg Config) *Manager {
	m := &Manager{
		store:      store,
		processors: make(map[ProcessorID]*Processor),
		objects:    make(map[ObjectID]*Object),
		revdeps:    make(map[ProcessorID]map[ProcessorID]struct{}),
		tools:      cfg.Tools,
		formats:    cfg.Formats,
		policy:     cfg.ExternalChanges,
		recorder:   cfg.Recorder,
		digests:    cfg.Digester,
	}
	if m.formats == nil {
		m.formats = format.NewRegistry()
	}
	if m.digests == nil {
		m.digests = NewDigester()
	}
	return m
}

// Create opens the project at path and creates it when needed
func Create(ctx context.Context, path string, cfg Config) (*Manager, error) {
	return Open(ctx, path, true, cfg)
}

// Open loads the project at path, which is a store directory or the project
// file inside one. With recreate a missing store is created, and a store
// without a readable project file gets all its files imported.
func Open(ctx context.Context, path string, recreate bool, cfg Config) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path: %w", ErrNoProject)
	}
	store := path
	if filepath.Base(path) == ProjectFile {
		store = filepath.Dir(path)
	} else if info, err := os.Stat(path); err == nil && !info.IsDir() {
		store = filepath.Dir(path)
	}
	store, err := filepath.Abs(store)
	if err != nil {
		return nil, err
	}

	m := newManager(store, cfg)
	file := m.ProjectFile()

	info, err := os.Stat(store)
	switch {
	case err == nil && info.IsDir():
		_, ferr := os.Stat(file)
		switch {
		case ferr == nil && !recreate:
			if err := m.restore(file); err != nil {
				return nil, err
			}
		case recreate:
			if ferr == nil {
				slog.WarnContext(ctx, "replacing project file", "path", file)
				if err := os.Remove(file); err != nil {
					return nil, err
				}
			}
			if err := m.ImportDirectory(ctx, store); err != nil {
				return nil, err
			}
			if err := m.Store(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unable to load project file %s: %w", file, ErrNoProject)
		}
	case recreate:
		if err := os.MkdirAll(store, 0o755); err != nil {
			return nil, fmt.Errorf("creating project store: %w", err)
		}
		if err := m.Store(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("directory %s does not exist: %w", store, ErrNoProject)
	}

	m.mx.Lock()
	m.revdeps = make(map[ProcessorID]map[ProcessorID]struct{})
	for _, id := range m.order {
		m.updateDependencies(m.processors[id])
	}
	m.mx.Unlock()
	return m, nil
}

func (m *Manager) Store() error {
	m.mx.Lock()
	defer m.unlock()
	return m.write()
}

// StorePath is the directory holding all objects
func (m *Manager) StorePath() string {
	return m.store
}

func (m *Manager) ProjectFile() string {
	return filepath.Join(m.store, ProjectFile)
}

func (m *Manager) Description() string {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.description
}

func (m *Manager) SetDescription(d string) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.description = d
}

// UniqueCount returns a new number, unique within the project
func (m *Manager) UniqueCount() uint64 {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.count++
	return m.count
}

// nextID must be called with m.mx held
func (m *Manager) nextID() uint64 {
	m.ids++
	return m.ids
}

// OnStatusChange registers f to be called after objects of a processor changed
// status. It is called without any lock held.
func (m *Manager) OnStatusChange(f func(ProcessorID)) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.handlers = append(m.handlers, f)
}

// changed queues a status notification, must be called with m.mx held
func (m *Manager) changed(id ProcessorID) {
	if id == 0 || slices.Contains(m.pending, id) {
		return
	}
	m.pending = append(m.pending, id)
}

// unlock releases m.mx and delivers queued status notifications
func (m *Manager) unlock() {
	pending := m.pending
	m.pending = nil
	handlers := slices.Clone(m.handlers)
	m.mx.Unlock()
	for _, id := range pending {
		for _, f := range handlers {
			f(id)
		}
	}
}

// NewProcessor creates an unconnected processor for the named tool. It becomes
// part of the project on Commit.
func (m *Manager) NewProcessor(toolName string, ic *tipi.InputConfiguration) *Processor {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.newProcessor(toolName, ic)
}

// newProcessor must be called with m.mx held
func (m *Manager) newProcessor(toolName string, ic *tipi.InputConfiguration) *Processor {
	p := &Processor{
		id:      ProcessorID(m.nextID()),
		manager: m,
		tool:    toolName,
		monitor: monitor.New(),
	}
	if ic != nil {
		c := *ic
		p.inputConfiguration = &c
	}
	id := p.id
	p.monitor.OnStatusChange(func(s execution.Status) {
		m.processStatusChanged(id, s)
	})
	m.processors[p.id] = p
	return p
}

func (m *Manager) Processor(id ProcessorID) (*Processor, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	p, ok := m.processors[id]
	return p, ok
}

// Processors returns all processors in project order
func (m *Manager) Processors() []*Processor {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.ordered()
}

// ordered must be called with m.mx held
func (m *Manager) ordered() []*Processor {
	ret := make([]*Processor, 0, len(m.order))
	for _, id := range m.order {
		ret = append(ret, m.processors[id])
	}
	return ret
}

func (m *Manager) Object(id ObjectID) (Object, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	o, ok := m.objects[id]
	if !ok {
		return Object{}, false
	}
	return *o, true
}

// Dependents returns the processors using an output of p
func (m *Manager) Dependents(p *Processor) []*Processor {
	m.mx.Lock()
	defer m.mx.Unlock()
	var ret []*Processor
	for _, id := range m.dependents(p.id) {
		ret = append(ret, m.processors[id])
	}
	return ret
}

// dependents must be called with m.mx held
func (m *Manager) dependents(id ProcessorID) []ProcessorID {
	return slices.Sorted(maps.Keys(m.revdeps[id]))
}

// Commit adds p to the project when it is not part of it yet, refreshes the
// dependencies of p and stores the project
func (m *Manager) Commit(p *Processor) error {
	m.mx.Lock()
	defer m.unlock()
	return m.commit(p)
}

// commit must be called with m.mx held
func (m *Manager) commit(p *Processor) error {
	if _, ok := m.processors[p.id]; !ok || p.manager != m {
		return graphErrorf(ErrUnknownProcessor, "processor %d", p.id)
	}
	previous := m.generatorsOf(p)
	for g := range m.revdeps {
		delete(m.revdeps[g], p.id)
	}
	m.updateDependencies(p)
	if cycle := m.findCycle(p.id); cycle != nil {
		for g := range m.revdeps {
			delete(m.revdeps[g], p.id)
		}
		for _, g := range previous {
			m.addDependency(g, p.id)
		}
		return graphErrorf(ErrCycle, "%v", cycle)
	}
	if !slices.Contains(m.order, p.id) {
		m.order = append(m.order, p.id)
	}
	return m.write()
}

// generatorsOf must be called with m.mx held
func (m *Manager) generatorsOf(p *Processor) []ProcessorID {
	var ret []ProcessorID
	for g, deps := range m.revdeps {
		if _, ok := deps[p.id]; ok {
			ret = append(ret, g)
		}
	}
	return ret
}

// updateDependencies records p as dependent of the generators of its inputs,
// must be called with m.mx held
func (m *Manager) updateDependencies(p *Processor) {
	for _, s := range p.inputs {
		o, ok := m.objects[s.Object]
		if !ok || o.Generator == 0 {
			continue
		}
		m.addDependency(o.Generator, p.id)
	}
}

func (m *Manager) addDependency(generator, dependent ProcessorID) {
	deps, ok := m.revdeps[generator]
	if !ok {
		deps = make(map[ProcessorID]struct{})
		m.revdeps[generator] = deps
	}
	deps[dependent] = struct{}{}
}

// findCycle returns the processors of a dependency cycle through start, or nil
func (m *Manager) findCycle(start ProcessorID) []ProcessorID {
	visited := make(map[ProcessorID]bool)
	var path []ProcessorID
	var visit func(id ProcessorID) bool
	visit = func(id ProcessorID) bool {
		path = append(path, id)
		for _, d := range m.dependents(id) {
			if d == start {
				return true
			}
			if visited[d] {
				continue
			}
			visited[d] = true
			if visit(d) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if visit(start) {
		return append(path, start)
	}
	return nil
}

// SortProcessors orders the processors such that every processor comes after
// the processors producing its inputs. Sources come first, in their current order.
func (m *Manager) SortProcessors() {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.sortProcessors()
}

// sortProcessors must be called with m.mx held
func (m *Manager) sortProcessors() {
	weights := make(map[ProcessorID]int, len(m.order))
	number := 0
	for _, id := range m.order {
		if len(m.processors[id].inputs) == 0 {
			number++
			weights[id] = number
		}
	}

	for progress := true; progress && len(weights) < len(m.order); {
		progress = false
		for _, id := range m.order {
			if _, ok := weights[id]; ok {
				continue
			}
			maximum, all := 0, true
			for _, s := range m.processors[id].inputs {
				o, ok := m.objects[s.Object]
				if !ok || o.Generator == 0 || o.Generator == id {
					continue
				}
				w, ok := weights[o.Generator]
				if !ok {
					all = false
					break
				}
				maximum = max(maximum, w)
			}
			if all {
				weights[id] = 1 + max(maximum, number)
				progress = true
			}
		}
	}

	slices.SortStableFunc(m.order, func(a, b ProcessorID) int {
		wa, ok := weights[a]
		if !ok {
			wa = len(m.order) + number + 1
		}
		wb, ok := weights[b]
		if !ok {
			wb = len(m.order) + number + 1
		}
		return cmp.Compare(wa, wb)
	})
}

// DemoteStatus marks the outputs of everything depending on p out of date
func (m *Manager) DemoteStatus(p *Processor) {
	m.mx.Lock()
	defer m.unlock()
	m.demoteDependents(p)
}

// demoteDependents must be called with m.mx held
func (m *Manager) demoteDependents(p *Processor) {
	stack := []ProcessorID{p.id}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range m.dependents(id) {
			dp := m.processors[d]
			if !m.isActive(dp) && m.demote(dp) {
				stack = append(stack, d)
			}
		}
	}
}

// UpdateStatus rechecks everything depending on p. With force the direct
// dependents are demoted first.
func (m *Manager) UpdateStatus(p *Processor, force bool) {
	m.mx.Lock()
	defer m.unlock()
	m.updateStatus(p, force)
}

// updateStatus must be called with m.mx held
func (m *Manager) updateStatus(p *Processor, force bool) {
	var stack []ProcessorID
	if force {
		for _, d := range m.dependents(p.id) {
			m.demote(m.processors[d])
			stack = append(stack, d)
		}
	} else {
		stack = append(stack, p.id)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range m.dependents(id) {
			if m.checkStatus(m.processors[d], true) {
				stack = append(stack, d)
			}
		}
	}
}

// ConflictList returns the objects of other processors stored at a location
// which the outputs of cfg would take when p adopts it
func (m *Manager) ConflictList(p *Processor, cfg tipi.Configuration) []Object {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.conflictList(p, cfg)
}

// conflictList must be called with m.mx held
func (m *Manager) conflictList(p *Processor, cfg tipi.Configuration) []Object {
	var ret []Object
	for _, out := range cfg.Outputs {
		location, err := m.storeRelative(p, out.Location)
		if err != nil {
			continue
		}
		o, ok := m.searchObject(location)
		if !ok || o.Generator == p.id {
			continue
		}
		if !slices.ContainsFunc(ret, func(c Object) bool { return c.ID == o.ID }) {
			ret = append(ret, *o)
		}
	}
	return ret
}

// Remove deletes p and every processor depending on it, directly or not.
// With deleteFiles their outputs are removed from the store.
func (m *Manager) Remove(p *Processor, deleteFiles bool) error {
	m.mx.Lock()
	if _, ok := m.processors[p.id]; !ok {
		m.unlock()
		return graphErrorf(ErrUnknownProcessor, "processor %d", p.id)
	}
	obsolete := map[ProcessorID]struct{}{p.id: {}}
	stack := []ProcessorID{p.id}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range m.dependents(id) {
			if _, ok := obsolete[d]; !ok {
				obsolete[d] = struct{}{}
				stack = append(stack, d)
			}
		}
	}

	var removed []*Processor
	var errs []error
	for _, id := range m.order {
		if _, ok := obsolete[id]; !ok {
			continue
		}
		q := m.processors[id]
		removed = append(removed, q)
		if deleteFiles {
			errs = append(errs, m.deleteOutputs(q))
		}
	}
	for id := range obsolete {
		delete(m.revdeps, id)
		for g := range m.revdeps {
			delete(m.revdeps[g], id)
		}
		for _, s := range m.processors[id].outputs {
			delete(m.objects, s.Object)
		}
		delete(m.processors, id)
	}
	m.order = slices.DeleteFunc(m.order, func(id ProcessorID) bool {
		_, ok := obsolete[id]
		return ok
	})
	errs = append(errs, m.write())
	m.unlock()

	for _, q := range removed {
		q.monitor.Shutdown()
	}
	return errors.Join(errs...)
}

// deleteOutputs removes the output files of p, must be called with m.mx held
func (m *Manager) deleteOutputs(p *Processor) error {
	var errs []error
	for _, s := range p.outputs {
		o := m.objects[s.Object]
		path := m.path(o)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		m.digests.Forget(path)
		m.tryChangeStatus(o, Nonexistent)
	}
	return errors.Join(errs...)
}

// Exists reports whether an object is stored at the store relative name
func (m *Manager) Exists(name string) (bool, error) {
	name = filepath.Clean(name)
	if info, err := os.Stat(filepath.Join(m.store, name)); err == nil && !info.Mode().IsRegular() {
		return false, fmt.Errorf("%s in %s: %w", name, m.store, ErrNotRegular)
	}
	if name == ProjectFile {
		return false, fmt.Errorf("%s: %w", name, ErrReservedName)
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	_, ok := m.searchObject(name)
	return ok, nil
}

// SearchObject returns the object stored at the store relative name
func (m *Manager) SearchObject(name string) (Object, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	o, ok := m.searchObject(filepath.Clean(name))
	if !ok {
		return Object{}, false
	}
	return *o, true
}

// searchObject must be called with m.mx held
func (m *Manager) searchObject(location string) (*Object, bool) {
	for _, id := range m.order {
		for _, s := range m.processors[id].outputs {
			if o := m.objects[s.Object]; o.Location == location {
				return o, true
			}
		}
	}
	// outputs of processors not committed yet
	for _, o := range m.objects {
		if o.Location == location {
			return o, true
		}
	}
	return nil, false
}

// copyFile copies src to dst unless they are the same file or dst exists
func copyFile(src, dst string) error {
	if sa, err := filepath.Abs(src); err == nil && sa == dst {
		return nil
	}
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// CleanStore deletes the files in the store that are not objects of the project
func (m *Manager) CleanStore(p *Processor) error {
	entries, err := os.ReadDir(m.store)
	if err != nil {
		return err
	}
	m.mx.Lock()
	defer m.unlock()
	// only files at the top of the store are considered
	known := map[string]struct{}{ProjectFile: {}}
	for _, o := range m.objects {
		known[filepath.Clean(o.Location)] = struct{}{}
	}
	var errs []error
	for _, e := range entries {
		if _, ok := known[e.Name()]; ok || !e.Type().IsRegular() {
			continue
		}
		slog.Debug("removing unknown file from store", "name", e.Name())
		if err := os.Remove(filepath.Join(m.store, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if p != nil {
		if _, ok := m.processors[p.id]; ok {
			m.updateStatus(p, false)
		}
	}
	return errors.Join(errs...)
}

// Shutdown ends all tool sessions of the project
func (m *Manager) Shutdown() {
	for _, p := range m.Processors() {
		p.monitor.Shutdown()
	}
}
