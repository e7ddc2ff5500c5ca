package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Squadt/internal/execution"
	"github.com/CZERTAINLY/Squadt/internal/monitor"
	"github.com/CZERTAINLY/Squadt/internal/tipi"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrDuplicateTool = errors.New("tool already registered")
	ErrNoConnection  = errors.New("tool did not connect")
)

const DefaultConnectTimeout = 10 * time.Second

// Manager launches tools through an executor and routes their connections
// to the monitors of the launches.
type Manager struct {
	executor       *execution.Executor
	server         *tipi.Server
	logFilterLevel int
	connectTimeout time.Duration

	mx    sync.RWMutex
	names []string
	tools map[string]Tool
}

func NewManager(executor *execution.Executor, server *tipi.Server, logFilterLevel int) *Manager {
	return &Manager{
		executor:       executor,
		server:         server,
		logFilterLevel: logFilterLevel,
		connectTimeout: DefaultConnectTimeout,
		tools:          make(map[string]Tool),
	}
}

// WithConnectTimeout changes the time a started tool has to connect
func (m *Manager) WithConnectTimeout(d time.Duration) *Manager {
	m.connectTimeout = d
	return m
}

func (m *Manager) ConnectTimeout() time.Duration {
	return m.connectTimeout
}

func (m *Manager) Executor() *execution.Executor {
	return m.executor
}

// AddCatalog registers all tools of c
func (m *Manager) AddCatalog(c Catalog) error {
	var errs []error
	for _, t := range c.Tools {
		if err := m.Add(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Add(t Tool) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.tools[t.Name]; ok {
		return fmt.Errorf("%s: %w", t.Name, ErrDuplicateTool)
	}
	m.tools[t.Name] = t
	m.names = append(m.names, t.Name)
	return nil
}

func (m *Manager) Get(name string) (Tool, bool) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	t, ok := m.tools[name]
	return t, ok
}

// Tools returns all tools in registration order
func (m *Manager) Tools() []Tool {
	m.mx.RLock()
	defer m.mx.RUnlock()
	ret := make([]Tool, 0, len(m.names))
	for _, name := range m.names {
		ret = append(ret, m.tools[name])
	}
	return ret
}

// Catalog returns the registered tools as a catalog
func (m *Manager) Catalog() Catalog {
	return Catalog{Tools: m.Tools()}
}

// Execute starts t in directory dir with the session of mon. The session is
// registered with the server until the process terminates.
func (m *Manager) Execute(ctx context.Context, t Tool, dir string, mon *monitor.Monitor, bypassLimit bool) *execution.Process {
	id := mon.ID()
	m.server.Register(id, mon)

	args := slices.Clone(t.Arguments)
	args = append(args, tipi.Args{
		Connect:        m.server.URL(),
		Identifier:     id,
		LogFilterLevel: m.logFilterLevel,
	}.Flags()...)
	cmd := execution.Command{
		Path: t.Location,
		Args: args,
		Dir:  dir,
	}
	slog.DebugContext(ctx, "starting tool", "tool", t.Name, "command", cmd.String())

	p := m.executor.Execute(ctx, cmd, mon.Listener(), bypassLimit)
	go func() {
		<-p.Done()
		m.server.Unregister(id)
	}()
	return p
}

// ExecuteCommand runs a plain program observed by mon, such as an editor
func (m *Manager) ExecuteCommand(ctx context.Context, cmd execution.Command, mon *monitor.Monitor, bypassLimit bool) *execution.Process {
	return m.executor.Execute(ctx, cmd, mon.Listener(), bypassLimit)
}

// QueryCapabilities starts the named tool, asks for its capabilities and ends it
func (m *Manager) QueryCapabilities(ctx context.Context, name string) (tipi.Capabilities, error) {
	t, ok := m.Get(name)
	if !ok {
		return tipi.Capabilities{}, fmt.Errorf("%s: %w", name, ErrUnknownTool)
	}

	mon := monitor.New()
	p := m.Execute(ctx, t, "", mon, true)
	defer func() {
		mon.Finish(false)
		select {
		case <-p.Done():
		case <-time.After(m.connectTimeout):
			slog.WarnContext(ctx, "tool did not end: terminating", "tool", name)
			mon.TerminateProcess()
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	if !mon.AwaitConnection(cctx) {
		return tipi.Capabilities{}, fmt.Errorf("%s: %w", name, ErrNoConnection)
	}
	caps, err := mon.RequestCapabilities(cctx)
	if err != nil {
		return tipi.Capabilities{}, fmt.Errorf("%s: %w", name, err)
	}

	m.mx.Lock()
	t = m.tools[name]
	t.Capabilities = &caps
	m.tools[name] = t
	m.mx.Unlock()
	return caps, nil
}

// QueryAll queries capabilities of all tools in parallel. Failures are logged and joined.
func (m *Manager) QueryAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, m.executor.MaximumInstanceCount()))

	var mx sync.Mutex
	var errs []error
	for _, t := range m.Tools() {
		g.Go(func() error {
			_, err := m.QueryCapabilities(gctx, t.Name)
			if err != nil {
				slog.WarnContext(gctx, "capabilities query failed", "tool", t.Name, "error", err)
				mx.Lock()
				errs = append(errs, err)
				mx.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Find returns the tools which accept an input of category and format
func (m *Manager) Find(category, format string) []Tool {
	var ret []Tool
	for _, t := range m.Tools() {
		if t.Capabilities == nil {
			continue
		}
		if _, ok := t.Capabilities.Find(category, format); ok {
			ret = append(ret, t)
		}
	}
	return ret
}
