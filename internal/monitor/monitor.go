package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/Squadt/internal/execution"
	"github.com/CZERTAINLY/Squadt/internal/tipi"
	"github.com/google/uuid"
)

var (
	ErrNotConnected = errors.New("tool not connected")
	ErrNoAnswer     = errors.New("tool did not answer")
)

const (
	terminationWait = time.Second
	// Grace is the time between interrupt and kill used by TerminateProcess
	Grace = 2 * time.Second
)

type State int

const (
	Disconnected State = iota
	AwaitingConnection
	Connected
	Configuring
	Configured
	Running
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case AwaitingConnection:
		return "awaiting_connection"
	case Connected:
		return "connected"
	case Configuring:
		return "configuring"
	case Configured:
		return "configured"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == Completed || s == Aborted
}

type (
	ConnectionHandler func()
	CompletionHandler func(success bool)
	StatusHandler     func(s execution.Status)
	ReportHandler     func(r tipi.Report)
)

// Monitor is the controller side of a single tool session. It observes the
// tool process through execution.Listener and talks to the tool through the
// connection attached by tipi.Server.
type Monitor struct {
	mx            sync.Mutex
	id            string
	gen           uint64
	state         State
	conn          *tipi.Conn
	readDone      bool
	process       *execution.Process
	processStatus execution.Status
	messages      map[tipi.MessageType]tipi.Message
	configuration tipi.Configuration
	task          *tipi.Task
	finished      bool
	wake          chan struct{}

	onConnection   handlers[ConnectionHandler]
	onCompletion   handlers[CompletionHandler]
	onStatusChange handlers[StatusHandler]
	onReport       handlers[ReportHandler]
}

func New() *Monitor {
	m := &Monitor{}
	m.reset()
	return m
}

// ID is the session identifier the tool must present when it connects
func (m *Monitor) ID() string {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.id
}

func (m *Monitor) State() State {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state
}

// Reset prepares the monitor for a new tool invocation under a fresh session identifier.
// An attached connection is closed. Handlers are kept.
func (m *Monitor) Reset() {
	m.mx.Lock()
	conn := m.conn
	m.reset()
	m.mx.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// reset must be called with m.mx held
func (m *Monitor) reset() {
	m.id = uuid.NewString()
	m.gen++
	m.state = Disconnected
	m.conn = nil
	m.readDone = false
	m.process = nil
	m.processStatus = execution.Stopped
	m.messages = make(map[tipi.MessageType]tipi.Message)
	m.configuration = tipi.Configuration{}
	m.task = nil
	m.finished = false
	if m.wake != nil {
		close(m.wake)
	}
	m.wake = make(chan struct{})
}

// changed wakes all waiters, must be called with m.mx held
func (m *Monitor) changed() {
	close(m.wake)
	m.wake = make(chan struct{})
}

// SignalChange implements execution.Listener
func (m *Monitor) SignalChange(p *execution.Process, s execution.Status) {
	m.mx.Lock()
	m.signal(m.gen, p, s)
}

// Listener returns an execution.Listener bound to the current session. Notifications
// about its process are dropped after the monitor is reset.
func (m *Monitor) Listener() execution.Listener {
	m.mx.Lock()
	gen := m.gen
	m.mx.Unlock()
	return execution.ListenerFunc(func(p *execution.Process, s execution.Status) {
		m.mx.Lock()
		m.signal(gen, p, s)
	})
}

// signal is called with m.mx held and releases it
func (m *Monitor) signal(gen uint64, p *execution.Process, s execution.Status) {
	if m.gen != gen || (m.process != nil && m.process != p) {
		m.mx.Unlock()
		return
	}
	m.process = p
	if s == m.processStatus {
		m.mx.Unlock()
		return
	}
	m.processStatus = s

	var completion []CompletionHandler
	switch {
	case s == execution.Running && m.state == Disconnected:
		m.state = AwaitingConnection
	case s.Terminal() && (m.conn == nil || m.readDone):
		// with a live connection the reader finalizes, it may still hold the task result
		completion = m.finalize()
	}
	success := m.state == Completed
	status := m.onStatusChange.take()
	m.changed()
	m.mx.Unlock()

	for _, f := range status {
		f(s)
	}
	for _, f := range completion {
		f(success)
	}
}

// finalize moves the monitor into a terminal state and returns the completion
// handlers to run. Must be called with m.mx held.
func (m *Monitor) finalize() []CompletionHandler {
	if m.state.Terminal() {
		return nil
	}
	switch {
	case m.task != nil && m.task.Success:
		m.state = Completed
	case m.task == nil && m.conn == nil && m.processStatus == execution.Completed:
		// plain programs never connect
		m.state = Completed
	default:
		m.state = Aborted
	}
	return m.onCompletion.take()
}

// Attach implements tipi.Session
func (m *Monitor) Attach(conn *tipi.Conn) {
	m.mx.Lock()
	if m.finished || m.state.Terminal() || m.conn != nil {
		m.mx.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.readDone = false
	m.state = Connected
	gen := m.gen
	connection := m.onConnection.take()
	m.changed()
	m.mx.Unlock()

	go m.read(conn, gen)
	for _, f := range connection {
		f()
	}
}

func (m *Monitor) read(conn *tipi.Conn, gen uint64) {
	defer func() {
		m.mx.Lock()
		if m.gen != gen {
			m.mx.Unlock()
			return
		}
		m.readDone = true
		var completion []CompletionHandler
		if m.processStatus.Terminal() {
			completion = m.finalize()
		}
		success := m.state == Completed
		m.changed()
		m.mx.Unlock()
		for _, f := range completion {
			f(success)
		}
	}()

	for {
		msg, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, tipi.ErrClosed) {
				slog.Debug("tool connection ended", "error", err)
			}
			return
		}
		if !m.dispatch(msg, gen) {
			return
		}
	}
}

// dispatch handles one message, returns false if the reader should stop
func (m *Monitor) dispatch(msg tipi.Message, gen uint64) bool {
	m.mx.Lock()
	if m.gen != gen {
		m.mx.Unlock()
		return false
	}

	switch msg.Type {
	case tipi.MessageReport:
		var r tipi.Report
		if err := msg.Decode(&r); err != nil {
			m.mx.Unlock()
			slog.Warn("invalid report", "error", err)
			return true
		}
		report := m.onReport.take()
		m.mx.Unlock()
		for _, f := range report {
			f(r)
		}
		return true
	case tipi.MessageTask:
		var t tipi.Task
		if err := msg.Decode(&t); err != nil {
			slog.Warn("invalid task result", "error", err)
			t = tipi.Task{Success: false, Message: err.Error()}
		}
		m.task = &t
		var completion []CompletionHandler
		if m.state == Running || !t.Success {
			completion = m.finalize()
		}
		m.changed()
		m.mx.Unlock()
		for _, f := range completion {
			f(t.Success)
		}
		return true
	case tipi.MessageConfiguration:
		var cfg tipi.Configuration
		if err := msg.Decode(&cfg); err != nil {
			slog.Warn("invalid configuration", "error", err)
			m.mx.Unlock()
			return true
		}
		m.configuration = cfg
		if m.state == Configuring {
			m.state = Configured
		}
	case tipi.MessageTermination:
		m.mx.Unlock()
		return false
	}
	m.messages[msg.Type] = msg
	m.changed()
	m.mx.Unlock()
	return true
}

// await blocks until cond reports done, ctx ends or the monitor is reset
func (m *Monitor) await(ctx context.Context, cond func() (done bool, result bool)) bool {
	m.mx.Lock()
	gen := m.gen
	for {
		if m.gen != gen {
			m.mx.Unlock()
			return false
		}
		if done, result := cond(); done {
			m.mx.Unlock()
			return result
		}
		wake := m.wake
		m.mx.Unlock()
		select {
		case <-ctx.Done():
			return false
		case <-wake:
		}
		m.mx.Lock()
	}
}

// lost reports whether the tool can no longer answer, must be called with m.mx held
func (m *Monitor) lost() bool {
	if m.finished || m.readDone {
		return true
	}
	return m.conn == nil && m.processStatus.Terminal()
}

// AwaitStart blocks until the executor started the process of the session or
// gave up on it. A queued process does not count against connection timeouts.
func (m *Monitor) AwaitStart(ctx context.Context) bool {
	return m.await(ctx, func() (bool, bool) {
		if m.process != nil {
			return true, true
		}
		if m.finished {
			return true, false
		}
		return false, false
	})
}

// AwaitConnection blocks until the tool connects. It returns false on ctx end,
// Finish, or when the process terminated without connecting.
func (m *Monitor) AwaitConnection(ctx context.Context) bool {
	return m.await(ctx, func() (bool, bool) {
		if m.conn != nil && !m.finished {
			return true, true
		}
		if m.lost() {
			return true, false
		}
		return false, false
	})
}

// SendConfiguration pushes cfg to the connected tool
func (m *Monitor) SendConfiguration(ctx context.Context, cfg tipi.Configuration) error {
	m.mx.Lock()
	conn := m.conn
	if conn == nil || m.lost() {
		m.mx.Unlock()
		return ErrNotConnected
	}
	delete(m.messages, tipi.MessageConfiguration)
	m.task = nil
	m.state = Configuring
	m.changed()
	m.mx.Unlock()
	return conn.Send(ctx, tipi.MessageConfiguration, cfg)
}

// AwaitMessage blocks until a message of type t arrives, it returns false when the
// tool answered with a failed task or can no longer answer.
func (m *Monitor) AwaitMessage(ctx context.Context, t tipi.MessageType) bool {
	return m.await(ctx, func() (bool, bool) {
		if _, ok := m.messages[t]; ok {
			return true, true
		}
		if m.task != nil && !m.task.Success {
			return true, false
		}
		if m.lost() {
			return true, false
		}
		return false, false
	})
}

// Configuration returns the configuration accepted by the tool
func (m *Monitor) Configuration() tipi.Configuration {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.configuration.Clone()
}

// RequestCapabilities asks the connected tool for its capabilities
func (m *Monitor) RequestCapabilities(ctx context.Context) (tipi.Capabilities, error) {
	m.mx.Lock()
	conn := m.conn
	if conn == nil || m.lost() {
		m.mx.Unlock()
		return tipi.Capabilities{}, ErrNotConnected
	}
	delete(m.messages, tipi.MessageCapabilities)
	m.mx.Unlock()

	if err := conn.Send(ctx, tipi.MessageCapabilities, nil); err != nil {
		return tipi.Capabilities{}, err
	}
	if !m.AwaitMessage(ctx, tipi.MessageCapabilities) {
		return tipi.Capabilities{}, fmt.Errorf("capabilities: %w", ErrNoAnswer)
	}

	m.mx.Lock()
	msg := m.messages[tipi.MessageCapabilities]
	m.mx.Unlock()
	var caps tipi.Capabilities
	if err := msg.Decode(&caps); err != nil {
		return tipi.Capabilities{}, err
	}
	return caps, nil
}

func (m *Monitor) SendStartSignal(ctx context.Context) error {
	m.mx.Lock()
	conn := m.conn
	if conn == nil || m.lost() {
		m.mx.Unlock()
		return ErrNotConnected
	}
	m.task = nil
	m.state = Running
	m.changed()
	m.mx.Unlock()
	return conn.Send(ctx, tipi.MessageStart, nil)
}

// AwaitCompletion blocks until the tool reports the task result. It returns true only
// for a successful task.
func (m *Monitor) AwaitCompletion(ctx context.Context) bool {
	return m.await(ctx, func() (bool, bool) {
		if m.task != nil {
			return true, m.task.Success
		}
		if m.lost() {
			return true, false
		}
		return false, false
	})
}

// Task returns the last reported task result
func (m *Monitor) Task() (tipi.Task, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.task == nil {
		return tipi.Task{}, false
	}
	return *m.task, true
}

// Finish ends the session. All waiters return failure, the tool is asked to
// terminate and the connection is closed. With terminate the process is killed
// as well. One-shot, connection, completion and report handlers are removed.
func (m *Monitor) Finish(terminate bool) {
	m.mx.Lock()
	conn := m.conn
	process := m.process
	m.finished = true
	m.onConnection.clear()
	m.onCompletion.clear()
	m.onReport.clear()
	m.onStatusChange.clearOnce()
	m.changed()
	m.mx.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), terminationWait)
		_ = conn.Send(ctx, tipi.MessageTermination, nil)
		cancel()
		_ = conn.Close()
	}
	if terminate && process != nil {
		process.Terminate(Grace)
	}
}

// Shutdown is Finish with process termination that also removes all handlers
func (m *Monitor) Shutdown() {
	m.Finish(true)
	m.mx.Lock()
	m.onStatusChange.clear()
	m.mx.Unlock()
}

// TerminateProcess forcefully ends the tool process
func (m *Monitor) TerminateProcess() {
	m.mx.Lock()
	process := m.process
	m.mx.Unlock()
	if process != nil {
		process.Terminate(Grace)
	}
}

// IsActive reports whether a tool process of the current session is running
func (m *Monitor) IsActive() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.process != nil && !m.processStatus.Terminal()
}

func (m *Monitor) Process() *execution.Process {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.process
}

func (m *Monitor) OnConnection(f ConnectionHandler) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.onConnection.add(f, false)
}

func (m *Monitor) OnceOnConnection(f ConnectionHandler) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.onConnection.add(f, true)
}

func (m *Monitor) OnCompletion(f CompletionHandler) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.onCompletion.add(f, false)
}

func (m *Monitor) OnceOnCompletion(f CompletionHandler) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.onCompletion.add(f, true)
}

func (m *Monitor) OnStatusChange(f StatusHandler) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.onStatusChange.add(f, false)
}

func (m *Monitor) OnceOnStatusChange(f StatusHandler) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.onStatusChange.add(f, true)
}

func (m *Monitor) OnReport(f ReportHandler) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.onReport.add(f, false)
}
