package execution

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Command is an immutable description of a program invocation
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

type Status int

const (
	Stopped Status = iota
	Running
	Completed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
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

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool {
	return s == Completed || s == Aborted
}

// Listener is notified about every status change of a process it was registered with.
// Notifications are delivered outside of any executor lock.
type Listener interface {
	SignalChange(p *Process, s Status)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(p *Process, s Status)

func (f ListenerFunc) SignalChange(p *Process, s Status) {
	f(p, s)
}

// Process wraps a single operating system process created by Executor.
type Process struct {
	id       uint64
	ctx      context.Context
	command  Command
	listener Listener

	mx      sync.RWMutex
	cmd     *exec.Cmd
	status  Status
	started time.Time
	stopped time.Time
	err     error
	done    chan struct{}

	// terminated before start
	terminated bool
}

func newProcess(ctx context.Context, id uint64, command Command, listener Listener) *Process {
	return &Process{
		id:       id,
		ctx:      ctx,
		command:  command,
		listener: listener,
		status:   Stopped,
		done:     make(chan struct{}),
	}
}

// ID is unique within the executor that created the process
func (p *Process) ID() uint64 {
	return p.id
}

func (p *Process) Command() Command {
	return p.command
}

// Pid returns the operating system process id or 0 if the process never started.
func (p *Process) Pid() int {
	p.mx.RLock()
	defer p.mx.RUnlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) Status() Status {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.status
}

// Err returns the launch or wait error of a terminated process
func (p *Process) Err() error {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.err
}

func (p *Process) Started() time.Time {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.started
}

func (p *Process) Stopped() time.Time {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.stopped
}

// Done is closed once the process reaches a terminal status.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Terminate asks the process to stop with an interrupt and kills it when it is
// still alive after grace. Signals reach the whole process group of the tool.
// A process terminated before it was started never launches. It does not wait
// for the process to exit.
func (p *Process) Terminate(grace time.Duration) {
	p.mx.Lock()
	cmd := p.cmd
	if cmd == nil {
		p.terminated = true
	}
	p.mx.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}

	if grace <= 0 {
		_ = kill(cmd)
		return
	}
	if err := interrupt(cmd); err != nil {
		_ = kill(cmd)
		return
	}
	go func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-p.done:
		case <-t.C:
			slog.Debug("process ignored interrupt: killing", "pid", cmd.Process.Pid)
			_ = kill(cmd)
		}
	}()
}

func (p *Process) start() error {
	cmd := exec.CommandContext(p.ctx, p.command.Path, p.command.Args...)
	cmd.Dir = p.command.Dir
	if len(p.command.Env) > 0 {
		cmd.Env = append(os.Environ(), p.command.Env...)
	}
	out := &lineLogger{ctx: p.ctx, stream: "stdout", path: p.command.Path}
	cmd.Stdout = out
	cmd.Stderr = &lineLogger{ctx: p.ctx, stream: "stderr", path: p.command.Path}
	// children of a killed tool may keep the output pipes open
	cmd.WaitDelay = WaitDelay
	cmd.Cancel = func() error { return kill(cmd) }
	setProcessGroup(cmd)

	p.mx.Lock()
	defer p.mx.Unlock()
	if p.terminated {
		return ErrTerminated
	}
	p.cmd = cmd
	p.started = time.Now().UTC()
	return cmd.Start()
}

// finish records the terminal state, it returns false if the process was already terminated.
// Done is closed separately by close, after listeners were notified.
func (p *Process) finish(s Status, err error) bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.status.Terminal() {
		return false
	}
	p.status = s
	p.err = err
	p.stopped = time.Now().UTC()
	return true
}

func (p *Process) close() {
	close(p.done)
}

func (p *Process) setRunning() {
	p.mx.Lock()
	p.status = Running
	p.mx.Unlock()
}

func (p *Process) notify(s Status) {
	if p.listener != nil {
		p.listener.SignalChange(p, s)
	}
}

// lineLogger forwards the output of a tool line by line to the debug log
type lineLogger struct {
	ctx    context.Context
	stream string
	path   string
	buf    bytes.Buffer
}

func (l *lineLogger) Write(b []byte) (int, error) {
	l.buf.Write(b)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			rest := []byte(line)
			l.buf.Reset()
			l.buf.Write(rest)
			break
		}
		slog.DebugContext(l.ctx, strings.TrimRight(line, "\r\n"), "stream", l.stream, "path", l.path)
	}
	return len(b), nil
}
