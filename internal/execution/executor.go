package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDropped    = errors.New("command dropped before start")
	ErrTerminated = errors.New("command terminated before start")
)

const (
	// DefaultGrace is the time a terminated process gets between interrupt and kill
	DefaultGrace = 2 * time.Second
	// WaitDelay bounds the wait for output of a process after it exited or was killed
	WaitDelay = 2 * time.Second
)

// Executor starts commands with an upper bound on the number of concurrently
// running processes. Commands over the bound wait in a FIFO queue.
type Executor struct {
	mx      sync.Mutex
	max     int
	live    map[*Process]struct{}
	queue   []*Process
	grace   time.Duration
	seq     atomic.Uint64
	metrics *Metrics
}

func NewExecutor(max int) *Executor {
	if max < 1 {
		max = 1
	}
	return &Executor{
		max:     max,
		live:    make(map[*Process]struct{}),
		grace:   DefaultGrace,
		metrics: NewMetrics(),
	}
}

// WithGrace changes the interrupt to kill delay used by TerminateAll
func (e *Executor) WithGrace(d time.Duration) *Executor {
	e.mx.Lock()
	e.grace = d
	e.mx.Unlock()
	return e
}

func (e *Executor) Metrics() *Metrics {
	return e.metrics
}

// Execute starts cmd immediately if the number of running processes is below the maximum
// or bypassLimit is set. Otherwise the command is queued and started once capacity frees up.
// The listener is told about running and terminal statuses. A command which fails to
// launch is reported as aborted only.
func (e *Executor) Execute(ctx context.Context, cmd Command, listener Listener, bypassLimit bool) *Process {
	p := newProcess(ctx, e.seq.Add(1), cmd, listener)

	e.mx.Lock()
	if bypassLimit || len(e.live) < e.max {
		e.live[p] = struct{}{}
		e.updateGauges()
		e.mx.Unlock()
		e.launch(p)
		return p
	}
	e.queue = append(e.queue, p)
	e.updateGauges()
	e.mx.Unlock()
	slog.DebugContext(ctx, "command delayed", "command", cmd.String(), "process", p.id)
	return p
}

// TerminateAll drops all queued commands and terminates all running processes.
func (e *Executor) TerminateAll() {
	e.mx.Lock()
	live := e.live
	queue := e.queue
	grace := e.grace
	e.live = make(map[*Process]struct{})
	e.queue = nil
	e.updateGauges()
	e.mx.Unlock()

	for _, p := range queue {
		e.complete(p, Aborted, ErrDropped)
	}
	for p := range live {
		p.Terminate(grace)
	}
}

func (e *Executor) MaximumInstanceCount() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.max
}

// SetMaximumInstanceCount never stops running processes. Raising the maximum
// starts queued commands.
func (e *Executor) SetMaximumInstanceCount(n int) {
	if n < 1 {
		n = 1
	}
	e.mx.Lock()
	e.max = n
	e.mx.Unlock()
	e.admit()
}

// Running returns the number of running processes
func (e *Executor) Running() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return len(e.live)
}

// Queued returns the number of delayed commands
func (e *Executor) Queued() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return len(e.queue)
}

func (e *Executor) launch(p *Process) {
	if err := p.start(); err != nil {
		slog.WarnContext(p.ctx, "command failed to start", "command", p.command.String(), "error", err)
		e.remove(p)
		e.complete(p, Aborted, err)
		return
	}
	p.setRunning()
	go e.wait(p)
}

func (e *Executor) wait(p *Process) {
	p.notify(Running)

	p.mx.RLock()
	cmd := p.cmd
	p.mx.RUnlock()
	err := cmd.Wait()

	status := Completed
	if err != nil {
		status = Aborted
	}
	slog.DebugContext(p.ctx, "process terminated", "pid", cmd.Process.Pid, "status", status.String(), "error", err)

	e.remove(p)
	e.complete(p, status, err)
}

// complete notifies the listener about a terminal status before Done is closed
func (e *Executor) complete(p *Process, s Status, err error) {
	if !p.finish(s, err) {
		return
	}
	e.metrics.finished.WithLabelValues(s.String()).Inc()
	p.notify(s)
	p.close()
}

// remove takes p out of the running set and starts delayed commands
func (e *Executor) remove(p *Process) {
	e.mx.Lock()
	delete(e.live, p)
	e.updateGauges()
	e.mx.Unlock()
	e.admit()
}

func (e *Executor) admit() {
	e.mx.Lock()
	var next []*Process
	for len(e.queue) > 0 && len(e.live) < e.max {
		p := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.live[p] = struct{}{}
		next = append(next, p)
	}
	e.updateGauges()
	e.mx.Unlock()

	for _, p := range next {
		e.launch(p)
	}
}

// updateGauges must be called with e.mx held
func (e *Executor) updateGauges() {
	e.metrics.running.Set(float64(len(e.live)))
	e.metrics.queued.Set(float64(len(e.queue)))
}
