package project

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type Operation string

const (
	OpConfigure Operation = "configure"
	OpRun       Operation = "run"
	OpUpdate    Operation = "update"
	OpEdit      Operation = "edit"
)

// Run describes one tool invocation on behalf of a processor
type Run struct {
	ID        string
	Project   string
	Processor ProcessorID
	Tool      string
	Output    string
	Operation Operation
	Started   time.Time
	Finished  time.Time
	Error     string
}

func (r Run) Success() bool {
	return !r.Finished.IsZero() && r.Error == ""
}

// Recorder keeps the history of tool invocations
type Recorder interface {
	Started(ctx context.Context, r Run) error
	Finished(ctx context.Context, r Run) error
}

// newRun must be called with m.mx held
func (m *Manager) newRun(p *Processor, op Operation) Run {
	r := Run{
		ID:        uuid.NewString(),
		Project:   m.store,
		Processor: p.id,
		Tool:      p.tool,
		Operation: op,
		Started:   time.Now().UTC(),
	}
	if len(p.outputs) > 0 {
		r.Output = m.objects[p.outputs[0].Object].Location
	}
	return r
}

// startRun records r, it must be called without m.mx held
func (m *Manager) startRun(ctx context.Context, r Run) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Started(ctx, r); err != nil {
		slog.WarnContext(ctx, "recording run start failed", "run", r.ID, "error", err)
	}
}

func (m *Manager) finishRun(ctx context.Context, r Run, err error) {
	r.Finished = time.Now().UTC()
	if err != nil {
		r.Error = err.Error()
	}
	slog.DebugContext(ctx, "run finished", "run", r.ID, "operation", r.Operation, "tool", r.Tool, "error", err)
	if m.recorder == nil {
		return
	}
	if rerr := m.recorder.Finished(context.WithoutCancel(ctx), r); rerr != nil {
		slog.WarnContext(ctx, "recording run end failed", "run", r.ID, "error", rerr)
	}
}
