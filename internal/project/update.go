package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// UpdateProcessor brings p and everything it depends on up to date. The
// handler, if any, is called just before p is updated.
func (m *Manager) UpdateProcessor(ctx context.Context, p *Processor, handler func(*Processor)) error {
	m.mx.Lock()
	if _, ok := m.processors[p.id]; !ok {
		m.unlock()
		return graphErrorf(ErrUnknownProcessor, "processor %d", p.id)
	}
	m.checkStatus(p, true)
	stale := slices.ContainsFunc(p.outputs, func(s Slot) bool {
		return !m.objects[s.Object].Status.Fresh()
	})
	m.unlock()
	if !stale {
		return nil
	}
	if handler != nil {
		handler(p)
	}
	return <-p.Update(ctx, false)
}

// Update brings all final processors, those with a tool whose outputs nobody
// uses, up to date. Only one sweep runs at a time. Failures of single
// processors do not stop the sweep, they are returned joined.
func (m *Manager) Update(ctx context.Context, handler func(*Processor)) error {
	if !m.updating.CompareAndSwap(false, true) {
		return ErrUpdateRunning
	}
	defer m.updating.Store(false)

	m.mx.Lock()
	var targets []*Processor
	for _, p := range m.ordered() {
		if p.tool != "" && len(p.inputs) > 0 && len(m.revdeps[p.id]) == 0 {
			targets = append(targets, p)
		}
	}
	m.unlock()

	var errs []error
	for _, p := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := m.UpdateProcessor(ctx, p, handler); err != nil {
			slog.WarnContext(ctx, "update failed", "processor", p.id, "tool", p.Tool(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Updating reports whether a sweep is in progress
func (m *Manager) Updating() bool {
	return m.updating.Load()
}
