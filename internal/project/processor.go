package project

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/CZERTAINLY/Squadt/internal/execution"
	"github.com/CZERTAINLY/Squadt/internal/monitor"
	"github.com/CZERTAINLY/Squadt/internal/tipi"
)

var (
	ErrActive          = errors.New("processor is active")
	ErrNoTool          = errors.New("processor has no tool")
	ErrNotConfigured   = errors.New("processor is not configured")
	ErrNoInputs        = errors.New("processor has no inputs")
	ErrCannotRecreate  = errors.New("do not know how to recreate object")
	ErrRejected        = errors.New("configuration rejected by tool")
	ErrTaskFailed      = errors.New("tool task failed")
	ErrNoConnection    = errors.New("tool did not connect")
	ErrNoPrimaryOutput = errors.New("processor has no outputs")
)

// Slot binds an object to an identifier of a tool configuration
type Slot struct {
	ID     string
	Object ObjectID
}

// Processor is a node of the project graph. It produces its outputs by running
// a tool on its inputs. A processor without inputs is a source, its outputs are
// originals added by a user.
//
// All fields are guarded by the manager lock.
type Processor struct {
	id      ProcessorID
	manager *Manager

	tool               string
	inputConfiguration *tipi.InputConfiguration
	inputs             []Slot
	outputs            []Slot
	outputDirectory    string
	// configuration holds category, output prefix and options, objects come from slots
	configuration *tipi.Configuration

	monitor *monitor.Monitor
	// busy is set while an operation is dispatched and before its process starts
	busy bool
}

func (p *Processor) ID() ProcessorID {
	return p.id
}

func (p *Processor) Tool() string {
	p.manager.mx.Lock()
	defer p.manager.mx.Unlock()
	return p.tool
}

// InputConfiguration returns the input configuration selected for the tool
func (p *Processor) InputConfiguration() (tipi.InputConfiguration, bool) {
	p.manager.mx.Lock()
	defer p.manager.mx.Unlock()
	if p.inputConfiguration == nil {
		return tipi.InputConfiguration{}, false
	}
	return *p.inputConfiguration, true
}

func (p *Processor) OutputDirectory() string {
	p.manager.mx.Lock()
	defer p.manager.mx.Unlock()
	return p.outputDirectory
}

// Configuration returns the tool configuration including input and output objects
func (p *Processor) Configuration() (tipi.Configuration, bool) {
	p.manager.mx.Lock()
	defer p.manager.mx.Unlock()
	if p.configuration == nil {
		return tipi.Configuration{}, false
	}
	return p.manager.configurationOf(p, false), true
}

func (p *Processor) Monitor() *monitor.Monitor {
	return p.monitor
}

func (p *Processor) Inputs() []Slot {
	p.manager.mx.Lock()
	defer p.manager.mx.Unlock()
	return slices.Clone(p.inputs)
}

func (p *Processor) Outputs() []Slot {
	p.manager.mx.Lock()
	defer p.manager.mx.Unlock()
	return slices.Clone(p.outputs)
}

// InputObjects returns copies of the input objects
func (p *Processor) InputObjects() []Object {
	p.manager.mx.Lock()
	defer p.manager.mx.Unlock()
	return p.manager.objectsOf(p.inputs)
}

// OutputObjects returns copies of the output objects
func (p *Processor) OutputObjects() []Object {
	p.manager.mx.Lock()
	defer p.manager.mx.Unlock()
	return p.manager.objectsOf(p.outputs)
}

func (p *Processor) NumberOfInputs() int {
	p.manager.mx.Lock()
	defer p.manager.mx.Unlock()
	return len(p.inputs)
}

// IsActive reports whether an operation of the processor is in progress
func (p *Processor) IsActive() bool {
	p.manager.mx.Lock()
	defer p.manager.mx.Unlock()
	return p.manager.isActive(p)
}

// CheckStatus checks the processor and, when recursive, all processors it
// depends on. It returns true when the outputs need to be regenerated.
func (p *Processor) CheckStatus(recursive bool) bool {
	m := p.manager
	m.mx.Lock()
	defer m.unlock()
	return m.checkStatus(p, recursive)
}

// DemoteStatus marks all outputs out of date, it reports whether any status changed
func (p *Processor) DemoteStatus() bool {
	m := p.manager
	m.mx.Lock()
	defer m.unlock()
	return m.demote(p)
}

// SetTool changes the tool and its input configuration
func (p *Processor) SetTool(name string, ic *tipi.InputConfiguration) {
	p.manager.mx.Lock()
	defer p.manager.mx.Unlock()
	p.tool = name
	if ic != nil {
		c := *ic
		p.inputConfiguration = &c
	} else {
		p.inputConfiguration = nil
	}
}

// RegisterInput binds object id to the input slot
func (p *Processor) RegisterInput(slot string, id ObjectID) error {
	p.manager.mx.Lock()
	defer p.manager.unlock()
	return p.manager.registerInput(p, slot, id)
}

// RegisterOutput adds a new output object to the slot, or updates the object
// already bound to it
func (p *Processor) RegisterOutput(slot, format, location string, status Status) (ObjectID, error) {
	p.manager.mx.Lock()
	defer p.manager.unlock()
	return p.manager.registerOutput(p, slot, format, location, status)
}

// ChangeFormat changes the format of one of the outputs
func (p *Processor) ChangeFormat(id ObjectID, format string) error {
	m := p.manager
	m.mx.Lock()
	defer m.unlock()
	if !slices.ContainsFunc(p.outputs, func(s Slot) bool { return s.Object == id }) {
		return graphErrorf(ErrUnknownObject, "%d is not an output of processor %d", id, p.id)
	}
	m.objects[id].Format = format
	m.changed(p.id)
	return nil
}

// isActive must be called with m.mx held
func (m *Manager) isActive(p *Processor) bool {
	return p.busy || p.monitor.IsActive()
}

// objectsOf must be called with m.mx held
func (m *Manager) objectsOf(slots []Slot) []Object {
	ret := make([]Object, 0, len(slots))
	for _, s := range slots {
		if o, ok := m.objects[s.Object]; ok {
			ret = append(ret, *o)
		}
	}
	return ret
}

// registerInput must be called with m.mx held
func (m *Manager) registerInput(p *Processor, slot string, id ObjectID) error {
	if _, ok := m.objects[id]; !ok {
		return graphErrorf(ErrUnknownObject, "object %d", id)
	}
	for idx, s := range p.inputs {
		if s.ID == slot {
			p.inputs[idx].Object = id
			return nil
		}
	}
	p.inputs = append(p.inputs, Slot{ID: slot, Object: id})
	return nil
}

// registerOutput must be called with m.mx held
func (m *Manager) registerOutput(p *Processor, slot, format, location string, status Status) (ObjectID, error) {
	location = filepath.Clean(location)
	if other, ok := m.searchObject(location); ok && other.Generator != p.id {
		return 0, graphErrorf(ErrDuplicateLocation, "%s is produced by processor %d", location, other.Generator)
	}
	for _, s := range p.outputs {
		if s.ID != slot {
			continue
		}
		o := m.objects[s.Object]
		o.Format = format
		o.Location = location
		m.setStatus(o, status)
		return o.ID, nil
	}
	for _, s := range p.outputs {
		if o := m.objects[s.Object]; o.Location == location {
			return 0, graphErrorf(ErrDuplicateLocation, "%s is already an output of processor %d", location, p.id)
		}
	}

	o := &Object{
		ID:        ObjectID(m.nextID()),
		Format:    format,
		Location:  location,
		Status:    status,
		Generator: p.id,
	}
	m.objects[o.ID] = o
	p.outputs = append(p.outputs, Slot{ID: slot, Object: o.ID})
	m.changed(p.id)
	return o.ID, nil
}

// dropOutput removes the output slot and its object, must be called with m.mx held
func (m *Manager) dropOutput(p *Processor, slot string) {
	idx := slices.IndexFunc(p.outputs, func(s Slot) bool { return s.ID == slot })
	if idx < 0 {
		return
	}
	id := p.outputs[idx].Object
	p.outputs = slices.Delete(p.outputs, idx, idx+1)
	delete(m.objects, id)
	m.changed(p.id)
}

// checkStatus must be called with m.mx held
func (m *Manager) checkStatus(p *Processor, recursive bool) bool {
	if m.isActive(p) {
		return true
	}

	result := false
	if recursive {
		for _, s := range p.inputs {
			o, ok := m.objects[s.Object]
			if !ok {
				result = true
				continue
			}
			if g, ok := m.processors[o.Generator]; ok && g != p {
				result = m.checkStatus(g, true) || result
			}
		}
	}

	var maxTimestamp int64
	for _, s := range p.inputs {
		o, ok := m.objects[s.Object]
		if !ok {
			result = true
			continue
		}
		m.selfCheck(o, 0)
		maxTimestamp = max(maxTimestamp, o.Timestamp)
		result = result || !o.Status.Fresh()
	}

	for _, s := range p.outputs {
		o := m.objects[s.Object]
		result = m.selfCheck(o, maxTimestamp) || result
		result = result || !o.Status.Fresh()
	}

	if result {
		if len(p.inputs) > 0 {
			for _, s := range p.outputs {
				if o := m.objects[s.Object]; o.Status == UpToDate {
					m.tryChangeStatus(o, OutOfDate)
				}
			}
		} else {
			m.demoteDependents(p)
		}
	}
	return result
}

// demote must be called with m.mx held
func (m *Manager) demote(p *Processor) bool {
	if m.isActive(p) {
		return false
	}
	result := false
	for _, s := range p.outputs {
		result = m.tryChangeStatus(m.objects[s.Object], OutOfDate) || result
	}
	return result
}

// processStatusChanged follows the process of the processor's tool and
// moves the outputs accordingly
func (m *Manager) processStatusChanged(id ProcessorID, s execution.Status) {
	m.mx.Lock()
	defer m.unlock()
	p, ok := m.processors[id]
	if !ok {
		return
	}

	for _, slot := range p.outputs {
		o := m.objects[slot.Object]
		switch {
		case s == execution.Running:
			m.setStatus(o, InProgress)
		case len(p.inputs) == 0:
			m.setStatus(o, Original)
		case s == execution.Stopped:
			m.settleObject(o)
		case s == execution.Aborted:
			if o.Status == InProgress {
				m.settleObject(o)
			}
		}
	}
	if s == execution.Aborted {
		if proc := p.monitor.Process(); proc != nil {
			slog.Warn("process aborted", "processor", p.id, "command", proc.Command().String(), "pid", proc.Pid())
		}
	}
	if s != execution.Running {
		m.checkStatus(p, false)
	}
	m.changed(p.id)
}

// configurationOf returns the configuration of p with objects from the slots.
// Inputs are absolute paths when absolute is set, store relative otherwise.
// Outputs are relative to the output directory. Must be called with m.mx held.
func (m *Manager) configurationOf(p *Processor, absolute bool) tipi.Configuration {
	var cfg tipi.Configuration
	if p.configuration != nil {
		cfg = p.configuration.Clone()
	}
	cfg.Inputs = nil
	cfg.Outputs = nil
	for _, s := range p.inputs {
		o, ok := m.objects[s.Object]
		if !ok {
			continue
		}
		loc := o.Location
		if absolute {
			loc = m.path(o)
		}
		cfg.Inputs = append(cfg.Inputs, tipi.Object{ID: s.ID, Format: o.Format, Location: loc})
	}
	for _, s := range p.outputs {
		o := m.objects[s.Object]
		cfg.Outputs = append(cfg.Outputs, tipi.Object{ID: s.ID, Format: o.Format, Location: m.outputRelative(p, o.Location)})
	}
	return cfg
}

// outputRelative converts a store relative location to one relative to the output directory
func (m *Manager) outputRelative(p *Processor, location string) string {
	if p.outputDirectory == "" {
		return location
	}
	rel, err := filepath.Rel(p.outputDirectory, location)
	if err != nil {
		return location
	}
	return rel
}

// storeRelative converts a location reported by a tool running in the output
// directory of p to a store relative one
func (m *Manager) storeRelative(p *Processor, location string) (string, error) {
	if filepath.IsAbs(location) {
		rel, err := filepath.Rel(m.store, location)
		if err != nil {
			return "", err
		}
		return rel, nil
	}
	return filepath.Clean(filepath.Join(p.outputDirectory, location)), nil
}

func (p *Processor) String() string {
	return fmt.Sprintf("processor %d", p.id)
}
