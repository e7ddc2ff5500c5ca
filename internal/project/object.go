package project

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

type (
	ObjectID    uint64
	ProcessorID uint64
)

// Status of an object, ordered from the least to the most stale
type Status int

const (
	// Original objects were added by a user and have no inputs
	Original Status = iota
	UpToDate
	OutOfDate
	Nonexistent
	InProgress
)

func (s Status) String() string {
	switch s {
	case Original:
		return "original"
	case UpToDate:
		return "up_to_date"
	case OutOfDate:
		return "out_of_date"
	case Nonexistent:
		return "nonexistent"
	case InProgress:
		return "in_progress"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Fresh reports whether an object of status s needs no regeneration
func (s Status) Fresh() bool {
	return s == Original || s == UpToDate
}

func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{Original, UpToDate, OutOfDate, Nonexistent, InProgress} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown object status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ExternalChangePolicy decides what happens when the content of an object
// changes outside of a tool run
type ExternalChangePolicy int

const (
	// Accept takes the new content as valid and demotes dependents
	Accept ExternalChangePolicy = iota
	// Conflict marks derived objects out of date so they get regenerated
	Conflict
)

func (p ExternalChangePolicy) String() string {
	if p == Conflict {
		return "conflict"
	}
	return "accept"
}

func ParseExternalChangePolicy(s string) (ExternalChangePolicy, error) {
	switch s {
	case "", "accept":
		return Accept, nil
	case "conflict":
		return Conflict, nil
	}
	return Accept, fmt.Errorf("unknown external change policy %q", s)
}

// Object describes a file in the project store
type Object struct {
	ID       ObjectID
	Format   string
	Location string // relative to the project store
	Digest   string
	// Timestamp is the last observed modification time in nanoseconds
	Timestamp int64
	Status    Status
	Generator ProcessorID
}

var (
	ErrUnknownObject     = errors.New("unknown object")
	ErrUnknownProcessor  = errors.New("unknown processor")
	ErrDuplicateLocation = errors.New("location already used by another object")
	ErrCycle             = errors.New("dependency cycle")
)

// GraphError describes a violation of the integrity of the processor graph
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Msg
}

func (e *GraphError) Unwrap() error {
	return e.Kind
}

func graphErrorf(kind error, format string, args ...any) error {
	return &GraphError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// path returns the absolute location of o, must be called with m.mx held
func (m *Manager) path(o *Object) string {
	return filepath.Join(m.store, o.Location)
}

// present reports whether the file of o exists in the store
func (m *Manager) present(o *Object) bool {
	info, err := os.Stat(m.path(o))
	return err == nil && info.Mode().IsRegular()
}

// tryChangeStatus moves o to a more stale status s. It is rejected while
// o is being generated. Must be called with m.mx held.
func (m *Manager) tryChangeStatus(o *Object, s Status) bool {
	if o.Status == InProgress || s <= o.Status {
		return false
	}
	o.Status = s
	m.changed(o.Generator)
	return true
}

// setStatus unconditionally changes the status of o, must be called with m.mx held
func (m *Manager) setStatus(o *Object, s Status) {
	if o.Status == s {
		return
	}
	o.Status = s
	m.changed(o.Generator)
}

// selfCheck compares o against the file system. A missing file makes it
// nonexistent, a file older than minTimestamp makes it out of date. Changed
// content of a generated object is accepted as up to date or, with the
// Conflict policy, marked out of date. It returns true when o became stale or
// an original changed. Must be called with m.mx held.
func (m *Manager) selfCheck(o *Object, minTimestamp int64) bool {
	if g, ok := m.processors[o.Generator]; ok && m.isActive(g) {
		return false
	}

	info, err := os.Stat(m.path(o))
	if err != nil || !info.Mode().IsRegular() {
		return m.tryChangeStatus(o, Nonexistent)
	}

	if o.Status == Nonexistent {
		if g, ok := m.processors[o.Generator]; ok && len(g.inputs) == 0 {
			// a source file was restored
			m.setStatus(o, Original)
		}
	}

	mtime := info.ModTime().UnixNano()
	if mtime < minTimestamp {
		return m.tryChangeStatus(o, OutOfDate)
	}
	if mtime <= o.Timestamp {
		return false
	}

	digest, err := m.digests.Sum(m.path(o), info)
	if err != nil {
		slog.Warn("digest failed", "location", o.Location, "error", err)
		return false
	}
	changed := o.Timestamp != 0 && o.Digest != "" && digest != o.Digest
	o.Timestamp = mtime
	o.Digest = digest
	if !changed {
		return false
	}

	slog.Info("object changed outside of a tool run", "location", o.Location, "policy", m.policy.String())
	g, ok := m.processors[o.Generator]
	if !ok || len(g.inputs) == 0 {
		return true
	}
	if m.policy == Conflict {
		m.tryChangeStatus(o, OutOfDate)
		return true
	}
	m.setStatus(o, UpToDate)
	m.demoteDependents(g)
	return false
}

// record stores the current timestamp and digest of o, must be called with m.mx held
func (m *Manager) record(o *Object) {
	info, err := os.Stat(m.path(o))
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	digest, err := m.digests.Sum(m.path(o), info)
	if err != nil {
		slog.Warn("digest failed", "location", o.Location, "error", err)
		return
	}
	o.Timestamp = info.ModTime().UnixNano()
	o.Digest = digest
}

// IsUpToDate reports whether the object is fresh and its generator does
// not need to run
func (m *Manager) IsUpToDate(id ObjectID) bool {
	m.mx.Lock()
	defer m.unlock()
	o, ok := m.objects[id]
	if !ok {
		return false
	}
	if !o.Status.Fresh() {
		return false
	}
	g, ok := m.processors[o.Generator]
	return !ok || !m.checkStatus(g, true)
}
