package project

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/CZERTAINLY/Squadt/internal/parallel"
	"github.com/CZERTAINLY/Squadt/internal/walk"
)

// staged is a file copied into the store, waiting to become part of the project
type staged struct {
	name   string
	format string
}

// ImportFile copies the file src into the store under name, the base name
// of src when name is empty, and adds a source processor for it
func (m *Manager) ImportFile(src, name string) (*Processor, error) {
	s, err := m.stage(src, name)
	if err != nil {
		return nil, err
	}
	p, err := m.adopt(s)
	if err != nil {
		return nil, err
	}
	return p, m.Store()
}

// ImportDirectory imports every regular file directly inside dir which is not
// part of the project yet
func (m *Manager) ImportDirectory(ctx context.Context, dir string) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	defer root.Close()
	return m.importEntries(ctx, walk.Dir(ctx, root))
}

// ImportTree imports all regular files below dir, keeping their relative paths
func (m *Manager) ImportTree(ctx context.Context, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	return m.importEntries(ctx, walk.FS(ctx, os.DirFS(abs), abs))
}

func (m *Manager) importEntries(ctx context.Context, entries iter.Seq2[walk.Entry, error]) error {
	stage := func(_ context.Context, e walk.Entry) (staged, error) {
		name := filepath.FromSlash(e.Rel())
		if name == ProjectFile {
			return staged{}, nil
		}
		if exists, err := m.Exists(name); err != nil || exists {
			return staged{}, err
		}
		return m.stage(e.Path(), name)
	}

	all, errs := parallel.NewMap(ctx, runtime.NumCPU(), stage).Collect(entries)
	for _, s := range all {
		if s.name == "" {
			continue
		}
		if _, err := m.adopt(s); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		slog.WarnContext(ctx, "some files were not imported", "count", len(errs))
	}
	errs = append(errs, m.Store())
	return errors.Join(errs...)
}

// stage validates src, copies it into the store and warms the digest cache
func (m *Manager) stage(src, name string) (staged, error) {
	info, err := os.Stat(src)
	if err != nil {
		return staged{}, fmt.Errorf("import: %w", err)
	}
	if !info.Mode().IsRegular() {
		return staged{}, fmt.Errorf("import %s: %w", src, ErrNotRegular)
	}
	if name == "" {
		name = filepath.Base(src)
	}
	name = filepath.Clean(name)
	if filepath.IsAbs(name) || !filepath.IsLocal(name) {
		return staged{}, fmt.Errorf("import %s: name %s is outside of the store", src, name)
	}
	if exists, err := m.Exists(name); err != nil {
		return staged{}, err
	} else if exists {
		return staged{}, graphErrorf(ErrDuplicateLocation, "%s is already part of the project", name)
	}

	dst := filepath.Join(m.store, name)
	if err := copyFile(src, dst); err != nil {
		return staged{}, fmt.Errorf("import %s: %w", src, err)
	}
	if _, err := m.digests.Sum(dst, nil); err != nil {
		return staged{}, err
	}
	return staged{name: name, format: m.formats.FormatOf(dst)}, nil
}

// adopt adds a source processor for a staged file
func (m *Manager) adopt(s staged) (*Processor, error) {
	m.mx.Lock()
	defer m.unlock()
	p := m.newProcessor("", nil)
	id, err := m.registerOutput(p, "", s.format, s.name, Original)
	if err != nil {
		delete(m.processors, p.id)
		return nil, err
	}
	m.record(m.objects[id])
	m.order = append(m.order, p.id)
	return p, nil
}
