package format

import (
	"errors"
	"fmt"
	"maps"
	"mime"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Squadt/internal/execution"
	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrNoCommand = errors.New("no command associated with format")
)

// Unknown is the format of files nothing is known about
const Unknown = "application/octet-stream"

var builtin = map[string]string{
	".mcrl2": "text/mcrl2",
	".lps":   "application/lps",
	".pbes":  "application/pbes",
	".aut":   "text/aut",
	".svc":   "application/svc",
	".fsm":   "text/fsm",
	".dot":   "text/dot",
	".bcg":   "application/bcg",
	".txt":   "text/plain",
}

// Registry maps file extensions to storage formats and formats to the
// commands used to edit or view files of that format.
type Registry struct {
	mx       sync.RWMutex
	byExt    map[string]string
	commands map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byExt:    maps.Clone(builtin),
		commands: make(map[string]string),
	}
}

// Register associates format with extensions and, if not empty, a command template.
// A %s in the command is replaced by the file path, otherwise the path is appended.
func (r *Registry) Register(format string, extensions []string, command string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for _, ext := range extensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		r.byExt[strings.ToLower(ext)] = format
	}
	if command != "" {
		r.commands[format] = command
	}
}

// FormatOf returns the format of a file at path. The extension is tried
// first, the content of the file second.
func (r *Registry) FormatOf(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	r.mx.RLock()
	f, ok := r.byExt[ext]
	r.mx.RUnlock()
	if ok {
		return f
	}
	if ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			if mt, _, err := mime.ParseMediaType(t); err == nil {
				return mt
			}
		}
	}
	if mt, err := mimetype.DetectFile(path); err == nil {
		if t, _, err := mime.ParseMediaType(mt.String()); err == nil {
			return t
		}
	}
	return Unknown
}

// Extension returns a file extension used for format, or an empty string
func (r *Registry) Extension(format string) string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	exts := make([]string, 0, 1)
	for ext, f := range r.byExt {
		if f == format {
			exts = append(exts, ext)
		}
	}
	if len(exts) == 0 {
		if e, err := mime.ExtensionsByType(format); err == nil && len(e) > 0 {
			return e[0]
		}
		return ""
	}
	slices.Sort(exts)
	return exts[0]
}

// Command returns the command to open path of the given format
func (r *Registry) Command(format, path string) (execution.Command, error) {
	r.mx.RLock()
	tmpl, ok := r.commands[format]
	r.mx.RUnlock()
	if !ok {
		return execution.Command{}, fmt.Errorf("%s: %w", format, ErrNoCommand)
	}

	fields := strings.Fields(tmpl)
	if len(fields) == 0 {
		return execution.Command{}, fmt.Errorf("%s: %w", format, ErrNoCommand)
	}
	var replaced bool
	for idx, f := range fields {
		if strings.Contains(f, "%s") {
			fields[idx] = strings.ReplaceAll(f, "%s", path)
			replaced = true
		}
	}
	if !replaced {
		fields = append(fields, path)
	}
	return execution.Command{
		Path: fields[0],
		Args: fields[1:],
		Dir:  filepath.Dir(path),
	}, nil
}

// Formats lists all known formats
func (r *Registry) Formats() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	set := make(map[string]struct{})
	for _, f := range r.byExt {
		set[f] = struct{}{}
	}
	for f := range r.commands {
		set[f] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}
