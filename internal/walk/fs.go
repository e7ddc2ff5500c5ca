package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// Entry is a regular file found by a walk
type Entry interface {
	// Path is the name of the file prefixed with the name of the walked root
	Path() string
	// Rel is the name of the file relative to the walked root
	Rel() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Dir returns a handle for every regular file directly inside root. Sub
// directories and symlinks are skipped.
func Dir(ctx context.Context, root *os.Root) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}
	fsys := root.FS()

	return func(yield func(Entry, error) bool) {
		entries, err := fs.ReadDir(fsys, ".")
		if err != nil {
			yield(nil, err)
			return
		}
		for _, d := range entries {
			if ctx.Err() != nil {
				return
			}
			if !d.Type().IsRegular() {
				continue
			}
			entry := fsEntry{
				root:    fsys,
				abspath: filepath.Join(root.Name(), d.Name()),
				path:    d.Name(),
			}
			entry.info, entry.infoErr = d.Info()
			if !yield(entry, entry.infoErr) {
				return
			}
		}
	}
}

// FS recursively walks the filesystem rooted at root and return a handle for every regular file found.
// Or an error if file information retrieval fails.
// Each Entry's Path() is prefixed with name of a filesystem. In most cases it'll be an absolute
// path to the file. It does not follow symlinks.
func FS(ctx context.Context, root fs.FS, name string) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			var entry = fsEntry{
				root:    root,
				abspath: filepath.Join(name, path),
				path:    path,
			}
			var yieldErr error
			if err != nil {
				yieldErr = err
			} else {
				if d.IsDir() {
					return nil
				}
				info, err := d.Info()
				if err != nil {
					entry.infoErr = err
					yieldErr = err
				} else {
					if !info.Mode().IsRegular() {
						return nil
					}
					entry.info = info
					yieldErr = nil
				}
			}

			if !yield(entry, yieldErr) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

// fsEntry implements Entry for a filesystem
// it uses root.Open to open the file
type fsEntry struct {
	root    fs.FS
	abspath string
	path    string
	info    fs.FileInfo
	infoErr error
}

// returns the absolute path to the file
func (e fsEntry) Path() string {
	return e.abspath
}

func (e fsEntry) Rel() string {
	return e.path
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
