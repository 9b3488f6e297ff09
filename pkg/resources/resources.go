// Package resources is the read-only filesystem holding the controller's
// own resources: the content agent, the module loader and the modules
// bindings load.
package resources

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// ErrNotDirectory is returned by ReadDir for files and missing paths.
var ErrNotDirectory = errors.New("not a directory")

// FS is a read-only view of a resource tree. Paths are slash separated and
// resolved against the tree's root whether or not they start with '/'.
type FS struct {
	fs afero.Fs
}

// New wraps fsys read-only.
func New(fsys afero.Fs) *FS {
	return &FS{fs: afero.NewReadOnlyFs(fsys)}
}

// NewOS serves the directory dir.
func NewOS(dir string) (*FS, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open resource directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("resource root %s: %w", dir, ErrNotDirectory)
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

// Resolve joins fragments and normalizes the result: empty and "."
// segments are dropped and ".." removes the preceding segment. Leading
// ".." segments that cannot be folded are kept.
func Resolve(fragments ...string) string {
	joined := strings.ReplaceAll(strings.Join(fragments, "/"), `\`, "/")
	var parts []string
	for _, part := range strings.Split(joined, "/") {
		switch {
		case part == "" || part == ".":
		case part == ".." && len(parts) > 0 && parts[len(parts)-1] != "..":
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "/")
}

// clean maps p to the afero path it names.
func clean(p string) (string, error) {
	resolved := Resolve(p)
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return "", &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	return "/" + resolved, nil
}

// Exists reports whether p names a file or directory.
func (r *FS) Exists(p string) bool {
	name, err := clean(p)
	if err != nil {
		return false
	}
	ok, err := afero.Exists(r.fs, name)
	return err == nil && ok
}

// ReadFile returns the contents of the file p.
func (r *FS) ReadFile(p string) ([]byte, error) {
	name, err := clean(p)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(r.fs, name)
}

// ReadDir returns the sorted names in directory p.
func (r *FS) ReadDir(p string) ([]string, error) {
	name, err := clean(p)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", p, ErrNotDirectory)
	}
	if ok, err := afero.IsDir(r.fs, name); err != nil || !ok {
		return nil, fmt.Errorf("%q: %w", p, ErrNotDirectory)
	}
	infos, err := afero.ReadDir(r.fs, name)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	sort.Strings(names)
	return names, nil
}

// Stat describes p.
func (r *FS) Stat(p string) (fs.FileInfo, error) {
	name, err := clean(p)
	if err != nil {
		return nil, err
	}
	return r.fs.Stat(name)
}

// Walk calls fn for every file below dir with its resolved path.
func (r *FS) Walk(dir string, fn func(p string, info fs.FileInfo) error) error {
	name, err := clean(dir)
	if err != nil {
		return err
	}
	return afero.Walk(r.fs, name, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return fn(Resolve(p), info)
	})
}
