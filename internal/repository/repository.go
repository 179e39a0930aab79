// Package repository stores distributable content as files under a root
// directory. Content paths are absolute slash paths such as /content/a.
package repository

import (
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"
)

// Entry describes one node of the repository.
type Entry struct {
	Path    string
	IsDir   bool
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
}

// Repository is the local content store packages are exported from and
// installed into.
type Repository interface {
	Root() string
	Stat(p string) (Entry, error)
	// Walk visits p and, for directories, its direct children or, when
	// deep is set, the whole subtree. Entries are visited in lexical order
	// with directories before their contents.
	Walk(p string, deep bool, fn func(Entry) error) error
	Read(p string) (io.ReadCloser, error)
	Write(p string, r io.Reader, mode fs.FileMode) error
	Mkdir(p string) error
	Delete(p string) error
	Exists(p string) bool
}

// FS is a Repository backed by a directory.
type FS struct {
	root string
}

// NewFS returns a repository rooted at dir, creating it if needed.
func NewFS(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve repository root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create repository root: %w", err)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute directory backing the repository.
func (r *FS) Root() string { return r.root }

// Resolve maps a content path to its file path.
func (r *FS) Resolve(p string) (string, error) {
	if err := distribution.ValidatePath(p); err != nil {
		return "", err
	}
	return filepath.Join(r.root, filepath.FromSlash(p)), nil
}

// ContentPath maps a file path under the root back to a content path.
func (r *FS) ContentPath(file string) (string, error) {
	rel, err := filepath.Rel(r.root, file)
	if err != nil {
		return "", err
	}
	if rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator) {
		return "", apperrors.Validation("path", fmt.Sprintf("%s is outside the repository", file))
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + filepath.ToSlash(rel), nil
}

// Stat returns the entry at p or a not-found error.
func (r *FS) Stat(p string) (Entry, error) {
	file, err := r.Resolve(p)
	if err != nil {
		return Entry{}, err
	}
	fi, err := os.Stat(file)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, apperrors.NotFound("path", p)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", p, err)
	}
	return entry(p, fi), nil
}

// Walk implements Repository.
func (r *FS) Walk(p string, deep bool, fn func(Entry) error) error {
	root, err := r.Stat(p)
	if err != nil {
		return err
	}
	if err := fn(root); err != nil || !root.IsDir {
		return err
	}
	return r.walkDir(p, deep, fn)
}

func (r *FS) walkDir(p string, deep bool, fn func(Entry) error) error {
	dir, err := r.Resolve(p)
	if err != nil {
		return err
	}
	children, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", p, err)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	for _, c := range children {
		child := path.Join(p, c.Name())
		fi, err := c.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", child, err)
		}
		if fi.IsDir() && !deep {
			continue
		}
		if err := fn(entry(child, fi)); err != nil {
			return err
		}
		if fi.IsDir() {
			if err := r.walkDir(child, deep, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Read opens the file at p.
func (r *FS) Read(p string) (io.ReadCloser, error) {
	file, err := r.Resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFound("path", p)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	return f, nil
}

// Write replaces the file at p with the contents of rd, creating parent
// directories. The file is written to a temporary name and renamed into place.
func (r *FS) Write(p string, rd io.Reader, mode fs.FileMode) error {
	file, err := r.Resolve(p)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", p, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(file), ".write-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, rd); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := tmp.Chmod(mode.Perm()); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), file); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// Mkdir creates the directory at p and its parents.
func (r *FS) Mkdir(p string) error {
	dir, err := r.Resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	return nil
}

// Delete removes p and everything beneath it. A missing path is not an error.
func (r *FS) Delete(p string) error {
	file, err := r.Resolve(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return apperrors.Validation("path", "refusing to delete the repository root")
	}
	if err := os.RemoveAll(file); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// Exists reports whether p exists.
func (r *FS) Exists(p string) bool {
	_, err := r.Stat(p)
	return err == nil
}

func entry(p string, fi fs.FileInfo) Entry {
	e := Entry{
		Path:    p,
		IsDir:   fi.IsDir(),
		Mode:    fi.Mode().Perm(),
		ModTime: fi.ModTime(),
	}
	if !e.IsDir {
		e.Size = fi.Size()
	}
	return e
}
