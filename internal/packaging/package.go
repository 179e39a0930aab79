package packaging

import (
	"distribution/internal/distribution"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
)

// FilePackage is a package stored as a single archive file.
type FilePackage struct {
	id       string
	typ      string
	file     string
	size     int64
	info     distribution.PackageInfo
	manifest *Manifest

	mu      sync.Mutex
	readers map[*trackedReader]struct{}
	deleted bool
}

var _ distribution.Package = (*FilePackage)(nil)

func newFilePackage(file string, m *Manifest) (*FilePackage, error) {
	fi, err := os.Stat(file)
	if err != nil {
		return nil, fmt.Errorf("stat package: %w", err)
	}
	info := m.Info()
	info[distribution.InfoSize] = fi.Size()
	return &FilePackage{
		id:       m.ID,
		typ:      m.Type,
		file:     file,
		size:     fi.Size(),
		info:     info,
		manifest: m,
		readers:  map[*trackedReader]struct{}{},
	}, nil
}

func (p *FilePackage) ID() string { return p.id }
func (p *FilePackage) Type() string { return p.typ }
func (p *FilePackage) Info() distribution.PackageInfo { return p.info }
func (p *FilePackage) Size() int64 { return p.size }
func (p *FilePackage) Manifest() *Manifest { return p.manifest }
func (p *FilePackage) Request() *distribution.Request { return p.manifest.Request() }
func (p *FilePackage) String() string { return p.id }

// Open returns a new reader over the archive.
func (p *FilePackage) Open() (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return nil, fmt.Errorf("package %s: %w", p.id, fs.ErrNotExist)
	}
	f, err := os.Open(p.file)
	if err != nil {
		return nil, fmt.Errorf("open package %s: %w", p.id, err)
	}
	r := &trackedReader{File: f, pkg: p}
	p.readers[r] = struct{}{}
	return r, nil
}

// Close closes every reader returned by Open.
func (p *FilePackage) Close() error {
	p.mu.Lock()
	readers := p.readers
	p.readers = map[*trackedReader]struct{}{}
	p.mu.Unlock()

	var errs []error
	for r := range readers {
		if err := r.File.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delete closes readers and removes the archive. Deleting twice is harmless.
func (p *FilePackage) Delete() error {
	closeErr := p.Close()
	p.mu.Lock()
	p.deleted = true
	p.mu.Unlock()

	if err := os.Remove(p.file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete package %s: %w", p.id, err)
	}
	if err := os.Remove(refsFile(p.file)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete package refs %s: %w", p.id, err)
	}
	return closeErr
}

type trackedReader struct {
	*os.File
	pkg *FilePackage
}

func (r *trackedReader) Close() error {
	r.pkg.mu.Lock()
	delete(r.pkg.readers, r)
	r.pkg.mu.Unlock()
	return r.File.Close()
}
