package testutil

import (
	"bytes"
	"distribution/internal/distribution"
	"errors"
	"io"
	"sync"
)

// Package is an in-memory distribution.Package for tests.
type Package struct {
	id      string
	info    distribution.PackageInfo
	content []byte

	mu      sync.Mutex
	deleted bool
	closed  int
}

var _ distribution.Package = (*Package)(nil)

// NewPackage returns a "test" typed package carrying content.
func NewPackage(id, content string) *Package {
	return &Package{
		id:      id,
		content: []byte(content),
		info: distribution.PackageInfo{
			distribution.InfoType:        "test",
			distribution.InfoRequestType: string(distribution.RequestAdd),
			distribution.InfoPaths:       []string{"/content"},
		},
	}
}

// WithInfo sets info key to value and returns the package.
func (p *Package) WithInfo(key string, value any) *Package {
	p.info[key] = value
	return p
}

func (p *Package) ID() string                     { return p.id }
func (p *Package) Type() string                   { return p.info.Type() }
func (p *Package) Info() distribution.PackageInfo { return p.info }
func (p *Package) Size() int64                    { return int64(len(p.content)) }

func (p *Package) Open() (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return nil, errors.New("package " + p.id + " deleted")
	}
	return io.NopCloser(bytes.NewReader(p.content)), nil
}

func (p *Package) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *Package) Delete() error {
	p.mu.Lock()
	p.deleted = true
	p.mu.Unlock()
	return nil
}

// Deleted reports whether Delete was called.
func (p *Package) Deleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleted
}
