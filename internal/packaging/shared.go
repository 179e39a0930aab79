package packaging

import (
	"bufio"
	"distribution/internal/distribution"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// SharedStore tracks which queues still reference a package. A package
// placed in several queues is deleted only when the last queue releases it.
// References live in an <id>.refs file next to the archive.
type SharedStore struct {
	mu  sync.Mutex
	dir string
}

// NewSharedStore returns a store keeping reference files in dir.
func NewSharedStore(dir string) *SharedStore {
	return &SharedStore{dir: dir}
}

func refsFile(archive string) string {
	return strings.TrimSuffix(archive, ".tgz") + ".refs"
}

func (s *SharedStore) path(id string) string {
	return filepath.Join(s.dir, id+".refs")
}

// Acquire records that queues hold pkg.
func (s *SharedStore) Acquire(pkg distribution.Package, queues ...string) error {
	if len(queues) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, err := s.read(pkg.ID())
	if err != nil {
		return err
	}
	for _, q := range queues {
		if !slices.Contains(refs, q) {
			refs = append(refs, q)
		}
	}
	return s.write(pkg.ID(), refs)
}

// ReleaseOrDelete drops the reference held by queue and deletes pkg when no
// reference remains. It reports whether the package was deleted.
func (s *SharedStore) ReleaseOrDelete(pkg distribution.Package, queue string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, err := s.read(pkg.ID())
	if err != nil {
		return false, err
	}
	refs = slices.DeleteFunc(refs, func(q string) bool { return q == queue })
	if len(refs) > 0 {
		return false, s.write(pkg.ID(), refs)
	}
	if err := pkg.Delete(); err != nil {
		return false, err
	}
	if err := os.Remove(s.path(pkg.ID())); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, fmt.Errorf("remove refs for %s: %w", pkg.ID(), err)
	}
	return true, nil
}

// Refs returns the queues currently holding the package with id.
func (s *SharedStore) Refs(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *SharedStore) read(id string) ([]string, error) {
	f, err := os.Open(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read refs for %s: %w", id, err)
	}
	defer f.Close()

	var refs []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			refs = append(refs, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read refs for %s: %w", id, err)
	}
	return refs, nil
}

func (s *SharedStore) write(id string, refs []string) error {
	data := strings.Join(refs, "\n") + "\n"
	if err := os.WriteFile(s.path(id), []byte(data), 0o644); err != nil {
		return fmt.Errorf("write refs for %s: %w", id, err)
	}
	return nil
}
