package trigger

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a resource trigger waits for changes to
// settle before issuing requests.
const DefaultDebounce = 200 * time.Millisecond

// PathMapper translates between content paths and files on disk.
type PathMapper interface {
	Resolve(p string) (string, error)
	ContentPath(file string) (string, error)
}

// ResourceEvent watches a content subtree and issues ADD requests for
// created or written paths and DELETE requests for removed or renamed ones.
// Changes are collected until the tree has been quiet for the debounce
// interval, then sent as at most one ADD and one DELETE request.
type ResourceEvent struct {
	registry
	repo     PathMapper
	path     string
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
	stopped chan struct{}
}

var _ Trigger = (*ResourceEvent)(nil)

// NewResourceEvent creates a trigger watching path in repo. Watching starts
// with the first registered handler.
func NewResourceEvent(repo PathMapper, path string) (*ResourceEvent, error) {
	if err := distribution.ValidatePath(path); err != nil {
		return nil, err
	}
	logger := slog.With("component", "resource-trigger", "path", path)
	return &ResourceEvent{
		registry: registry{logger: logger},
		repo:     repo,
		path:     path,
		debounce: DefaultDebounce,
	}, nil
}

func (r *ResourceEvent) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	first, err := r.add(h)
	if err != nil || !first {
		return err
	}
	if err := r.start(); err != nil {
		r.remove(h)
		return err
	}
	return nil
}

func (r *ResourceEvent) Unregister(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, err := r.remove(h)
	if err != nil {
		return err
	}
	if last {
		r.halt()
	}
	return nil
}

// Close stops watching regardless of registered handlers.
func (r *ResourceEvent) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halt()
	return nil
}

func (r *ResourceEvent) start() error {
	target, err := r.repo.Resolve(r.path)
	if err != nil {
		return err
	}
	fi, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return apperrors.NotFound("path", r.path)
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", r.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if fi.IsDir() {
		err = addTree(watcher, target)
	} else {
		err = watcher.Add(filepath.Dir(target))
	}
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", r.path, err)
	}

	r.watcher = watcher
	r.stop = make(chan struct{})
	r.stopped = make(chan struct{})
	go r.run(watcher, r.stop, r.stopped)
	r.logger.Info("Watching content")
	return nil
}

func (r *ResourceEvent) halt() {
	if r.watcher == nil {
		return
	}
	close(r.stop)
	_ = r.watcher.Close()
	<-r.stopped
	r.watcher = nil
	r.logger.Info("Stopped watching content")
}

func (r *ResourceEvent) run(w *fsnotify.Watcher, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	timer := newDebounceTimer()
	defer timer.Stop()
	pending := make(map[string]distribution.RequestType)

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if r.record(w, ev, pending) {
				resetDebounceTimer(timer, r.debounce)
			}
		case <-timer.C:
			r.flush(pending)
			clear(pending)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Warn("Watcher error", "error", err)
		}
	}
}

// record notes the change carried by ev and reports whether it is relevant.
// The last change of a path wins.
func (r *ResourceEvent) record(w *fsnotify.Watcher, ev fsnotify.Event, pending map[string]distribution.RequestType) bool {
	if strings.HasPrefix(filepath.Base(ev.Name), ".write-") {
		return false
	}
	p, err := r.repo.ContentPath(ev.Name)
	if err != nil || !distribution.IsUnder(p, r.path) {
		return false
	}

	switch {
	case ev.Has(fsnotify.Create):
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := addTree(w, ev.Name); err != nil {
				r.logger.Warn("Failed to watch new directory", "path", p, "error", err)
			}
		}
		pending[p] = distribution.RequestAdd
	case ev.Has(fsnotify.Write):
		pending[p] = distribution.RequestAdd
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		pending[p] = distribution.RequestDelete
	default:
		return false
	}
	return true
}

func (r *ResourceEvent) flush(pending map[string]distribution.RequestType) {
	var added, deleted []string
	for p, t := range pending {
		if t == distribution.RequestAdd {
			added = append(added, p)
		} else {
			deleted = append(deleted, p)
		}
	}
	ctx := context.Background()
	for _, req := range []*distribution.Request{
		distribution.NewRequest(distribution.RequestAdd, sorted(added)...),
		distribution.NewRequest(distribution.RequestDelete, sorted(deleted)...),
	} {
		if len(req.Paths) == 0 {
			continue
		}
		r.logger.Info("Content changed", "action", req.Type, "paths", req.Paths)
		r.dispatch(ctx, req)
	}
}

func sorted(paths []string) []string {
	slices.Sort(paths)
	return paths
}

// addTree watches dir and every directory beneath it.
func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(p)
	})
}

func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
