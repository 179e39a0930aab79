package agent

import (
	"context"
	"distribution/internal/queue"
	"sync"
)

// tracker routes terminal queue outcomes to callers waiting on a package.
// A waiter must be registered before the package is enqueued, since a fast
// consumer may finish the item before Add returns.
type tracker struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

type waiter struct {
	mu       sync.Mutex
	outcomes []queue.Outcome
	changed  chan struct{}
}

func newTracker() *tracker {
	return &tracker{waiters: map[string]*waiter{}}
}

// watch starts collecting outcomes for packageID.
func (t *tracker) watch(packageID string) *waiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := &waiter{changed: make(chan struct{}, 1)}
	t.waiters[packageID] = w
	return w
}

func (t *tracker) forget(packageID string) {
	t.mu.Lock()
	delete(t.waiters, packageID)
	t.mu.Unlock()
}

func (t *tracker) notify(o queue.Outcome) {
	t.mu.Lock()
	w := t.waiters[o.Item.PackageID]
	t.mu.Unlock()
	if w == nil {
		return
	}
	w.mu.Lock()
	w.outcomes = append(w.outcomes, o)
	w.mu.Unlock()
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

// wait blocks until n outcomes arrived or ctx is done and returns what was
// collected.
func (w *waiter) wait(ctx context.Context, n int) []queue.Outcome {
	for {
		w.mu.Lock()
		got := len(w.outcomes)
		w.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-ctx.Done():
			return w.snapshot()
		case <-w.changed:
		}
	}
	return w.snapshot()
}

func (w *waiter) snapshot() []queue.Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]queue.Outcome(nil), w.outcomes...)
}
