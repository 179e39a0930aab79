package queue

import (
	"context"
	"distribution/internal/apperrors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryProvider keeps queues in process memory.
type MemoryProvider struct {
	mu     sync.Mutex
	queues map[string]*MemoryQueue
	closed bool
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{queues: map[string]*MemoryQueue{}}
}

// GetQueue implements Provider.
func (p *MemoryProvider) GetQueue(_ context.Context, name string) (Queue, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, apperrors.Unavailable("queue provider", "closed")
	}
	q, ok := p.queues[name]
	if !ok {
		q = NewMemoryQueue(name)
		p.queues[name] = q
	}
	return q, nil
}

// Queues implements Provider.
func (p *MemoryProvider) Queues(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.queues))
	for name := range p.queues {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Ping implements Provider.
func (p *MemoryProvider) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return apperrors.Unavailable("queue provider", "closed")
	}
	return nil
}

// Close implements Provider.
func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// MemoryQueue is an in-memory FIFO guarded by its own mutex.
type MemoryQueue struct {
	name string
	now  func() time.Time

	mu      sync.Mutex
	entries []*Entry
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue(name string) *MemoryQueue {
	return &MemoryQueue{name: name, now: time.Now}
}

// Name implements Queue.
func (q *MemoryQueue) Name() string { return q.name }

// Add implements Queue.
func (q *MemoryQueue) Add(_ context.Context, item Item) (ItemStatus, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := q.now()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	item.Info = item.Info.Clone()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.indexOf(item.ID) >= 0 {
		return ItemStatus{}, apperrors.Conflict("queue item", item.ID, "queue item "+item.ID+" already exists")
	}
	st := ItemStatus{
		ItemID:     item.ID,
		Queue:      q.name,
		State:      ItemQueued,
		EnqueuedAt: item.EnqueuedAt,
		UpdatedAt:  now,
	}
	q.entries = append(q.entries, &Entry{Item: item, Status: st})
	return st, nil
}

// Head implements Queue.
func (q *MemoryQueue) Head(context.Context) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, nil
	}
	e := *q.entries[0]
	return &e, nil
}

// Get implements Queue.
func (q *MemoryQueue) Get(_ context.Context, id string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return nil, nil
	}
	e := *q.entries[i]
	return &e, nil
}

// Remove implements Queue.
func (q *MemoryQueue) Remove(_ context.Context, id string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return nil, nil
	}
	e := q.entries[i]
	q.entries = slices.Delete(q.entries, i, i+1)
	return e, nil
}

// Status implements Queue.
func (q *MemoryQueue) Status(_ context.Context, id string) (ItemStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return ItemStatus{}, apperrors.NotFound("queue item", id)
	}
	return q.entries[i].Status, nil
}

// Transition implements Queue.
func (q *MemoryQueue) Transition(_ context.Context, id string, to ItemState, cause error) (ItemStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return ItemStatus{}, apperrors.NotFound("queue item", id)
	}
	st, err := q.entries[i].Status.Next(to, cause, q.now())
	if err != nil {
		return st, err
	}
	q.entries[i].Status = st
	return st, nil
}

// List implements Queue.
func (q *MemoryQueue) List(_ context.Context, offset, limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	start, end := window(len(q.entries), offset, limit)
	out := make([]Entry, 0, end-start)
	for _, e := range q.entries[start:end] {
		out = append(out, *e)
	}
	return out, nil
}

// Len implements Queue.
func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// State implements Queue.
func (q *MemoryQueue) State(ctx context.Context) (State, error) {
	head, err := q.Head(ctx)
	if err != nil {
		return "", err
	}
	return StateOf(head), nil
}

func (q *MemoryQueue) indexOf(id string) int {
	for i, e := range q.entries {
		if e.Item.ID == id {
			return i
		}
	}
	return -1
}

// window clamps offset/limit to n items. A non-positive limit means all.
func window(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
