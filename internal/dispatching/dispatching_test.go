package dispatching

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/internal/queue"
	"distribution/internal/testutil"
	"errors"
	"slices"
	"sync"
	"testing"
)

// flakyProvider refuses the queues named in down.
type flakyProvider struct {
	*queue.MemoryProvider
	down map[string]bool
}

func (p *flakyProvider) GetQueue(ctx context.Context, name string) (queue.Queue, error) {
	if p.down[name] {
		return nil, apperrors.Unavailable("queue "+name, "offline")
	}
	return p.MemoryProvider.GetQueue(ctx, name)
}

type fakeRefs struct {
	mu       sync.Mutex
	acquired []string
	released []string
}

func (r *fakeRefs) Acquire(_ distribution.Package, queues ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquired = append(r.acquired, queues...)
	return nil
}

func (r *fakeRefs) ReleaseOrDelete(_ distribution.Package, queue string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, queue)
	return len(r.released) == len(r.acquired), nil
}

func queueLen(t *testing.T, p queue.Provider, name string) int {
	t.Helper()
	q, err := p.GetQueue(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	n, _ := q.Len(context.Background())
	return n
}

func TestSingle(t *testing.T) {
	t.Parallel()
	provider := queue.NewMemoryProvider()
	refs := &fakeRefs{}
	s := NewSingle(refs)

	statuses, err := s.Add(context.Background(), testutil.NewPackage("p1", "x"), provider)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || statuses[0].Queue != DefaultQueueName || statuses[0].State != queue.ItemQueued {
		t.Errorf("statuses = %+v", statuses)
	}
	if queueLen(t, provider, DefaultQueueName) != 1 {
		t.Error("item not enqueued")
	}
	if !slices.Equal(refs.acquired, []string{DefaultQueueName}) {
		t.Errorf("acquired = %v", refs.acquired)
	}
	if !slices.Equal(s.QueueNames(), []string{DefaultQueueName}) {
		t.Errorf("QueueNames = %v", s.QueueNames())
	}
}

func TestSingle_QueueUnavailable(t *testing.T) {
	t.Parallel()
	provider := &flakyProvider{MemoryProvider: queue.NewMemoryProvider(), down: map[string]bool{DefaultQueueName: true}}
	refs := &fakeRefs{}

	statuses, err := NewSingle(refs).Add(context.Background(), testutil.NewPackage("p1", "x"), provider)
	if !errors.Is(err, apperrors.ErrDispatch) {
		t.Fatalf("err = %v, want dispatch error", err)
	}
	if len(statuses) != 1 || statuses[0].State != queue.ItemError {
		t.Errorf("statuses = %+v", statuses)
	}
	if !slices.Equal(refs.released, []string{DefaultQueueName}) {
		t.Errorf("released = %v", refs.released)
	}
}

func TestPriorityPath(t *testing.T) {
	t.Parallel()
	s := NewPriorityPath([]string{"/content/news"}, nil)

	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{"under priority path", []string{"/content/news/a"}, PriorityQueueName},
		{"priority root itself", []string{"/content/news"}, PriorityQueueName},
		{"mixed paths", []string{"/content/news/a", "/content/shop"}, DefaultQueueName},
		{"sibling prefix", []string{"/content/newsletter"}, DefaultQueueName},
		{"no paths", nil, DefaultQueueName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			provider := queue.NewMemoryProvider()
			pkg := testutil.NewPackage("p1", "x").WithInfo(distribution.InfoPaths, tt.paths)
			statuses, err := s.Add(context.Background(), pkg, provider)
			if err != nil {
				t.Fatal(err)
			}
			if len(statuses) != 1 || statuses[0].Queue != tt.want {
				t.Errorf("statuses = %+v, want queue %s", statuses, tt.want)
			}
		})
	}

	if !slices.Equal(s.QueueNames(), []string{DefaultQueueName, PriorityQueueName}) {
		t.Errorf("QueueNames = %v", s.QueueNames())
	}
}

func TestMultipleQueue_FansOut(t *testing.T) {
	t.Parallel()
	provider := queue.NewMemoryProvider()
	refs := &fakeRefs{}
	s := NewMultipleQueue([]string{"publish-1", "publish-2"}, refs)

	statuses, err := s.Add(context.Background(), testutil.NewPackage("p1", "x"), provider)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 || statuses[0].Queue != "publish-1" || statuses[1].Queue != "publish-2" {
		t.Errorf("statuses = %+v", statuses)
	}
	if statuses[0].ItemID == statuses[1].ItemID {
		t.Error("fan-out produced the same item id twice")
	}
	for _, name := range []string{"publish-1", "publish-2"} {
		if queueLen(t, provider, name) != 1 {
			t.Errorf("queue %s not filled", name)
		}
	}
	if !slices.Equal(refs.acquired, []string{"publish-1", "publish-2"}) {
		t.Errorf("acquired = %v", refs.acquired)
	}
}

func TestMultipleQueue_PartialFailure(t *testing.T) {
	t.Parallel()
	provider := &flakyProvider{MemoryProvider: queue.NewMemoryProvider(), down: map[string]bool{"publish-2": true}}
	refs := &fakeRefs{}
	s := NewMultipleQueue([]string{"publish-1", "publish-2"}, refs)

	statuses, err := s.Add(context.Background(), testutil.NewPackage("p1", "x"), provider)
	if err != nil {
		t.Fatalf("partial failure should not fail the dispatch: %v", err)
	}
	if statuses[0].State != queue.ItemQueued || statuses[1].State != queue.ItemError {
		t.Errorf("statuses = %+v", statuses)
	}
	if statuses[1].LastError == "" {
		t.Error("missing error for unreachable queue")
	}
	if !slices.Equal(refs.released, []string{"publish-2"}) {
		t.Errorf("released = %v", refs.released)
	}
}

func TestMultipleQueue_AllFail(t *testing.T) {
	t.Parallel()
	provider := &flakyProvider{MemoryProvider: queue.NewMemoryProvider(), down: map[string]bool{"a": true, "b": true}}

	_, err := NewMultipleQueue([]string{"a", "b"}, nil).Add(context.Background(), testutil.NewPackage("p1", "x"), provider)
	if !errors.Is(err, apperrors.ErrDispatch) {
		t.Fatalf("err = %v, want dispatch error", err)
	}
}

func TestMultipleQueue_NoQueues(t *testing.T) {
	t.Parallel()
	_, err := NewMultipleQueue(nil, nil).Add(context.Background(), testutil.NewPackage("p1", "x"), queue.NewMemoryProvider())
	if !errors.Is(err, apperrors.ErrDispatch) {
		t.Fatalf("err = %v, want dispatch error", err)
	}
}
