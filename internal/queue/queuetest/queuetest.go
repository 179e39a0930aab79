// Package queuetest holds the behavior every queue.Provider must share.
package queuetest

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/internal/queue"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// Run exercises a provider returned by newProvider. Each subtest gets a
// fresh provider.
func Run(t *testing.T, newProvider func(t *testing.T) queue.Provider) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, p queue.Provider)
	}{
		{"FIFO", testFIFO},
		{"Transitions", testTransitions},
		{"Attempts", testAttempts},
		{"Absent", testAbsent},
		{"List", testList},
		{"State", testState},
		{"Queues", testQueues},
		{"Isolation", testIsolation},
		{"ConcurrentAdd", testConcurrentAdd},
		{"InvalidName", testInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newProvider(t))
		})
	}
}

func item(pkg string) queue.Item {
	return queue.Item{
		PackageID: pkg,
		Info: distribution.PackageInfo{
			distribution.InfoType:        "tgz",
			distribution.InfoRequestType: "ADD",
			distribution.InfoPaths:       []string{"/content/" + pkg},
		},
	}
}

func mustQueue(t *testing.T, p queue.Provider, name string) queue.Queue {
	t.Helper()
	q, err := p.GetQueue(context.Background(), name)
	if err != nil {
		t.Fatalf("GetQueue(%q): %v", name, err)
	}
	return q
}

func mustAdd(t *testing.T, q queue.Queue, pkg string) queue.ItemStatus {
	t.Helper()
	st, err := q.Add(context.Background(), item(pkg))
	if err != nil {
		t.Fatalf("Add(%s): %v", pkg, err)
	}
	return st
}

func testFIFO(t *testing.T, p queue.Provider) {
	ctx := context.Background()
	q := mustQueue(t, p, "default")
	if q.Name() != "default" {
		t.Errorf("Name() = %q", q.Name())
	}

	first := mustAdd(t, q, "p1")
	mustAdd(t, q, "p2")
	mustAdd(t, q, "p3")

	if first.State != queue.ItemQueued || first.Queue != "default" || first.ItemID == "" {
		t.Fatalf("unexpected status %+v", first)
	}

	for _, want := range []string{"p1", "p2", "p3"} {
		head, err := q.Head(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if head == nil || head.Item.PackageID != want {
			t.Fatalf("head = %+v, want package %s", head, want)
		}
		if got := head.Item.Info.Paths(); len(got) != 1 || got[0] != "/content/"+want {
			t.Errorf("info paths = %v", got)
		}
		removed, err := q.Remove(ctx, head.Item.ID)
		if err != nil || removed == nil {
			t.Fatalf("Remove: %v %v", removed, err)
		}
	}

	head, err := q.Head(ctx)
	if err != nil || head != nil {
		t.Fatalf("Head on empty queue = %v, %v", head, err)
	}
}

func testTransitions(t *testing.T, p queue.Provider) {
	ctx := context.Background()
	q := mustQueue(t, p, "default")
	id := mustAdd(t, q, "p1").ItemID

	if _, err := q.Transition(ctx, id, queue.ItemSucceeded, nil); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("QUEUED->SUCCEEDED err = %v, want conflict", err)
	}

	steps := []queue.ItemState{queue.ItemActive, queue.ItemError, queue.ItemActive, queue.ItemSucceeded}
	for _, to := range steps {
		st, err := q.Transition(ctx, id, to, nil)
		if err != nil {
			t.Fatalf("-> %s: %v", to, err)
		}
		if st.State != to {
			t.Fatalf("state = %s, want %s", st.State, to)
		}
	}

	st, err := q.Status(ctx, id)
	if err != nil || st.State != queue.ItemSucceeded {
		t.Fatalf("Status = %+v, %v", st, err)
	}
	if _, err := q.Transition(ctx, id, queue.ItemActive, nil); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("transition out of SUCCEEDED err = %v, want conflict", err)
	}

	dropped := mustAdd(t, q, "p2").ItemID
	if _, err := q.Transition(ctx, dropped, queue.ItemDropped, nil); err != nil {
		t.Fatalf("QUEUED->DROPPED: %v", err)
	}
}

func testAttempts(t *testing.T, p queue.Provider) {
	ctx := context.Background()
	q := mustQueue(t, p, "default")
	id := mustAdd(t, q, "p1").ItemID

	for i := 1; i <= 3; i++ {
		if _, err := q.Transition(ctx, id, queue.ItemActive, nil); err != nil {
			t.Fatal(err)
		}
		st, err := q.Transition(ctx, id, queue.ItemError, fmt.Errorf("boom %d", i))
		if err != nil {
			t.Fatal(err)
		}
		if st.Attempts != i {
			t.Errorf("attempts = %d, want %d", st.Attempts, i)
		}
		if st.LastError != fmt.Sprintf("boom %d", i) {
			t.Errorf("last error = %q", st.LastError)
		}
	}

	head, err := q.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head.Status.Attempts != 3 || head.Status.State != queue.ItemError {
		t.Errorf("head status = %+v", head.Status)
	}
}

func testAbsent(t *testing.T, p queue.Provider) {
	ctx := context.Background()
	q := mustQueue(t, p, "default")

	if e, err := q.Get(ctx, "missing"); err != nil || e != nil {
		t.Errorf("Get = %v, %v", e, err)
	}
	if e, err := q.Remove(ctx, "missing"); err != nil || e != nil {
		t.Errorf("Remove = %v, %v", e, err)
	}
	if _, err := q.Status(ctx, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Status err = %v, want not found", err)
	}
	if _, err := q.Transition(ctx, "missing", queue.ItemActive, nil); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Transition err = %v, want not found", err)
	}

	id := mustAdd(t, q, "p1").ItemID
	e, err := q.Get(ctx, id)
	if err != nil || e == nil || e.Item.PackageID != "p1" {
		t.Fatalf("Get = %+v, %v", e, err)
	}
	if e.Item.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt not set")
	}
}

func testList(t *testing.T, p queue.Provider) {
	ctx := context.Background()
	q := mustQueue(t, p, "default")
	for i := 0; i < 5; i++ {
		mustAdd(t, q, fmt.Sprintf("p%d", i))
	}

	tests := []struct {
		offset, limit int
		want          []string
	}{
		{0, 0, []string{"p0", "p1", "p2", "p3", "p4"}},
		{0, 2, []string{"p0", "p1"}},
		{3, 10, []string{"p3", "p4"}},
		{5, 1, nil},
		{-1, 1, []string{"p0"}},
	}
	for _, tt := range tests {
		entries, err := q.List(ctx, tt.offset, tt.limit)
		if err != nil {
			t.Fatal(err)
		}
		var got []string
		for _, e := range entries {
			got = append(got, e.Item.PackageID)
		}
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("List(%d, %d) = %v, want %v", tt.offset, tt.limit, got, tt.want)
		}
	}

	n, err := q.Len(ctx)
	if err != nil || n != 5 {
		t.Errorf("Len = %d, %v", n, err)
	}
}

func testState(t *testing.T, p queue.Provider) {
	ctx := context.Background()
	q := mustQueue(t, p, "default")

	assertState := func(want queue.State) {
		t.Helper()
		got, err := q.State(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("State = %s, want %s", got, want)
		}
	}

	assertState(queue.StateIdle)
	id := mustAdd(t, q, "p1").ItemID
	assertState(queue.StateRunning)

	q.Transition(ctx, id, queue.ItemActive, nil)
	q.Transition(ctx, id, queue.ItemError, errors.New("down"))
	assertState(queue.StateBlocked)

	q.Remove(ctx, id)
	assertState(queue.StateIdle)
}

func testQueues(t *testing.T, p queue.Provider) {
	ctx := context.Background()
	mustAdd(t, mustQueue(t, p, "b"), "p1")
	mustAdd(t, mustQueue(t, p, "a"), "p2")

	names, err := p.Queues(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(names) != "[a b]" {
		t.Errorf("Queues = %v, want [a b]", names)
	}
	if err := p.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func testIsolation(t *testing.T, p queue.Provider) {
	ctx := context.Background()
	a := mustQueue(t, p, "a")
	b := mustQueue(t, p, "b")
	id := mustAdd(t, a, "p1").ItemID

	if e, _ := b.Get(ctx, id); e != nil {
		t.Error("item visible in another queue")
	}
	if n, _ := b.Len(ctx); n != 0 {
		t.Errorf("other queue length = %d", n)
	}
	again := mustQueue(t, p, "a")
	if n, _ := again.Len(ctx); n != 1 {
		t.Errorf("reopened queue length = %d", n)
	}
}

func testConcurrentAdd(t *testing.T, p queue.Provider) {
	ctx := context.Background()
	q := mustQueue(t, p, "default")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := q.Add(ctx, item(fmt.Sprintf("p%d", i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Add: %v", err)
	}

	if got, _ := q.Len(ctx); got != n {
		t.Errorf("Len = %d, want %d", got, n)
	}
}

func testInvalidName(t *testing.T, p queue.Provider) {
	for _, name := range []string{"", "a/b", "a:b"} {
		if _, err := p.GetQueue(context.Background(), name); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("GetQueue(%q) err = %v, want validation", name, err)
		}
	}
}
