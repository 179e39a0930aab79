package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move a breaker past its cooldown without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New("test", cfg)
	b.now = clock.Now
	return b, clock
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{Threshold: -1})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Fatalf("expected closed after 4 failures, got %v", b.State())
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open after 5 failures, got %v", b.State())
	}
}

func TestBreaker_OpensAndRejects(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{Threshold: 2, Cooldown: time.Minute})

	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("expected Allow() below threshold")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("expected Allow() to be false when open")
	}
	if b.Failures() != 2 {
		t.Errorf("expected 2 failures, got %d", b.Failures())
	}
}

func TestBreaker_HalfOpenAdmitsSingleTrialCall(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{Threshold: 1, Cooldown: time.Second})

	b.RecordFailure()
	clock.Advance(time.Second)

	if !b.Allow() {
		t.Fatal("expected trial call to be admitted after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("expected second caller to be rejected while trial call in flight")
	}

	b.RecordSuccess()
	if b.State() != Closed {
		t.Fatalf("expected closed after successful trial call, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected Allow() after close")
	}
}

func TestBreaker_FailedTrialCallReopens(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(Config{Threshold: 3, Cooldown: time.Second})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("expected trial call")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open after failed trial call, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("expected rejection immediately after failed trial call")
	}
}

func TestBreaker_Do(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{Threshold: 1, Cooldown: time.Minute})
	boom := errors.New("boom")
	notFound := errors.New("not found")
	ignore := func(err error) bool { return errors.Is(err, notFound) }

	err := b.Do(context.Background(), func(context.Context) error { return notFound }, ignore)
	if !errors.Is(err, notFound) {
		t.Fatalf("expected notFound, got %v", err)
	}
	if b.State() != Closed {
		t.Fatal("ignored error must not open the breaker")
	}

	err = b.Do(context.Background(), func(context.Context) error { return boom }, ignore)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	called := false
	err = b.Do(context.Background(), func(context.Context) error { called = true; return nil }, ignore)
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	t.Parallel()
	var transitions []string
	var mu sync.Mutex
	cfg := Config{
		Threshold: 1,
		Cooldown:  time.Second,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	}
	b, clock := newTestBreaker(cfg)

	b.RecordFailure()
	clock.Advance(time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []string{"test:closed->open", "test:open->half-open", "test:half-open->closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{Threshold: 1})
	b.RecordFailure()
	b.Reset()
	if b.State() != Closed || b.Failures() != 0 {
		t.Fatalf("expected closed with no failures, got %v/%d", b.State(), b.Failures())
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1})

	a := r.Get("b.example:80")
	if r.Get("b.example:80") != a {
		t.Fatal("expected same breaker for same key")
	}
	r.Get("a.example:80").RecordFailure()

	if keys := r.Keys(); len(keys) != 2 || keys[0] != "a.example:80" {
		t.Fatalf("unexpected keys %v", keys)
	}
	stats := r.Stats()
	if stats.Total != 2 || stats.Open != 1 || stats.Closed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if r.Snapshot()["a.example:80"] != Open {
		t.Fatal("expected snapshot to report open")
	}

	r.Remove("a.example:80")
	if len(r.Keys()) != 1 {
		t.Fatal("expected key removed")
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	t.Parallel()
	r := NewRegistry(DefaultConfig())

	var wg sync.WaitGroup
	got := make([]*Breaker, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Get("shared")
		}(i)
	}
	wg.Wait()
	for _, b := range got {
		if b != got[0] {
			t.Fatal("expected a single breaker for concurrent Get")
		}
	}
}
