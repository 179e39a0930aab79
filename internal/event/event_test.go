package event

import (
	"distribution/internal/distribution"
	"distribution/internal/testutil"
	"sync"
	"testing"
	"time"
)

func TestBus_TopicFiltering(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	var mu sync.Mutex
	var all, imported []Topic
	bus.Subscribe(func(ev Event) {
		mu.Lock()
		all = append(all, ev.Topic)
		mu.Unlock()
	})
	unsubscribe := bus.Subscribe(func(ev Event) {
		mu.Lock()
		imported = append(imported, ev.Topic)
		mu.Unlock()
	}, TopicPackageImported)

	bus.Publish(Event{Topic: TopicPackageCreated})
	bus.Publish(Event{Topic: TopicPackageImported})
	unsubscribe()
	bus.Publish(Event{Topic: TopicPackageImported})

	mu.Lock()
	defer mu.Unlock()
	if len(all) != 3 {
		t.Errorf("catch-all subscriber saw %v", all)
	}
	if len(imported) != 1 || imported[0] != TopicPackageImported {
		t.Errorf("filtered subscriber saw %v", imported)
	}
}

func TestBus_HandlerPanicIsolated(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	bus.Subscribe(func(Event) { panic("boom") })

	got := make(chan Event, 1)
	bus.Subscribe(func(ev Event) { got <- ev })

	bus.Publish(Event{Topic: TopicPackageQueued, PackageID: "p1"})
	ev := testutil.MustReceive(t, got, time.Second)
	if ev.PackageID != "p1" || ev.Time.IsZero() {
		t.Errorf("event = %+v", ev)
	}
}

func TestForPackage(t *testing.T) {
	t.Parallel()
	pkg := testutil.NewPackage("p1", "x").
		WithInfo(distribution.InfoPaths, []string{"/content/a"}).
		WithInfo(distribution.InfoQueue, "priority")

	ev := ForPackage(TopicPackageDistributed, "agent", "publish", pkg)
	if ev.PackageID != "p1" || ev.Queue != "priority" || ev.Action != distribution.RequestAdd {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Paths) != 1 || ev.Paths[0] != "/content/a" {
		t.Errorf("paths = %v", ev.Paths)
	}
}

func TestTypeOf(t *testing.T) {
	t.Parallel()
	tests := map[Topic]string{
		TopicPackageCreated:  "org.distribution.package.created",
		TopicPackageImported: "org.distribution.package.imported",
		Topic("agent/state"): "org.distribution.agent.state",
	}
	for topic, want := range tests {
		if got := TypeOf(topic); got != want {
			t.Errorf("TypeOf(%q) = %q, want %q", topic, got, want)
		}
	}
}
