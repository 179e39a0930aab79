// Package event publishes package lifecycle events inside the process and
// forwards them to webhook receivers.
package event

import (
	"distribution/internal/distribution"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Topic names a package lifecycle change.
type Topic string

const (
	TopicPackageCreated     Topic = "package/created"
	TopicPackageQueued      Topic = "package/queued"
	TopicPackageDistributed Topic = "package/distributed"
	TopicPackageDropped     Topic = "package/dropped"
	TopicPackageImported    Topic = "package/imported"
)

// Topics lists every topic.
var Topics = []Topic{
	TopicPackageCreated,
	TopicPackageQueued,
	TopicPackageDistributed,
	TopicPackageDropped,
	TopicPackageImported,
}

// Event describes something that happened to a package.
type Event struct {
	Topic     Topic
	Kind      string // emitting component kind: agent, importer
	Component string // emitting component name
	PackageID string
	Action    distribution.RequestType
	Paths     []string
	Queue     string
	Message   string
	Time      time.Time
}

// ForPackage builds an event for pkg with action and paths taken from its
// info.
func ForPackage(topic Topic, kind, component string, pkg distribution.Package) Event {
	info := pkg.Info()
	return Event{
		Topic:     topic,
		Kind:      kind,
		Component: component,
		PackageID: pkg.ID(),
		Action:    info.RequestType(),
		Paths:     info.Paths(),
		Queue:     info.Queue(),
		Time:      time.Now().UTC(),
	}
}

// Publisher accepts events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ev Event)
}

// Handler receives events from a Bus.
type Handler func(Event)

type subscription struct {
	topics []Topic
	fn     Handler
}

// Bus fans events out to subscribers synchronously. A panicking handler is
// logged and does not affect the others.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]subscription
	next   int
	logger *slog.Logger
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   map[int]subscription{},
		logger: slog.With("component", "event-bus"),
	}
}

// Subscribe registers fn for topics, or for every topic when none are
// given. The returned function removes the subscription.
func (b *Bus) Subscribe(fn Handler, topics ...Topic) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = subscription{topics: slices.Clone(topics), fn: fn}
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if len(s.topics) == 0 || slices.Contains(s.topics, ev.Topic) {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		b.call(fn, ev)
	}
}

func (b *Bus) call(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", "topic", ev.Topic, "package_id", ev.PackageID, "panic", r)
		}
	}()
	fn(ev)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
