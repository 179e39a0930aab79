package trigger

import (
	"context"
	"distribution/internal/distribution"
	"distribution/internal/event"
	"log/slog"
	"sync"
)

// Subscriber is the part of the event bus a chain trigger needs.
type Subscriber interface {
	Subscribe(fn event.Handler, topics ...event.Topic) func()
}

// ChainDistribute turns packages imported or distributed by this service
// into new requests, so content received from one agent flows on through
// the next. Only paths under the configured root are forwarded. ADD and
// DELETE packages are re-issued with their own action.
type ChainDistribute struct {
	registry
	bus  Subscriber
	path string

	mu          sync.Mutex
	unsubscribe func()
}

var _ Trigger = (*ChainDistribute)(nil)

// NewChainDistribute creates a trigger forwarding changes under path.
func NewChainDistribute(bus Subscriber, path string) (*ChainDistribute, error) {
	if err := distribution.ValidatePath(path); err != nil {
		return nil, err
	}
	return &ChainDistribute{
		registry: registry{logger: slog.With("component", "chain-trigger", "path", path)},
		bus:      bus,
		path:     path,
	}, nil
}

func (c *ChainDistribute) Register(h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	first, err := c.add(h)
	if err != nil || !first {
		return err
	}
	c.unsubscribe = c.bus.Subscribe(c.onEvent, event.TopicPackageImported, event.TopicPackageDistributed)
	return nil
}

func (c *ChainDistribute) Unregister(h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, err := c.remove(h)
	if err != nil {
		return err
	}
	if last && c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	return nil
}

func (c *ChainDistribute) onEvent(ev event.Event) {
	if !ev.Action.HasPaths() {
		return
	}
	var paths []string
	for _, p := range ev.Paths {
		if distribution.IsUnder(p, c.path) {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return
	}
	req := distribution.NewRequest(ev.Action, paths...)
	c.logger.Info("Chaining package", "package_id", ev.PackageID, "topic", ev.Topic, "action", req.Type, "paths", paths)
	c.dispatch(context.Background(), req)
}
