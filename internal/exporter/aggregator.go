package exporter

import (
	"context"
	"distribution/internal/distribution"
	"sync"
)

// HandleFunc turns one exported package into per-queue outcomes.
type HandleFunc func(ctx context.Context, pkg distribution.Package) ([]distribution.ResponseItem, error)

// Aggregator is the Processor used for a single export. It counts the
// packages and their bytes and collects the outcomes of handle. A failing
// handle is recorded as an ERROR outcome for that package only.
type Aggregator struct {
	handle HandleFunc

	mu        sync.Mutex
	count     int
	size      int64
	items     []distribution.ResponseItem
	responses []*distribution.Response
}

var _ Processor = (*Aggregator)(nil)

// NewAggregator creates an aggregator. handle may be nil to only count.
func NewAggregator(handle HandleFunc) *Aggregator {
	return &Aggregator{handle: handle}
}

func (a *Aggregator) Process(ctx context.Context, pkg distribution.Package) error {
	var items []distribution.ResponseItem
	if a.handle != nil {
		var err error
		items, err = a.handle(ctx, pkg)
		if err != nil && len(items) == 0 {
			items = []distribution.ResponseItem{{PackageID: pkg.ID(), State: distribution.StateError, Message: err.Error()}}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	a.size += pkg.Size()
	a.items = append(a.items, items...)
	a.responses = append(a.responses, distribution.Aggregate(items))
	return nil
}

// Count returns the number of processed packages.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Size returns the summed byte size of processed packages.
func (a *Aggregator) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Items returns every outcome in processing order.
func (a *Aggregator) Items() []distribution.ResponseItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]distribution.ResponseItem(nil), a.items...)
}

// Responses returns one response per processed package.
func (a *Aggregator) Responses() []*distribution.Response {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*distribution.Response(nil), a.responses...)
}

// Response aggregates every outcome. With nothing processed it is ERROR.
func (a *Aggregator) Response() *distribution.Response {
	return distribution.Aggregate(a.Items())
}
