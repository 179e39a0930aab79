// Package dispatching decides which queues receive an exported package.
package dispatching

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/internal/queue"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

const (
	// DefaultQueueName is the queue used when no other queue applies.
	DefaultQueueName = "default"
	// PriorityQueueName receives packages under a priority path.
	PriorityQueueName = "priority"
)

// Strategy places a package into one or more queues of a provider.
type Strategy interface {
	// Add enqueues pkg and returns one status per target queue. A queue
	// that cannot be reached yields an ERROR status; Add fails only when
	// no queue accepted the package.
	Add(ctx context.Context, pkg distribution.Package, provider queue.Provider) ([]queue.ItemStatus, error)
	// QueueNames lists the queues this strategy may use.
	QueueNames() []string
}

// Refs tracks which queues still hold a shared package.
type Refs interface {
	Acquire(pkg distribution.Package, queues ...string) error
	ReleaseOrDelete(pkg distribution.Package, queue string) (bool, error)
}

// Single sends every package to the default queue.
type Single struct {
	refs Refs
}

// NewSingle creates a single-queue strategy. refs may be nil.
func NewSingle(refs Refs) *Single {
	return &Single{refs: refs}
}

func (s *Single) Add(ctx context.Context, pkg distribution.Package, provider queue.Provider) ([]queue.ItemStatus, error) {
	return dispatch(ctx, pkg, provider, s.refs, []string{DefaultQueueName})
}

func (s *Single) QueueNames() []string { return []string{DefaultQueueName} }

// PriorityPath sends packages whose paths all fall under one of the
// priority paths to the priority queue, and everything else to default.
type PriorityPath struct {
	paths []string
	refs  Refs
}

// NewPriorityPath creates a priority strategy. refs may be nil.
func NewPriorityPath(paths []string, refs Refs) *PriorityPath {
	return &PriorityPath{paths: slices.Clone(paths), refs: refs}
}

func (s *PriorityPath) Add(ctx context.Context, pkg distribution.Package, provider queue.Provider) ([]queue.ItemStatus, error) {
	return dispatch(ctx, pkg, provider, s.refs, []string{s.queueFor(pkg)})
}

func (s *PriorityPath) QueueNames() []string {
	return []string{DefaultQueueName, PriorityQueueName}
}

func (s *PriorityPath) queueFor(pkg distribution.Package) string {
	paths := pkg.Info().Paths()
	if len(paths) == 0 {
		return DefaultQueueName
	}
	for _, p := range paths {
		if !slices.ContainsFunc(s.paths, func(root string) bool { return distribution.IsUnder(p, root) }) {
			return DefaultQueueName
		}
	}
	return PriorityQueueName
}

// MultipleQueue fans a package out to every named queue, so each queue
// retries its endpoint independently.
type MultipleQueue struct {
	names []string
	refs  Refs
}

// NewMultipleQueue creates a fan-out strategy over names. refs may be nil.
func NewMultipleQueue(names []string, refs Refs) *MultipleQueue {
	return &MultipleQueue{names: slices.Clone(names), refs: refs}
}

func (s *MultipleQueue) Add(ctx context.Context, pkg distribution.Package, provider queue.Provider) ([]queue.ItemStatus, error) {
	return dispatch(ctx, pkg, provider, s.refs, s.names)
}

func (s *MultipleQueue) QueueNames() []string { return slices.Clone(s.names) }

// dispatch acquires pkg for every target queue before enqueueing, so that
// a fast consumer cannot delete it while other queues are still pending.
// Queues that fail to accept the item are released again.
func dispatch(ctx context.Context, pkg distribution.Package, provider queue.Provider, refs Refs, names []string) ([]queue.ItemStatus, error) {
	if len(names) == 0 {
		return nil, apperrors.Dispatch("dispatch package "+pkg.ID(), errors.New("no target queues"))
	}
	if refs != nil {
		if err := refs.Acquire(pkg, names...); err != nil {
			return nil, apperrors.Dispatch("acquire package "+pkg.ID(), err)
		}
	}

	logger := slog.With("component", "dispatching", "package_id", pkg.ID())
	statuses := make([]queue.ItemStatus, 0, len(names))
	var errs []error
	for _, name := range names {
		st, err := enqueue(ctx, pkg, provider, name)
		if err != nil {
			logger.Warn("Failed to enqueue package", "queue", name, "error", err)
			errs = append(errs, fmt.Errorf("queue %s: %w", name, err))
			statuses = append(statuses, queue.ItemStatus{Queue: name, State: queue.ItemError, LastError: err.Error()})
			if refs != nil {
				if _, rerr := refs.ReleaseOrDelete(pkg, name); rerr != nil {
					logger.Warn("Failed to release package", "queue", name, "error", rerr)
				}
			}
			continue
		}
		statuses = append(statuses, st)
	}

	if len(errs) == len(names) {
		return statuses, apperrors.Dispatch("dispatch package "+pkg.ID(), errors.Join(errs...))
	}
	return statuses, nil
}

func enqueue(ctx context.Context, pkg distribution.Package, provider queue.Provider, name string) (queue.ItemStatus, error) {
	q, err := provider.GetQueue(ctx, name)
	if err != nil {
		return queue.ItemStatus{}, err
	}
	return q.Add(ctx, queue.NewItem(pkg))
}
