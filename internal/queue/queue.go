// Package queue holds distribution queue items and drives their delivery.
//
// A Provider owns named FIFO queues. Each queue keeps its items in enqueue
// order; an item stays at the head until processing reaches a terminal
// state, so a failing head blocks the items behind it.
package queue

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"fmt"
	"time"
)

// ItemState is the lifecycle state of one queue item.
type ItemState string

const (
	ItemQueued    ItemState = "QUEUED"
	ItemActive    ItemState = "ACTIVE"
	ItemSucceeded ItemState = "SUCCEEDED"
	ItemError     ItemState = "ERROR"
	ItemDropped   ItemState = "DROPPED"
)

// Terminal reports whether no further transition is allowed.
func (s ItemState) Terminal() bool {
	return s == ItemSucceeded || s == ItemDropped
}

var transitions = map[ItemState][]ItemState{
	ItemQueued: {ItemActive, ItemDropped},
	ItemActive: {ItemSucceeded, ItemError, ItemDropped},
	ItemError:  {ItemActive, ItemDropped},
}

// CanTransition reports whether an item may move from one state to another.
func CanTransition(from, to ItemState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RequestState maps an item state to the request state reported to callers.
func (s ItemState) RequestState() distribution.RequestState {
	switch s {
	case ItemQueued:
		return distribution.StateQueued
	case ItemActive:
		return distribution.StateActive
	case ItemSucceeded:
		return distribution.StateDistributed
	case ItemDropped:
		return distribution.StateDropped
	default:
		return distribution.StateError
	}
}

// Item is an enqueued package reference. It is not modified once enqueued.
type Item struct {
	ID         string                   `json:"id"`
	PackageID  string                   `json:"packageId"`
	Info       distribution.PackageInfo `json:"info,omitempty"`
	EnqueuedAt time.Time                `json:"enqueuedAt"`
}

// NewItem wraps a package for enqueueing.
func NewItem(pkg distribution.Package) Item {
	info := pkg.Info().Clone()
	delete(info, distribution.InfoQueue)
	return Item{PackageID: pkg.ID(), Info: info}
}

// ItemStatus tracks one item in one queue.
type ItemStatus struct {
	ItemID     string    `json:"itemId"`
	Queue      string    `json:"queue"`
	State      ItemState `json:"state"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Next returns the status after moving to state. Moving to ERROR counts a
// failed attempt and records cause. Illegal moves are conflict errors.
func (s ItemStatus) Next(to ItemState, cause error, now time.Time) (ItemStatus, error) {
	if !CanTransition(s.State, to) {
		return s, apperrors.Conflict("queue item", s.ItemID,
			fmt.Sprintf("queue item %s cannot move from %s to %s", s.ItemID, s.State, to))
	}
	s.State = to
	s.UpdatedAt = now
	if to == ItemError {
		s.Attempts++
	}
	if cause != nil {
		s.LastError = cause.Error()
	}
	return s, nil
}

// Entry pairs an item with its current status.
type Entry struct {
	Item   Item       `json:"item"`
	Status ItemStatus `json:"status"`
}

// State summarizes a queue.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StateBlocked State = "BLOCKED"
	StatePaused  State = "PAUSED"
)

// StateOf derives the queue state from its head entry.
func StateOf(head *Entry) State {
	switch {
	case head == nil:
		return StateIdle
	case head.Status.State == ItemError:
		return StateBlocked
	default:
		return StateRunning
	}
}

// Queue is a named FIFO of items. Implementations serialize operations per
// queue.
type Queue interface {
	Name() string
	// Add enqueues item in QUEUED state, assigning an id when empty.
	Add(ctx context.Context, item Item) (ItemStatus, error)
	// Head returns the oldest entry, or nil when the queue is empty.
	Head(ctx context.Context) (*Entry, error)
	// Get returns the entry with id, or nil when absent.
	Get(ctx context.Context, id string) (*Entry, error)
	// Remove deletes the entry with id and returns it, or nil when absent.
	Remove(ctx context.Context, id string) (*Entry, error)
	// Status returns the status of id or a not-found error.
	Status(ctx context.Context, id string) (ItemStatus, error)
	Transition(ctx context.Context, id string, to ItemState, cause error) (ItemStatus, error)
	List(ctx context.Context, offset, limit int) ([]Entry, error)
	Len(ctx context.Context) (int, error)
	State(ctx context.Context) (State, error)
}

// Provider owns the queues of one agent.
type Provider interface {
	// GetQueue returns the named queue, creating it on first use.
	GetQueue(ctx context.Context, name string) (Queue, error)
	// Queues lists the queues that hold or have held items.
	Queues(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// ValidateName rejects empty queue names and names with separators.
func ValidateName(name string) error {
	if name == "" {
		return apperrors.Validation("queue", "queue name is required")
	}
	for _, r := range name {
		if r == '/' || r == ':' || r < 0x20 {
			return apperrors.Validation("queue", fmt.Sprintf("invalid queue name %q", name))
		}
	}
	return nil
}
