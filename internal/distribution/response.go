package distribution

import (
	"strings"
)

// RequestState is the outcome of a distribution request.
type RequestState string

const (
	StateDistributed RequestState = "DISTRIBUTED"
	StateQueued      RequestState = "QUEUED"
	StateActive      RequestState = "ACTIVE"
	StateDropped     RequestState = "DROPPED"
	StateError       RequestState = "ERROR"
)

// Successful reports whether the state counts as accepted.
func (s RequestState) Successful() bool {
	return s == StateDistributed || s == StateQueued || s == StateActive
}

// ResponseItem is the outcome for one package in one queue.
type ResponseItem struct {
	PackageID string       `json:"packageId,omitempty"`
	Queue     string       `json:"queue,omitempty"`
	ItemID    string       `json:"itemId,omitempty"`
	State     RequestState `json:"state"`
	Message   string       `json:"message,omitempty"`
}

// Response is the aggregated outcome of one execute or send call. It is not
// modified after it is returned.
type Response struct {
	State   RequestState   `json:"state"`
	Message string         `json:"message"`
	Items   []ResponseItem `json:"items,omitempty"`
}

// NewResponse creates a response without per-item detail.
func NewResponse(state RequestState, message string) *Response {
	return &Response{State: state, Message: message}
}

// Successful reports whether the request was accepted.
func (r *Response) Successful() bool {
	return r.State.Successful()
}

// Aggregate builds a response from per-item outcomes: DISTRIBUTED when
// every item was distributed, QUEUED when at least one item is still queued
// or active, ERROR otherwise (including no items at all). The message lists
// the item states in order.
func Aggregate(items []ResponseItem) *Response {
	if len(items) == 0 {
		return NewResponse(StateError, "no packages queued")
	}

	state := StateDistributed
	pending := false
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, string(it.State))
		switch it.State {
		case StateDistributed:
		case StateQueued, StateActive:
			pending = true
		default:
			state = StateError
		}
	}
	if pending {
		state = StateQueued
	}
	return &Response{
		State:   state,
		Message: "[" + strings.Join(names, ", ") + "]",
		Items:   items,
	}
}
