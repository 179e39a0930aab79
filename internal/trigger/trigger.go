// Package trigger produces distribution requests from schedules, content
// changes, remote event streams and package lifecycle events.
package trigger

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Handler receives the requests a trigger produces.
type Handler interface {
	Handle(ctx context.Context, req *distribution.Request)
}

type funcHandler struct {
	fn func(context.Context, *distribution.Request)
}

func (h *funcHandler) Handle(ctx context.Context, req *distribution.Request) { h.fn(ctx, req) }

// HandlerFunc adapts fn to a Handler. Every call returns a distinct handler,
// so keep the result to unregister it later.
func HandlerFunc(fn func(context.Context, *distribution.Request)) Handler {
	return &funcHandler{fn: fn}
}

// Trigger is a source of distribution requests. Handlers are compared by
// identity and must be comparable.
type Trigger interface {
	Register(h Handler) error
	Unregister(h Handler) error
}

// registry keeps the handlers of one trigger.
type registry struct {
	mu       sync.Mutex
	handlers []Handler
	logger   *slog.Logger
}

// add registers h and reports whether it is the first handler.
func (r *registry) add(h Handler) (bool, error) {
	if h == nil {
		return false, apperrors.Validation("handler", "handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.handlers, h) {
		return false, apperrors.Conflict("handler", fmt.Sprintf("%p", h), "already registered")
	}
	r.handlers = append(r.handlers, h)
	return len(r.handlers) == 1, nil
}

// remove unregisters h and reports whether no handler is left.
func (r *registry) remove(h Handler) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.handlers, h)
	if i < 0 {
		return false, apperrors.NotFound("handler", fmt.Sprintf("%p", h))
	}
	r.handlers = slices.Delete(r.handlers, i, i+1)
	return len(r.handlers) == 0, nil
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// dispatch hands req to every registered handler. A panicking handler does
// not stop the others.
func (r *registry) dispatch(ctx context.Context, req *distribution.Request) {
	r.mu.Lock()
	handlers := slices.Clone(r.handlers)
	r.mu.Unlock()

	for _, h := range handlers {
		safeHandle(ctx, r.log(), h, req)
	}
}

func (r *registry) log() *slog.Logger {
	if r.logger == nil {
		return slog.Default()
	}
	return r.logger
}

func safeHandle(ctx context.Context, logger *slog.Logger, h Handler, req *distribution.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Trigger handler panicked", "request", req.String(), "panic", rec)
		}
	}()
	h.Handle(ctx, req)
}
