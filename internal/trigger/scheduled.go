package trigger

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduled issues the same request to every handler on a fixed interval.
// Each handler runs on its own ticker.
type Scheduled struct {
	req      *distribution.Request
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[Handler]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

var _ Trigger = (*Scheduled)(nil)

// NewScheduled creates a trigger issuing action on path every interval.
// path may be empty for PULL and TEST.
func NewScheduled(action distribution.RequestType, path string, interval time.Duration) (*Scheduled, error) {
	if interval <= 0 {
		return nil, apperrors.Validation("interval", fmt.Sprintf("interval must be positive, got %s", interval))
	}
	req := distribution.NewRequest(action)
	if path != "" {
		req = distribution.NewRequest(action, path)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &Scheduled{
		req:      req,
		interval: interval,
		logger:   slog.With("component", "scheduled-trigger", "action", action, "path", path),
		cancels:  make(map[Handler]context.CancelFunc),
	}, nil
}

func (s *Scheduled) Register(h Handler) error {
	if h == nil {
		return apperrors.Validation("handler", "handler is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.Unavailable("trigger", "scheduled trigger is closed")
	}
	if _, ok := s.cancels[h]; ok {
		return apperrors.Conflict("handler", fmt.Sprintf("%p", h), "already registered")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[h] = cancel
	s.wg.Add(1)
	go s.run(ctx, h)
	s.logger.Info("Scheduled trigger registered", "interval", s.interval)
	return nil
}

func (s *Scheduled) Unregister(h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[h]
	if !ok {
		return apperrors.NotFound("handler", fmt.Sprintf("%p", h))
	}
	cancel()
	delete(s.cancels, h)
	return nil
}

// Close stops every schedule and waits for running handlers to return.
func (s *Scheduled) Close() error {
	s.mu.Lock()
	s.closed = true
	for h, cancel := range s.cancels {
		cancel()
		delete(s.cancels, h)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Scheduled) run(ctx context.Context, h Handler) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Debug("Schedule fired")
			safeHandle(ctx, s.logger, h, s.req)
		}
	}
}
