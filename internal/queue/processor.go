package queue

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/pkg/backoff"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessFunc delivers one queue entry. A nil error marks the item
// SUCCEEDED; errors are classified with apperrors.Retryable.
type ProcessFunc func(ctx context.Context, queue string, entry *Entry) error

// Outcome reports an item that reached a terminal state.
type Outcome struct {
	Queue  string
	Item   Item
	Status ItemStatus
	Err    error
}

// MetricsRecorder is an optional interface for recording queue metrics.
type MetricsRecorder interface {
	RecordItemDelivered(ctx context.Context, queue string, durationSeconds float64)
	RecordItemFailed(ctx context.Context, queue string)
	RecordItemDropped(ctx context.Context, queue string)
	RecordItemRetried(ctx context.Context, queue string)
	RecordQueueDepth(ctx context.Context, queue string, depth int64)
}

// NoRedelivery as MaxRetries drops an item on its first failure.
const NoRedelivery = -1

// ProcessorConfig controls the consumption loop.
type ProcessorConfig struct {
	MaxRetries     int            // redeliveries after the first failure (0: default 5, NoRedelivery: none)
	Backoff        backoff.Policy // delay before a redelivery (default: exponential 1s..1m)
	PollInterval   time.Duration  // idle re-check interval (default: 1s)
	ProcessTimeout time.Duration  // per-attempt deadline (default: 1m)
	OnDone         func(Outcome)  // called after SUCCEEDED or DROPPED, optional
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 5
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.Backoff == nil {
		c.Backoff = backoff.ExponentialPolicy{Config: backoff.Config{Initial: time.Second, Max: time.Minute}}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = time.Minute
	}
	return c
}

// Stats holds processor counters.
type Stats struct {
	Delivered int64 // items that reached SUCCEEDED
	Failed    int64 // failed attempts
	Retried   int64 // attempts scheduled for redelivery
	Dropped   int64 // items that reached DROPPED
}

// Processor runs one consumer goroutine per queue. Each consumer takes the
// head item, marks it ACTIVE and hands it to the ProcessFunc; retryable
// failures leave the item at the head in ERROR until its backoff elapses.
type Processor struct {
	provider Provider
	process  ProcessFunc
	config   ProcessorConfig
	metrics  MetricsRecorder
	logger   *slog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	dropped   atomic.Int64

	mu       sync.Mutex
	wake     map[string]chan struct{}
	reporter sync.Once
	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewProcessor creates a processor. Consumers start with Start.
func NewProcessor(name string, provider Provider, process ProcessFunc, cfg ProcessorConfig, metrics MetricsRecorder) *Processor {
	return &Processor{
		provider: provider,
		process:  process,
		config:   cfg.withDefaults(),
		metrics:  metrics,
		logger:   slog.With("component", "queue-processor", "agent", name),
		wake:     map[string]chan struct{}{},
		shutdown: make(chan struct{}),
	}
}

// Start launches a consumer for each queue not already running.
func (p *Processor) Start(queues ...string) error {
	if p.closed.Load() {
		return errors.New("processor is closed")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, name := range queues {
		if _, running := p.wake[name]; running {
			continue
		}
		ch := make(chan struct{}, 1)
		p.wake[name] = ch
		p.wg.Add(1)
		go p.consume(name, ch)
	}
	if p.metrics != nil && len(p.wake) > 0 {
		p.startDepthReporter()
	}
	p.logger.Info("Queue processor started", "queues", queues)
	return nil
}

func (p *Processor) startDepthReporter() {
	p.reporter.Do(func() { go p.reportDepthLoop() })
}

func (p *Processor) reportDepthLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.reportDepth()
		}
	}
}

func (p *Processor) reportDepth() {
	ctx := context.Background()
	for _, name := range p.Queues() {
		q, err := p.provider.GetQueue(ctx, name)
		if err != nil {
			continue
		}
		if n, err := q.Len(ctx); err == nil {
			p.metrics.RecordQueueDepth(ctx, name, int64(n))
		}
	}
}

// Queues returns the queues with a running consumer.
func (p *Processor) Queues() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.wake))
	for name := range p.wake {
		names = append(names, name)
	}
	return names
}

// Wake signals the consumer of queue that new items may be available.
func (p *Processor) Wake(queue string) {
	p.mu.Lock()
	ch := p.wake[queue]
	p.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Stats returns current processor counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Delivered: p.delivered.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Close stops all consumers. In-flight attempts finish; the context
// deadline bounds the wait.
func (p *Processor) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.shutdown)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Queue processor stopped",
			"delivered", p.delivered.Load(),
			"failed", p.failed.Load(),
			"dropped", p.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		p.logger.Warn("Queue processor shutdown timed out")
		return ctx.Err()
	}
}

func (p *Processor) consume(name string, wake <-chan struct{}) {
	defer p.wg.Done()
	logger := p.logger.With("queue", name)

	for {
		wait := p.drain(name, logger)
		if wait <= 0 {
			wait = p.config.PollInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-p.shutdown:
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// drain processes items until the queue is empty, a retry is pending or
// the processor shuts down. It returns the delay before the next attempt
// when the head is waiting for redelivery.
func (p *Processor) drain(name string, logger *slog.Logger) time.Duration {
	ctx := context.Background()
	q, err := p.provider.GetQueue(ctx, name)
	if err != nil {
		logger.Warn("Queue unavailable", "error", err)
		return 0
	}

	for {
		select {
		case <-p.shutdown:
			return 0
		default:
		}

		head, err := q.Head(ctx)
		if err != nil {
			logger.Warn("Failed to read queue head", "error", err)
			return 0
		}
		if head == nil {
			return 0
		}
		if wait := p.processHead(ctx, q, head, logger); wait > 0 {
			return wait
		}
	}
}

func (p *Processor) processHead(ctx context.Context, q Queue, head *Entry, logger *slog.Logger) time.Duration {
	id := head.Item.ID
	st := head.Status

	if st.State.Terminal() {
		// Left behind by an interrupted consumer.
		if !p.remove(ctx, q, id, logger) {
			return p.config.PollInterval
		}
		return 0
	}
	if st.State == ItemError {
		delay := p.config.Backoff.Delay(st.Attempts)
		if remaining := time.Until(st.UpdatedAt.Add(delay)); remaining > 0 {
			return remaining
		}
	}
	if st.State != ItemActive {
		var err error
		st, err = q.Transition(ctx, id, ItemActive, nil)
		if err != nil {
			logger.Warn("Failed to activate item", "item_id", id, "error", err)
			return p.config.PollInterval
		}
	}
	head.Status = st

	pctx, cancel := context.WithTimeout(ctx, p.config.ProcessTimeout)
	start := time.Now()
	err := p.safeProcess(pctx, q.Name(), head)
	cancel()

	if err == nil {
		st = p.finish(ctx, q, id, st, ItemSucceeded, nil, logger)
		p.delivered.Add(1)
		if p.metrics != nil {
			p.metrics.RecordItemDelivered(ctx, q.Name(), time.Since(start).Seconds())
		}
		logger.Debug("Item delivered", "item_id", id, "package_id", head.Item.PackageID)
		p.done(Outcome{Queue: q.Name(), Item: head.Item, Status: st})
		return 0
	}

	p.failed.Add(1)
	if p.metrics != nil {
		p.metrics.RecordItemFailed(ctx, q.Name())
	}
	st, terr := q.Transition(ctx, id, ItemError, err)
	if terr != nil {
		logger.Warn("Failed to mark item failed", "item_id", id, "error", terr)
		return p.config.PollInterval
	}

	if apperrors.Retryable(err) && st.Attempts <= p.config.MaxRetries {
		delay := p.config.Backoff.Delay(st.Attempts)
		p.retried.Add(1)
		if p.metrics != nil {
			p.metrics.RecordItemRetried(ctx, q.Name())
		}
		logger.Warn("Item delivery failed, will retry",
			"item_id", id,
			"package_id", head.Item.PackageID,
			"attempts", st.Attempts,
			"retry_in", delay,
			"error", err,
		)
		return delay
	}

	st = p.finish(ctx, q, id, st, ItemDropped, err, logger)
	p.dropped.Add(1)
	if p.metrics != nil {
		p.metrics.RecordItemDropped(ctx, q.Name())
	}
	logger.Error("Item dropped",
		"item_id", id,
		"package_id", head.Item.PackageID,
		"attempts", st.Attempts,
		"retryable", apperrors.Retryable(err),
		"error", err,
	)
	p.done(Outcome{Queue: q.Name(), Item: head.Item, Status: st, Err: err})
	return 0
}

// finish moves id from prev to the terminal state to and removes it. When
// the store rejects the transition the returned status still reports to,
// so callers always observe the terminal outcome.
func (p *Processor) finish(ctx context.Context, q Queue, id string, prev ItemStatus, to ItemState, cause error, logger *slog.Logger) ItemStatus {
	st, err := q.Transition(ctx, id, to, cause)
	if err != nil {
		logger.Warn("Failed to record terminal state", "item_id", id, "state", to, "error", err)
		st = prev
		st.State = to
		st.UpdatedAt = time.Now().UTC()
		if cause != nil {
			st.LastError = cause.Error()
		}
	}
	p.remove(ctx, q, id, logger)
	return st
}

func (p *Processor) remove(ctx context.Context, q Queue, id string, logger *slog.Logger) bool {
	if _, err := q.Remove(ctx, id); err != nil {
		logger.Warn("Failed to remove item", "item_id", id, "error", err)
		return false
	}
	return true
}

// safeProcess turns a panic in the process function into a failed attempt.
func (p *Processor) safeProcess(ctx context.Context, queue string, entry *Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing item %s: %v", entry.Item.ID, r)
		}
	}()
	return p.process(ctx, queue, entry)
}

func (p *Processor) done(o Outcome) {
	if p.config.OnDone != nil {
		p.config.OnDone(o)
	}
}
