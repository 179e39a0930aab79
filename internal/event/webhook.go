package event

import (
	"context"
	"distribution/pkg/backoff"
	"distribution/pkg/circuitbreaker"
	"distribution/pkg/cloudevent"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBufferFull is returned when a webhook's buffer is full and the event
// is dropped.
var ErrBufferFull = errors.New("webhook buffer full, event dropped")

const (
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// WebhookConfig configures one webhook receiver.
type WebhookConfig struct {
	URL        string
	Secret     string        // HMAC key, empty = unsigned
	Topics     []Topic       // empty: every topic
	BufferSize int           // pending events (default: 100)
	Workers    int           // concurrent senders (default: 2)
	Timeout    time.Duration // per-request timeout (default: 10s)
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// WebhookMetrics is an optional interface for recording webhook metrics.
type WebhookMetrics interface {
	RecordWebhookDelivered(ctx context.Context, durationSeconds float64)
	RecordWebhookFailed(ctx context.Context)
	RecordWebhookDropped(ctx context.Context)
}

// WebhookStats holds webhook counters.
type WebhookStats struct {
	Pending   int
	Queued    int64
	Delivered int64
	Failed    int64 // failed after retries or rejected by an open circuit
	Dropped   int64 // buffer full or closed
	Retries   int64
}

// Webhook forwards events to an HTTP receiver as CloudEvents. Events are
// buffered in a bounded channel and sent by a worker pool; when the buffer
// is full the event is dropped.
type Webhook struct {
	config   WebhookConfig
	queue    chan *cloudevent.CloudEvent
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	metrics  WebhookMetrics
	logger   *slog.Logger

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	retries   atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

var _ Publisher = (*Webhook)(nil)

// NewWebhook starts the workers of a webhook. breakers may be shared across
// webhooks; nil creates a private registry.
func NewWebhook(cfg WebhookConfig, breakers *circuitbreaker.Registry, metrics WebhookMetrics) *Webhook {
	cfg = cfg.withDefaults()
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		})
	}
	w := &Webhook{
		config:   cfg,
		queue:    make(chan *cloudevent.CloudEvent, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.Timeout),
		breakers: breakers,
		metrics:  metrics,
		logger:   slog.With("component", "webhook", "destination", hostOf(cfg.URL)),
		shutdown: make(chan struct{}),
	}

	w.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go w.worker()
	}
	w.logger.Info("Webhook started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "topics", cfg.Topics)
	return w
}

// Publish implements Publisher. Events on topics the webhook is not
// subscribed to are ignored.
func (w *Webhook) Publish(ev Event) {
	if len(w.config.Topics) > 0 && !slices.Contains(w.config.Topics, ev.Topic) {
		return
	}
	_ = w.Enqueue(ToCloudEvent(ev))
}

// Enqueue buffers ce for delivery. It never blocks.
func (w *Webhook) Enqueue(ce *cloudevent.CloudEvent) error {
	if w.closed.Load() {
		w.drop(ce, "closed")
		return errors.New("webhook is closed")
	}
	select {
	case w.queue <- ce:
		w.queued.Add(1)
		return nil
	default:
		w.drop(ce, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current counters.
func (w *Webhook) Stats() WebhookStats {
	return WebhookStats{
		Pending:   len(w.queue),
		Queued:    w.queued.Load(),
		Delivered: w.delivered.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
		Retries:   w.retries.Load(),
	}
}

// Close stops accepting events and waits for buffered ones to be sent,
// bounded by ctx.
func (w *Webhook) Close(ctx context.Context) error {
	if w.closed.Swap(true) {
		return nil
	}
	w.logger.Info("Webhook shutting down", "pending", len(w.queue))
	close(w.shutdown)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("Webhook shutdown complete", "delivered", w.delivered.Load(), "failed", w.failed.Load(), "dropped", w.dropped.Load())
		return nil
	case <-ctx.Done():
		w.logger.Warn("Webhook shutdown timed out", "remaining", len(w.queue))
		return ctx.Err()
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.shutdown:
			w.drainQueue()
			return
		case ce := <-w.queue:
			w.deliver(ce)
		}
	}
}

func (w *Webhook) drainQueue() {
	for {
		select {
		case ce := <-w.queue:
			w.deliver(ce)
		default:
			return
		}
	}
}

func (w *Webhook) deliver(ce *cloudevent.CloudEvent) {
	breaker := w.breakers.Get(hostOf(w.config.URL))
	if !breaker.Allow() {
		w.fail(ce, circuitbreaker.ErrOpen)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := w.sendWithRetry(ctx, ce); err != nil {
		if cloudevent.Retryable(err) {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
		w.fail(ce, err)
		return
	}
	breaker.RecordSuccess()
	w.delivered.Add(1)
	if w.metrics != nil {
		w.metrics.RecordWebhookDelivered(ctx, time.Since(start).Seconds())
	}
}

func (w *Webhook) sendWithRetry(ctx context.Context, ce *cloudevent.CloudEvent) error {
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			w.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}
		lastErr = w.sender.Send(ctx, w.config.URL, ce, w.config.Secret)
		if lastErr == nil || !cloudevent.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (w *Webhook) fail(ce *cloudevent.CloudEvent, err error) {
	w.failed.Add(1)
	if w.metrics != nil {
		w.metrics.RecordWebhookFailed(context.Background())
	}
	w.logger.Warn("Webhook delivery failed", "type", ce.Type, "subject", ce.Subject, "error", err)
}

func (w *Webhook) drop(ce *cloudevent.CloudEvent, reason string) {
	w.dropped.Add(1)
	if w.metrics != nil {
		w.metrics.RecordWebhookDropped(context.Background())
	}
	w.logger.Warn("Event dropped", "reason", reason, "type", ce.Type, "subject", ce.Subject)
}

// ToCloudEvent converts ev to its CloudEvents envelope. The source is
// "<kind>/<component>" and the subject the package id.
func ToCloudEvent(ev Event) *cloudevent.CloudEvent {
	data := map[string]any{
		"packageId": ev.PackageID,
		"action":    string(ev.Action),
		"paths":     ev.Paths,
	}
	if ev.Queue != "" {
		data["queue"] = ev.Queue
	}
	if ev.Message != "" {
		data["message"] = ev.Message
	}
	ce := cloudevent.New(TypeOf(ev.Topic), ev.Kind+"/"+ev.Component, ev.PackageID, data)
	if !ev.Time.IsZero() {
		ce.Time = ev.Time
	}
	return ce
}

// TypeOf maps a topic to its CloudEvents type.
func TypeOf(t Topic) string {
	switch t {
	case TopicPackageCreated:
		return cloudevent.TypePackageCreated
	case TopicPackageQueued:
		return cloudevent.TypePackageQueued
	case TopicPackageDistributed:
		return cloudevent.TypePackageDistributed
	case TopicPackageDropped:
		return cloudevent.TypePackageDropped
	case TopicPackageImported:
		return cloudevent.TypePackageImported
	}
	return "org.distribution." + strings.ReplaceAll(string(t), "/", ".")
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
