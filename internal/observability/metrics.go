package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics covers the HTTP surface, agent requests, queue processing,
// transport calls and webhook delivery.
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	AgentRequestDuration metric.Float64Histogram
	AgentRequestsTotal   metric.Int64Counter
	PackagesExported     metric.Int64Counter
	PackageBytes         metric.Int64Histogram

	ItemDuration   metric.Float64Histogram
	ItemsDone      metric.Int64Counter
	ItemsRetried   metric.Int64Counter
	QueueDepth     metric.Int64Gauge
	TransportTime  metric.Float64Histogram
	BreakerChanges metric.Int64Counter

	WebhookDuration  metric.Float64Histogram
	WebhookDelivered metric.Int64Counter
	WebhookFailed    metric.Int64Counter
	WebhookDropped   metric.Int64Counter
}

type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	if b.err != nil {
		return nil
	}
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.err = err
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	if b.err != nil {
		return nil
	}
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.err = err
	return c
}

var (
	httpBuckets    = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	deliverBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("distribution")
	m := &Metrics{meter: meter}
	b := &builder{meter: meter}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds", httpBuckets...)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.AgentRequestDuration = b.histogram("agent_request_duration_seconds", "Time from request to response", deliverBuckets...)
	m.AgentRequestsTotal = b.counter("agent_requests_total", "Distribution requests by response state")
	m.PackagesExported = b.counter("packages_exported_total", "Packages produced by exporters")
	if b.err == nil {
		m.PackageBytes, b.err = meter.Int64Histogram("package_size_bytes",
			metric.WithDescription("Serialized package size"),
			metric.WithUnit("By"),
			metric.WithExplicitBucketBoundaries(1<<10, 1<<14, 1<<17, 1<<20, 1<<23, 1<<26),
		)
	}

	m.ItemDuration = b.histogram("queue_item_duration_seconds", "Time to import one queue item", deliverBuckets...)
	m.ItemsDone = b.counter("queue_items_total", "Queue items by terminal status")
	m.ItemsRetried = b.counter("queue_items_retried_total", "Failed attempts that were retried")
	if b.err == nil {
		m.QueueDepth, b.err = meter.Int64Gauge("queue_depth",
			metric.WithDescription("Items waiting in a queue (saturation)"),
		)
	}
	m.TransportTime = b.histogram("transport_call_duration_seconds", "Remote deliver and retrieve latency", deliverBuckets...)
	m.BreakerChanges = b.counter("circuit_breaker_transitions_total", "Circuit breaker state changes per endpoint")

	m.WebhookDuration = b.histogram("webhook_duration_seconds", "Webhook delivery latency in seconds", deliverBuckets...)
	m.WebhookDelivered = b.counter("webhook_delivered_total", "Events delivered to webhooks")
	m.WebhookFailed = b.counter("webhook_failed_total", "Events failed after retries")
	m.WebhookDropped = b.counter("webhook_dropped_total", "Events dropped (buffer full or open circuit)")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordAgentRequest records one Execute or Send call and its response state.
func (m *Metrics) RecordAgentRequest(ctx context.Context, agent, state string, durationSeconds float64) {
	attrs := metric.WithAttributes(agentAttr(agent), stateAttr(state))
	m.AgentRequestDuration.Record(ctx, durationSeconds, attrs)
	m.AgentRequestsTotal.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordPackageExported(ctx context.Context, agent string, sizeBytes int64) {
	attrs := metric.WithAttributes(agentAttr(agent))
	m.PackagesExported.Add(ctx, 1, attrs)
	if sizeBytes >= 0 {
		m.PackageBytes.Record(ctx, sizeBytes, attrs)
	}
}

func (m *Metrics) RecordItemDelivered(ctx context.Context, queue string, durationSeconds float64) {
	m.ItemDuration.Record(ctx, durationSeconds, metric.WithAttributes(queueAttr(queue)))
	m.ItemsDone.Add(ctx, 1, metric.WithAttributes(queueAttr(queue), statusNameAttr("delivered")))
}

func (m *Metrics) RecordItemFailed(ctx context.Context, queue string) {
	m.ItemsDone.Add(ctx, 1, metric.WithAttributes(queueAttr(queue), statusNameAttr("failed")))
}

func (m *Metrics) RecordItemDropped(ctx context.Context, queue string) {
	m.ItemsDone.Add(ctx, 1, metric.WithAttributes(queueAttr(queue), statusNameAttr("dropped")))
}

func (m *Metrics) RecordItemRetried(ctx context.Context, queue string) {
	m.ItemsRetried.Add(ctx, 1, metric.WithAttributes(queueAttr(queue)))
}

func (m *Metrics) RecordQueueDepth(ctx context.Context, queue string, depth int64) {
	m.QueueDepth.Record(ctx, depth, metric.WithAttributes(queueAttr(queue)))
}

// RecordTransportCall records a deliver or retrieve against one endpoint.
func (m *Metrics) RecordTransportCall(ctx context.Context, endpoint, op, outcome string, durationSeconds float64) {
	m.TransportTime.Record(ctx, durationSeconds, metric.WithAttributes(
		endpointAttr(endpoint), opAttr(op), outcomeAttr(outcome),
	))
}

func (m *Metrics) RecordBreakerTransition(ctx context.Context, endpoint, from, to string) {
	m.BreakerChanges.Add(ctx, 1, metric.WithAttributes(
		endpointAttr(endpoint), fromStateAttr(from), stateAttr(to),
	))
}

func (m *Metrics) RecordWebhookDelivered(ctx context.Context, durationSeconds float64) {
	m.WebhookDelivered.Add(ctx, 1)
	m.WebhookDuration.Record(ctx, durationSeconds)
}

func (m *Metrics) RecordWebhookFailed(ctx context.Context) {
	m.WebhookFailed.Add(ctx, 1)
}

func (m *Metrics) RecordWebhookDropped(ctx context.Context) {
	m.WebhookDropped.Add(ctx, 1)
}
