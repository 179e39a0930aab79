package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecorders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	m.RecordHTTPRequest(ctx, "POST", "/distribution/agents/publish", 200, 0.01)
	m.RecordHTTPRequest(ctx, "GET", "/distribution/agents/publish/queues/default", 404, 0.001)
	m.RecordAgentRequest(ctx, "publish", "DISTRIBUTED", 0.2)
	m.RecordPackageExported(ctx, "publish", 4096)
	m.RecordPackageExported(ctx, "publish", -1)
	m.RecordItemDelivered(ctx, "publish/default", 0.05)
	m.RecordItemFailed(ctx, "publish/default")
	m.RecordItemRetried(ctx, "publish/default")
	m.RecordItemDropped(ctx, "publish/default")
	m.RecordQueueDepth(ctx, "publish/default", 3)
	m.RecordTransportCall(ctx, "publish-1:4503", "deliver", "ok", 0.02)
	m.RecordBreakerTransition(ctx, "publish-1:4503", "closed", "open")
	m.RecordWebhookDelivered(ctx, 0.1)
	m.RecordWebhookFailed(ctx)
	m.RecordWebhookDropped(ctx)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/distribution/agents", "/distribution/agents"},
		{"/distribution/agents/publish", "/distribution/agents/{agent}"},
		{"/distribution/agents/publish/queues/default", "/distribution/agents/{agent}/queues/{queue}"},
		{"/distribution/exporters/reverse", "/distribution/exporters/{exporter}"},
		{"/distribution/importers/default", "/distribution/importers/{importer}"},
		{"/distribution/triggers/content", "/distribution/triggers/{trigger}"},
		{"/other/agents/x", "/other/agents/x"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
