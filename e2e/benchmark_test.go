//go:build e2e

package e2e

import (
	"context"
	"distribution/internal/distribution"
	"distribution/internal/event"
	"distribution/internal/testutil"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// BenchmarkForwardDistribution measures synchronous ADD requests replicated
// from an author instance to a publish instance.
// Run with: go test -tags=e2e -run=^$ -bench=BenchmarkForwardDistribution -benchtime=10s ./e2e/
func BenchmarkForwardDistribution(b *testing.B) {
	author, publish, _ := createPair(b)
	const pages = 64
	for i := range pages {
		author.write(b, fmt.Sprintf("/content/bench/p%d", i), fmt.Sprintf("page %d", i))
	}

	var next atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			p := fmt.Sprintf("/content/bench/p%d", next.Add(1)%pages)
			status, resp := execute(b, author.URL, "admin", "admin", "publish",
				url.Values{"action": {"ADD"}, "path": {p}})
			if status != http.StatusOK || resp.State != distribution.StateDistributed {
				b.Errorf("ADD %s: status %d, response %+v", p, status, resp)
			}
		}
	})
	b.StopTimer()

	if _, ok := publish.read("/content/bench/p1"); !ok {
		b.Error("expected benchmark pages on the publish instance")
	}
}

// TestWebhookThroughput measures how many events one webhook delivers.
func TestWebhookThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping throughput test in short mode")
	}

	const (
		numEvents   = 5000
		concurrency = 50
	)

	var received atomic.Int64
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	hook := event.NewWebhook(event.WebhookConfig{
		URL:        receiver.URL,
		Secret:     "bench",
		BufferSize: numEvents,
		Workers:    concurrency,
		Timeout:    5 * time.Second,
	}, nil, nil)
	defer hook.Close(context.Background())

	var wg sync.WaitGroup
	start := time.Now()
	for i := range concurrency {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := worker; j < numEvents; j += concurrency {
				hook.Publish(event.Event{
					Topic:     event.TopicPackageDistributed,
					Kind:      "agent",
					Component: "bench",
					PackageID: fmt.Sprintf("pkg-%d", j),
					Action:    distribution.RequestAdd,
					Paths:     []string{fmt.Sprintf("/content/p%d", j)},
					Time:      time.Now().UTC(),
				})
			}
		}(i)
	}
	wg.Wait()
	publishDuration := time.Since(start)

	testutil.MustWaitForCount(t, &received, numEvents, testutil.WithTimeout(30*time.Second))
	total := time.Since(start)

	stats := hook.Stats()
	t.Logf("Published %d events in %v, delivered in %v (%.0f events/s)",
		numEvents, publishDuration, total, float64(numEvents)/total.Seconds())
	t.Logf("Stats: delivered=%d failed=%d dropped=%d retries=%d",
		stats.Delivered, stats.Failed, stats.Dropped, stats.Retries)
	if stats.Dropped != 0 || stats.Failed != 0 {
		t.Errorf("expected no drops or failures, got %+v", stats)
	}
}

// TestConcurrentDistribution issues distinct ADD requests in parallel and
// checks every page reaches the publish instance.
func TestConcurrentDistribution(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}
	author, publish, _ := createPair(t)

	const n = 40
	for i := range n {
		author.write(t, fmt.Sprintf("/content/load/p%d", i), fmt.Sprintf("v%d", i))
	}

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, resp := execute(t, author.URL, "admin", "admin", "publish",
				url.Values{"action": {"ADD"}, "path": {fmt.Sprintf("/content/load/p%d", i)}})
			if status != http.StatusOK || resp.State != distribution.StateDistributed {
				failures.Add(1)
				t.Logf("p%d: status %d, response %+v", i, status, resp)
			}
		}()
	}
	wg.Wait()

	if failures.Load() > 0 {
		t.Fatalf("%d of %d requests were not distributed", failures.Load(), n)
	}
	for i := range n {
		p := fmt.Sprintf("/content/load/p%d", i)
		if got, ok := publish.read(p); !ok || got != fmt.Sprintf("v%d", i) {
			t.Errorf("%s = %q, %v", p, got, ok)
		}
	}
}
