package trigger

import (
	"bufio"
	"context"
	"distribution/internal/distribution"
	"distribution/internal/transport"
	"distribution/pkg/backoff"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RemoteOptions configures a RemoteEvent trigger.
type RemoteOptions struct {
	Client    *http.Client   // default: client without timeout
	Reconnect rate.Limit     // connection attempts per second (default: 1)
	Backoff   backoff.Policy // delay after failed connections (default: exponential 1s..1m)
}

func (o RemoteOptions) withDefaults() RemoteOptions {
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.Reconnect <= 0 {
		o.Reconnect = 1
	}
	if o.Backoff == nil {
		o.Backoff = backoff.ExponentialPolicy{Config: backoff.Config{Initial: time.Second, Max: time.Minute}}
	}
	return o
}

// RemoteEvent subscribes to the event stream of a trigger exposed by
// another distribution service and hands each received request to the
// registered handlers. The connection is held while at least one handler is
// registered and re-established when it drops.
type RemoteEvent struct {
	registry
	endpoint distribution.Endpoint
	secrets  transport.SecretProvider
	opts     RemoteOptions
	limiter  *rate.Limiter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Trigger = (*RemoteEvent)(nil)

// NewRemoteEvent creates a trigger reading events from endpoint. secrets may
// be nil for anonymous endpoints.
func NewRemoteEvent(endpoint distribution.Endpoint, secrets transport.SecretProvider, opts RemoteOptions) *RemoteEvent {
	opts = opts.withDefaults()
	return &RemoteEvent{
		registry: registry{logger: slog.With("component", "remote-trigger", "endpoint", endpoint.String())},
		endpoint: endpoint,
		secrets:  secrets,
		opts:     opts,
		limiter:  rate.NewLimiter(opts.Reconnect, 1),
	}
}

func (r *RemoteEvent) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	first, err := r.add(h)
	if err != nil || !first {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
	return nil
}

func (r *RemoteEvent) Unregister(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, err := r.remove(h)
	if err != nil {
		return err
	}
	if last {
		r.halt()
	}
	return nil
}

// Close drops the connection regardless of registered handlers.
func (r *RemoteEvent) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halt()
	return nil
}

func (r *RemoteEvent) halt() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
}

func (r *RemoteEvent) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	failures := 0
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		received, err := r.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if received > 0 {
			failures = 0
		}
		if err == nil {
			r.logger.Info("Event stream ended, reconnecting", "received", received)
			continue
		}

		failures++
		delay := r.opts.Backoff.Delay(failures)
		r.logger.Warn("Event stream failed", "error", err, "attempt", failures, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// stream reads one connection until it ends and returns how many requests
// were received.
func (r *RemoteEvent) stream(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if r.secrets != nil {
		secret, err := r.secrets.Secret(ctx, r.endpoint)
		if err != nil {
			return 0, fmt.Errorf("resolve secret: %w", err)
		}
		secret.Apply(req)
	}

	resp, err := r.opts.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	r.logger.Info("Connected to event stream")

	received := 0
	var data []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if r.deliver(ctx, strings.Join(data, "\n")) {
					received++
				}
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return received, err
	}
	return received, nil
}

func (r *RemoteEvent) deliver(ctx context.Context, data string) bool {
	req, err := ParseEvent(data)
	if err != nil {
		r.logger.Warn("Ignoring malformed event", "data", data, "error", err)
		return false
	}
	r.logger.Debug("Event received", "request", req.String())
	r.dispatch(ctx, req)
	return true
}
