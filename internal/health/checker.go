// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ReadinessChecker verifies one dependency is ready to accept work.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function such as a queue provider's Ping.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Ready(ctx context.Context) error { return f(ctx) }

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type check struct {
	name     string
	checker  ReadinessChecker
	advisory bool
}

// Checker performs health checks on dependencies. Required checks make the
// service unhealthy when they fail; advisory checks only degrade it.
type Checker struct {
	timeout time.Duration

	mu           sync.RWMutex
	checks       []check
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker with no checks.
func NewChecker() *Checker {
	return &Checker{timeout: 5 * time.Second}
}

// Require adds a check the service cannot be ready without.
func (c *Checker) Require(name string, rc ReadinessChecker) {
	c.add(check{name: name, checker: rc})
}

// Advise adds a check whose failure degrades but does not fail readiness.
func (c *Checker) Advise(name string, rc ReadinessChecker) {
	c.add(check{name: name, checker: rc, advisory: true})
}

func (c *Checker) add(ch check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, ch)
	sort.Slice(c.checks, func(i, j int) bool { return c.checks[i].name < c.checks[j].name })
	c.cachedReady = nil
}

// Liveness returns healthy while the process can serve requests at all.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness runs every check. Results are cached for a second.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	checks := append([]check(nil), c.checks...)
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	overall := StatusHealthy
	for _, ch := range checks {
		res := c.run(ctx, ch)
		results[ch.name] = res
		switch {
		case res.Status == StatusHealthy:
		case ch.advisory:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		default:
			overall = StatusUnhealthy
		}
	}

	response := &Response{
		Status: overall,
		Checks: results,
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, ch check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := ch.checker.Ready(ctx); err != nil {
		status := StatusUnhealthy
		if ch.advisory {
			status = StatusDegraded
		}
		return CheckResult{Status: status, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady reports whether traffic should be routed to the service.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
