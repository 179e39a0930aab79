package health

import (
	"context"
	"errors"
	"testing"
)

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker()

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	ok := CheckFunc(func(context.Context) error { return nil })
	down := CheckFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name     string
		setup    func(c *Checker)
		status   Status
		ready    bool
		failing  string
		failWith Status
	}{
		{"no checks", func(c *Checker) {}, StatusHealthy, true, "", ""},
		{"all healthy", func(c *Checker) {
			c.Require("queues/publish", ok)
			c.Advise("agent/publish", ok)
		}, StatusHealthy, true, "", ""},
		{"required fails", func(c *Checker) {
			c.Require("queues/publish", down)
			c.Advise("agent/publish", ok)
		}, StatusUnhealthy, false, "queues/publish", StatusUnhealthy},
		{"advisory fails", func(c *Checker) {
			c.Require("queues/publish", ok)
			c.Advise("agent/publish", down)
		}, StatusDegraded, true, "agent/publish", StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := NewChecker()
			tt.setup(c)
			resp := c.Readiness(context.Background())
			if resp.Status != tt.status {
				t.Errorf("status = %s, want %s", resp.Status, tt.status)
			}
			if resp.IsReady() != tt.ready {
				t.Errorf("IsReady() = %v, want %v", resp.IsReady(), tt.ready)
			}
			if tt.failing != "" {
				res := resp.Checks[tt.failing]
				if res.Status != tt.failWith || res.Message != "connection refused" {
					t.Errorf("check %s = %+v", tt.failing, res)
				}
			}
		})
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	c := NewChecker()
	c.Require("queues", CheckFunc(func(context.Context) error { return nil }))
	if !c.Readiness(context.Background()).IsHealthy() {
		t.Fatal("expected healthy before shutdown")
	}

	c.SetShuttingDown()
	resp := c.Readiness(context.Background())
	if resp.IsReady() {
		t.Error("ready while shutting down")
	}
	if _, ok := resp.Checks["shutdown"]; !ok {
		t.Error("missing shutdown check")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
