// Package backoff provides retry delay policies.
package backoff

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Defaults used when a Config leaves a field zero.
const (
	DefaultInitial = 100 * time.Millisecond
	DefaultMax     = 5 * time.Second
)

// Policy returns the delay to wait before the given retry attempt.
// Attempt 1 is the first retry.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

func (c *Config) bounds() (time.Duration, time.Duration) {
	initial, maxBackoff := DefaultInitial, DefaultMax
	if c != nil {
		if c.Initial > 0 {
			initial = c.Initial
		}
		if c.Max > 0 {
			maxBackoff = c.Max
		}
	}
	if maxBackoff < initial {
		maxBackoff = initial
	}
	return initial, maxBackoff
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxBackoff := cfg.bounds()
	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// ExponentialPolicy doubles the delay on every attempt up to Max.
type ExponentialPolicy struct {
	Config Config
}

// Delay implements Policy.
func (p ExponentialPolicy) Delay(attempt int) time.Duration {
	return Exponential(attempt, &p.Config)
}

// ConstantPolicy waits the same interval before every attempt.
type ConstantPolicy struct {
	Interval time.Duration
}

// Delay implements Policy.
func (p ConstantPolicy) Delay(int) time.Duration {
	if p.Interval <= 0 {
		return DefaultInitial
	}
	return p.Interval
}

// Strategy names accepted by New.
const (
	StrategyExponential = "exponential"
	StrategyConstant    = "constant"
)

// New builds a Policy by strategy name. An empty name selects exponential.
// For the constant strategy, initial is used as the interval.
func New(strategy string, initial, maxBackoff time.Duration) (Policy, error) {
	switch strings.ToLower(strategy) {
	case "", StrategyExponential:
		return ExponentialPolicy{Config: Config{Initial: initial, Max: maxBackoff}}, nil
	case StrategyConstant:
		return ConstantPolicy{Interval: initial}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", strategy)
	}
}
