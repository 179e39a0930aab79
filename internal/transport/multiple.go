package transport

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"
)

// MultipleEndpoint puts several transports behind one. With All it fans
// out concurrently, each endpoint isolated from the others' failures; with
// One it tries endpoints in order and stops at the first success.
type MultipleEndpoint struct {
	strategy   EndpointStrategy
	transports []Transport
	logger     *slog.Logger
}

var _ Transport = (*MultipleEndpoint)(nil)

// NewMultipleEndpoint composes transports under strategy. An empty list
// is valid: delivery succeeds and retrieval returns nothing.
func NewMultipleEndpoint(strategy EndpointStrategy, transports ...Transport) *MultipleEndpoint {
	return &MultipleEndpoint{
		strategy:   strategy,
		transports: slices.Clone(transports),
		logger:     slog.With("component", "multiple-endpoint-transport", "strategy", string(strategy)),
	}
}

// Strategy returns the endpoint strategy.
func (m *MultipleEndpoint) Strategy() EndpointStrategy { return m.strategy }

// DeliverPackage implements Transport.
func (m *MultipleEndpoint) DeliverPackage(ctx context.Context, pkg distribution.Package) error {
	if len(m.transports) == 0 {
		return nil
	}
	if m.strategy == One {
		var errs []error
		for i, t := range m.transports {
			err := t.DeliverPackage(ctx, pkg)
			if err == nil {
				return nil
			}
			m.logger.Warn("Endpoint delivery failed, trying next", "endpoint", i, "package_id", pkg.ID(), "error", err)
			errs = append(errs, err)
		}
		return joinTransportErrors("deliver to any endpoint", errs)
	}

	errs := make([]error, len(m.transports))
	var g errgroup.Group
	for i, t := range m.transports {
		g.Go(func() error {
			errs[i] = t.DeliverPackage(ctx, pkg)
			return nil
		})
	}
	g.Wait()
	return joinTransportErrors("deliver to every endpoint", errs)
}

// RetrievePackages implements Transport. All concatenates results in
// endpoint order and fails only when every endpoint failed. One returns
// the first non-empty result.
func (m *MultipleEndpoint) RetrievePackages(ctx context.Context, req *distribution.Request) ([]distribution.Package, error) {
	if len(m.transports) == 0 {
		return []distribution.Package{}, nil
	}
	if m.strategy == One {
		var errs []error
		for i, t := range m.transports {
			pkgs, err := t.RetrievePackages(ctx, req)
			if err != nil {
				m.logger.Warn("Endpoint retrieval failed, trying next", "endpoint", i, "error", err)
				errs = append(errs, err)
				continue
			}
			if len(pkgs) > 0 {
				return pkgs, nil
			}
		}
		if len(errs) == len(m.transports) {
			return nil, joinTransportErrors("retrieve from any endpoint", errs)
		}
		return []distribution.Package{}, nil
	}

	results := make([][]distribution.Package, len(m.transports))
	errs := make([]error, len(m.transports))
	var g errgroup.Group
	for i, t := range m.transports {
		g.Go(func() error {
			results[i], errs[i] = t.RetrievePackages(ctx, req)
			return nil
		})
	}
	g.Wait()

	failed := 0
	out := []distribution.Package{}
	for i := range m.transports {
		if errs[i] != nil {
			failed++
			m.logger.Warn("Endpoint retrieval failed", "endpoint", i, "error", errs[i])
			continue
		}
		out = append(out, results[i]...)
	}
	if failed == len(m.transports) {
		return nil, joinTransportErrors("retrieve from every endpoint", errs)
	}
	return out, nil
}

// joinTransportErrors combines endpoint failures. The result is retryable
// when any endpoint failure is.
func joinTransportErrors(op string, errs []error) error {
	joined := errors.Join(errs...)
	if joined == nil {
		return nil
	}
	retryable := false
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			retryable = retryable || apperrors.Retryable(err)
		}
	}
	return apperrors.Transport(fmt.Sprintf("%s (%d of %d failed)", op, failed, len(errs)), joined, retryable)
}
