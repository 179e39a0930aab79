// Package transport moves packages between a local agent and remote
// distribution endpoints.
package transport

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"fmt"
	"io"
	"strings"
)

// Transport delivers packages to and retrieves packages from remote
// endpoints. Implementations never touch the local repository.
type Transport interface {
	DeliverPackage(ctx context.Context, pkg distribution.Package) error
	RetrievePackages(ctx context.Context, req *distribution.Request) ([]distribution.Package, error)
}

// EndpointStrategy selects how a MultipleEndpoint transport uses its
// endpoints.
type EndpointStrategy string

const (
	// All delivers to and retrieves from every endpoint.
	All EndpointStrategy = "All"
	// One fails over across endpoints in order and stops at the first
	// success.
	One EndpointStrategy = "One"
)

// ParseEndpointStrategy parses "all" or "one", ignoring case.
func ParseEndpointStrategy(s string) (EndpointStrategy, error) {
	switch {
	case strings.EqualFold(s, string(All)):
		return All, nil
	case strings.EqualFold(s, string(One)):
		return One, nil
	}
	return "", apperrors.Validation("strategy", fmt.Sprintf("unknown endpoint strategy %q", s))
}

// PackageReader rebuilds a package from its serialized form.
type PackageReader interface {
	ReadPackage(ctx context.Context, r io.Reader) (distribution.Package, error)
}

// MetricsRecorder is an optional interface for recording transport calls.
type MetricsRecorder interface {
	RecordTransportCall(ctx context.Context, endpoint, op, outcome string, durationSeconds float64)
}
