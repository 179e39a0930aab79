package agent

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/auth"
	"distribution/internal/distribution"
	"fmt"
)

// Authorization decides whether the caller in ctx may issue req. Rejections
// are forbidden errors.
type Authorization interface {
	Authorize(ctx context.Context, req *distribution.Request) error
}

// AllowAll accepts every request.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, *distribution.Request) error { return nil }

// PrincipalRoots requires an authenticated principal and, for ADD and
// DELETE, that every path lies under one of the principal's roots.
type PrincipalRoots struct{}

func (PrincipalRoots) Authorize(ctx context.Context, req *distribution.Request) error {
	p, ok := auth.FromContext(ctx)
	if !ok {
		return apperrors.Forbidden("request has no authenticated principal")
	}
	if !req.Type.HasPaths() {
		return nil
	}
	for _, path := range req.Paths {
		if !p.CanAccess(path) {
			return apperrors.Forbidden(fmt.Sprintf("%s may not distribute %s", p.Name, path))
		}
	}
	return nil
}
