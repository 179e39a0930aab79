// Package exporter turns distribution requests into packages.
package exporter

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/internal/packaging"
	"distribution/internal/repository"
	"distribution/internal/transport"
	"fmt"
	"log/slog"
)

// Processor receives every exported package. An error stops the export.
type Processor interface {
	Process(ctx context.Context, pkg distribution.Package) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, pkg distribution.Package) error

func (f ProcessorFunc) Process(ctx context.Context, pkg distribution.Package) error {
	return f(ctx, pkg)
}

// Exporter produces packages for a request and finds packages it produced
// earlier.
type Exporter interface {
	ExportPackages(ctx context.Context, req *distribution.Request, proc Processor) error
	// GetPackage returns a stored package, or nil when none has that id.
	GetPackage(ctx context.Context, id string) (distribution.Package, error)
}

// PackageStore looks up packages by id.
type PackageStore interface {
	GetPackage(ctx context.Context, id string) (distribution.Package, error)
}

// Local exports content of a local repository, one package per request.
type Local struct {
	builder packaging.Builder
	repo    repository.Repository
}

var _ Exporter = (*Local)(nil)

// NewLocal creates an exporter reading from repo.
func NewLocal(builder packaging.Builder, repo repository.Repository) *Local {
	return &Local{builder: builder, repo: repo}
}

func (e *Local) ExportPackages(ctx context.Context, req *distribution.Request, proc Processor) error {
	pkg, err := e.builder.CreatePackage(ctx, e.repo, req)
	if err != nil {
		return err
	}
	return proc.Process(ctx, pkg)
}

func (e *Local) GetPackage(ctx context.Context, id string) (distribution.Package, error) {
	return e.builder.GetPackage(ctx, id)
}

// Remote pulls packages from remote endpoints. It only serves PULL
// requests.
type Remote struct {
	transport transport.Transport
	packages  PackageStore
	pullItems int
	logger    *slog.Logger
}

var _ Exporter = (*Remote)(nil)

// NewRemote creates a pulling exporter. Retrieved packages are stored by the
// transport's package reader and looked up again through packages.
func NewRemote(t transport.Transport, packages PackageStore, pullItems int) *Remote {
	if pullItems <= 0 {
		pullItems = 1
	}
	return &Remote{
		transport: t,
		packages:  packages,
		pullItems: pullItems,
		logger:    slog.With("component", "remote-exporter"),
	}
}

// ExportPackages retrieves up to pullItems batches, stopping at the first
// empty one.
func (e *Remote) ExportPackages(ctx context.Context, req *distribution.Request, proc Processor) error {
	if req.Type != distribution.RequestPull {
		return apperrors.Validation("action", fmt.Sprintf("remote exporter only serves %s requests, got %s", distribution.RequestPull, req.Type))
	}
	for i := 0; i < e.pullItems; i++ {
		pkgs, err := e.transport.RetrievePackages(ctx, req)
		if err != nil {
			return apperrors.Export("pull packages", err)
		}
		if len(pkgs) == 0 {
			return nil
		}
		e.logger.DebugContext(ctx, "Packages pulled", "count", len(pkgs))
		for _, pkg := range pkgs {
			if err := proc.Process(ctx, pkg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Remote) GetPackage(ctx context.Context, id string) (distribution.Package, error) {
	return e.packages.GetPackage(ctx, id)
}
