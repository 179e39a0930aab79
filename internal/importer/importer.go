// Package importer applies packages to the local repository or forwards
// them to remote endpoints.
package importer

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/internal/event"
	"distribution/internal/packaging"
	"distribution/internal/repository"
	"distribution/internal/transport"
	"errors"
	"io"
	"log/slog"
	"maps"
)

// Importer consumes packages.
type Importer interface {
	ImportPackage(ctx context.Context, pkg distribution.Package) error
	// ImportStream reads a serialized package and imports it.
	ImportStream(ctx context.Context, r io.Reader) (distribution.PackageInfo, error)
}

// Local installs packages into a repository.
type Local struct {
	name    string
	builder packaging.Builder
	repo    repository.Repository
	events  event.Publisher
	logger  *slog.Logger
}

var _ Importer = (*Local)(nil)

// NewLocal creates an importer named name. events may be nil.
func NewLocal(name string, builder packaging.Builder, repo repository.Repository, events event.Publisher) *Local {
	if events == nil {
		events = event.Discard{}
	}
	return &Local{
		name:    name,
		builder: builder,
		repo:    repo,
		events:  events,
		logger:  slog.With("component", "local-importer", "importer", name),
	}
}

func (i *Local) ImportPackage(ctx context.Context, pkg distribution.Package) error {
	_, err := i.install(ctx, pkg)
	return err
}

// ImportStream stores the stream as a package, installs it and deletes it
// again. Malformed streams are import errors.
func (i *Local) ImportStream(ctx context.Context, r io.Reader) (distribution.PackageInfo, error) {
	pkg, err := i.builder.ReadPackage(ctx, r)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := pkg.Delete(); err != nil {
			i.logger.Warn("Failed to delete imported package", "package_id", pkg.ID(), "error", err)
		}
	}()
	return i.install(ctx, pkg)
}

func (i *Local) install(ctx context.Context, pkg distribution.Package) (distribution.PackageInfo, error) {
	info, err := i.builder.InstallPackage(ctx, i.repo, pkg)
	if err != nil {
		if !errors.Is(err, apperrors.ErrImport) {
			err = apperrors.Import("install package "+pkg.ID(), err)
		}
		return nil, err
	}
	i.logger.InfoContext(ctx, "Package imported", "package_id", pkg.ID(), "action", info.RequestType(), "paths", info.Paths())

	ev := event.ForPackage(event.TopicPackageImported, "importer", i.name, pkg)
	ev.Action = info.RequestType()
	ev.Paths = info.Paths()
	i.events.Publish(ev)
	return info, nil
}

// Remote delivers packages through a transport. Packages taken from a
// queue that has its own transport use that one.
type Remote struct {
	transport transport.Transport
	perQueue  map[string]transport.Transport
}

var _ Importer = (*Remote)(nil)

// NewRemote creates a forwarding importer. def may be nil when every queue
// has its own transport.
func NewRemote(def transport.Transport, perQueue map[string]transport.Transport) *Remote {
	return &Remote{transport: def, perQueue: maps.Clone(perQueue)}
}

func (i *Remote) ImportPackage(ctx context.Context, pkg distribution.Package) error {
	t := i.transport
	if qt, ok := i.perQueue[pkg.Info().Queue()]; ok {
		t = qt
	}
	if t == nil {
		return apperrors.Internal("import package "+pkg.ID(),
			errors.New("no transport for queue "+pkg.Info().Queue()))
	}
	return t.DeliverPackage(ctx, pkg)
}

func (i *Remote) ImportStream(context.Context, io.Reader) (distribution.PackageInfo, error) {
	return nil, apperrors.Validation("importer", "remote importer cannot import streams")
}
