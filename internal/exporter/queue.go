package exporter

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/internal/queue"
	"fmt"
	"log/slog"
)

// Releaser drops a queue's hold on a shared package.
type Releaser interface {
	ReleaseOrDelete(pkg distribution.Package, queue string) (bool, error)
}

// maxSkips bounds how many orphaned items one pull clears.
const maxSkips = 100

// Queue serves PULL requests from a passive agent queue: the head item's
// package is handed to the processor and the item removed afterwards. An
// empty queue exports nothing.
type Queue struct {
	queue    queue.Queue
	packages PackageStore
	refs     Releaser
	logger   *slog.Logger
}

var _ Exporter = (*Queue)(nil)

// NewQueue creates an exporter draining q. refs may be nil, in which case
// handed-out packages are deleted.
func NewQueue(q queue.Queue, packages PackageStore, refs Releaser) *Queue {
	return &Queue{
		queue:    q,
		packages: packages,
		refs:     refs,
		logger:   slog.With("component", "queue-exporter", "queue", q.Name()),
	}
}

func (e *Queue) ExportPackages(ctx context.Context, req *distribution.Request, proc Processor) error {
	if req.Type != distribution.RequestPull {
		return apperrors.Validation("action", fmt.Sprintf("queue exporter only serves %s requests, got %s", distribution.RequestPull, req.Type))
	}

	for range maxSkips {
		head, err := e.queue.Head(ctx)
		if err != nil {
			return apperrors.Export("read queue head", err)
		}
		if head == nil {
			return nil
		}

		pkg, err := e.packages.GetPackage(ctx, head.Item.PackageID)
		if err != nil {
			return apperrors.Export("load package "+head.Item.PackageID, err)
		}
		if pkg == nil {
			e.logger.Error("Queued package does not exist, skipping", "item_id", head.Item.ID, "package_id", head.Item.PackageID)
			if _, err := e.queue.Remove(ctx, head.Item.ID); err != nil {
				return apperrors.Export("remove queue item", err)
			}
			continue
		}

		pkg.Info().Fill(head.Item.Info)
		pkg.Info()[distribution.InfoQueue] = e.queue.Name()
		err = proc.Process(ctx, pkg)
		pkg.Close()
		if err != nil {
			return err
		}

		if _, err := e.queue.Remove(ctx, head.Item.ID); err != nil {
			return apperrors.Export("remove queue item", err)
		}
		e.release(pkg)
		return nil
	}
	return nil
}

func (e *Queue) GetPackage(ctx context.Context, id string) (distribution.Package, error) {
	return e.packages.GetPackage(ctx, id)
}

func (e *Queue) release(pkg distribution.Package) {
	var err error
	if e.refs != nil {
		_, err = e.refs.ReleaseOrDelete(pkg, e.queue.Name())
	} else {
		err = pkg.Delete()
	}
	if err != nil {
		e.logger.Warn("Failed to release package", "package_id", pkg.ID(), "error", err)
	}
}
