// Package packaging serializes repository content into distribution
// packages and installs packages back into a repository.
//
// A package is a gzip-compressed tar archive. Its first entry is a JSON
// manifest listing every carried node with its size and SHA-256; content
// follows as content/<path> entries.
package packaging

import (
	"bytes"
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/internal/repository"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// TypeTarGzip is the type tag of packages built by TarBuilder.
const TypeTarGzip = "tgz"

// Builder creates, reads and installs packages of one type.
type Builder interface {
	Type() string
	CreatePackage(ctx context.Context, repo repository.Repository, req *distribution.Request) (distribution.Package, error)
	// ReadPackage stores a serialized package read from r.
	ReadPackage(ctx context.Context, r io.Reader) (distribution.Package, error)
	// GetPackage returns a stored package, or nil when none has that id.
	GetPackage(ctx context.Context, id string) (distribution.Package, error)
	InstallPackage(ctx context.Context, repo repository.Repository, pkg distribution.Package) (distribution.PackageInfo, error)
}

// TarBuilder stores packages as <id>.tgz files in a directory.
type TarBuilder struct {
	dir    string
	logger *slog.Logger
}

var _ Builder = (*TarBuilder)(nil)

// NewTarBuilder returns a builder storing packages under dir.
func NewTarBuilder(dir string) (*TarBuilder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create package directory: %w", err)
	}
	return &TarBuilder{
		dir:    dir,
		logger: slog.With("component", "packaging"),
	}, nil
}

// Type implements Builder.
func (b *TarBuilder) Type() string { return TypeTarGzip }

// Dir returns the package directory.
func (b *TarBuilder) Dir() string { return b.dir }

func (b *TarBuilder) file(id string) string {
	return filepath.Join(b.dir, id+".tgz")
}

// CreatePackage exports the requested paths from repo. Failures are export
// errors; an ADD of a missing path fails the whole package.
func (b *TarBuilder) CreatePackage(ctx context.Context, repo repository.Repository, req *distribution.Request) (distribution.Package, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	entries, err := collect(ctx, repo, req)
	if err != nil {
		return nil, apperrors.Export("create package", err)
	}

	m := &Manifest{
		Version:   FormatVersion,
		ID:        uuid.NewString(),
		Type:      TypeTarGzip,
		Action:    req.Type,
		Paths:     req.Paths,
		Deep:      req.DeepPaths(),
		CreatedAt: time.Now().UTC(),
		Entries:   entries,
	}

	file := b.file(m.ID)
	f, err := os.Create(file)
	if err != nil {
		return nil, apperrors.Export("create package", err)
	}
	if err := writeArchive(ctx, f, repo, m); err != nil {
		f.Close()
		os.Remove(file)
		return nil, apperrors.Export("write package", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(file)
		return nil, apperrors.Export("write package", err)
	}

	pkg, err := newFilePackage(file, m)
	if err != nil {
		os.Remove(file)
		return nil, apperrors.Export("create package", err)
	}
	b.logger.DebugContext(ctx, "Package created", "package_id", m.ID, "action", m.Action, "paths", m.Paths, "size", pkg.Size())
	return pkg, nil
}

// ReadPackage stores the stream under the id found in its manifest.
// Malformed input is an import error.
func (b *TarBuilder) ReadPackage(ctx context.Context, r io.Reader) (distribution.Package, error) {
	tmp, err := os.CreateTemp(b.dir, ".incoming-*")
	if err != nil {
		return nil, fmt.Errorf("buffer package: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return nil, apperrors.Import("read package", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("buffer package: %w", err)
	}
	m, err := verify(tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, apperrors.Import("read package", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file := b.file(m.ID)
	if err := os.Rename(tmp.Name(), file); err != nil {
		return nil, fmt.Errorf("store package %s: %w", m.ID, err)
	}
	return newFilePackage(file, m)
}

// GetPackage implements Builder.
func (b *TarBuilder) GetPackage(_ context.Context, id string) (distribution.Package, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	file := b.file(id)
	f, err := os.Open(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open package %s: %w", id, err)
	}
	defer f.Close()

	m, _, closer, err := readManifest(f)
	if err != nil {
		return nil, fmt.Errorf("read package %s: %w", id, err)
	}
	closer.Close()
	return newFilePackage(file, m)
}

// InstallPackage verifies pkg and applies it to repo: ADD writes content,
// DELETE removes paths (missing paths are fine), TEST and PULL change nothing.
func (b *TarBuilder) InstallPackage(ctx context.Context, repo repository.Repository, pkg distribution.Package) (distribution.PackageInfo, error) {
	open, err := b.opener(pkg)
	if err != nil {
		return nil, err
	}

	rc, err := open()
	if err != nil {
		return nil, apperrors.Import("open package", err)
	}
	_, err = verify(rc)
	rc.Close()
	if err != nil {
		return nil, apperrors.Import("verify package", err)
	}

	rc, err = open()
	if err != nil {
		return nil, apperrors.Import("open package", err)
	}
	m, err := install(ctx, rc, repo)
	rc.Close()
	if err != nil {
		return nil, err
	}
	b.logger.InfoContext(ctx, "Package installed", "package_id", m.ID, "action", m.Action, "paths", m.Paths)

	info := pkg.Info().Clone()
	info.Fill(m.Info())
	return info, nil
}

// opener returns a function producing fresh readers over pkg. Packages not
// backed by a file are buffered once.
func (b *TarBuilder) opener(pkg distribution.Package) (func() (io.ReadCloser, error), error) {
	if fp, ok := pkg.(*FilePackage); ok {
		return fp.Open, nil
	}
	rc, err := pkg.Open()
	if err != nil {
		return nil, apperrors.Import("open package", err)
	}
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperrors.Import("read package", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}, nil
}
