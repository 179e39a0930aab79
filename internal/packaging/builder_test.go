package packaging

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/internal/repository"
	"encoding/json"
	"errors"
	"io"
	"os"
	"slices"
	"strings"
	"testing"
	"time"
)

func newRepo(t *testing.T, files map[string]string) *repository.FS {
	t.Helper()
	repo, err := repository.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for p, content := range files {
		if err := repo.Write(p, strings.NewReader(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return repo
}

func newBuilder(t *testing.T) *TarBuilder {
	t.Helper()
	b, err := NewTarBuilder(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func readFile(t *testing.T, repo repository.Repository, p string) string {
	t.Helper()
	rc, err := repo.Read(p)
	if err != nil {
		t.Fatalf("Read(%s): %v", p, err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return string(data)
}

// transfer serializes pkg through a second builder, as an HTTP hop would.
func transfer(t *testing.T, pkg distribution.Package, to *TarBuilder) distribution.Package {
	t.Helper()
	rc, err := pkg.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	out, err := to.ReadPackage(context.Background(), rc)
	if err != nil {
		t.Fatalf("ReadPackage: %v", err)
	}
	return out
}

func TestTarBuilder_RoundTripAdd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newRepo(t, map[string]string{
		"/content/a.txt":          "alpha",
		"/content/sub/b.txt":      "bravo",
		"/content/sub/deep/c.txt": "charlie",
	})
	dst := newRepo(t, map[string]string{"/content/stale.txt": "old"})

	req := distribution.NewDeepRequest(distribution.RequestAdd, "/content")
	pkg, err := newBuilder(t).CreatePackage(ctx, src, req)
	if err != nil {
		t.Fatalf("CreatePackage: %v", err)
	}
	if pkg.Type() != TypeTarGzip || pkg.Size() <= 0 {
		t.Fatalf("unexpected package type=%q size=%d", pkg.Type(), pkg.Size())
	}

	target := newBuilder(t)
	received := transfer(t, pkg, target)
	if received.ID() != pkg.ID() {
		t.Errorf("received id %q, want %q", received.ID(), pkg.ID())
	}
	if received.Info().RequestType() != distribution.RequestAdd {
		t.Errorf("received action %q", received.Info().RequestType())
	}

	info, err := target.InstallPackage(ctx, dst, received)
	if err != nil {
		t.Fatalf("InstallPackage: %v", err)
	}
	if !slices.Equal(info.Paths(), []string{"/content"}) {
		t.Errorf("installed paths %v", info.Paths())
	}
	for p, want := range map[string]string{
		"/content/a.txt":          "alpha",
		"/content/sub/b.txt":      "bravo",
		"/content/sub/deep/c.txt": "charlie",
	} {
		if got := readFile(t, dst, p); got != want {
			t.Errorf("%s = %q, want %q", p, got, want)
		}
	}
	if dst.Exists("/content/stale.txt") {
		t.Error("expected stale file under deep path to be pruned")
	}
}

func TestTarBuilder_ShallowDirectory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newRepo(t, map[string]string{
		"/content/a.txt":     "alpha",
		"/content/sub/b.txt": "bravo",
	})
	dst := newRepo(t, map[string]string{"/content/sub/keep.txt": "kept"})

	b := newBuilder(t)
	pkg, err := b.CreatePackage(ctx, src, distribution.NewRequest(distribution.RequestAdd, "/content"))
	if err != nil {
		t.Fatal(err)
	}
	fp := pkg.(*FilePackage)
	var paths []string
	for _, e := range fp.Manifest().Entries {
		paths = append(paths, e.Path)
	}
	if strings.Join(paths, ",") != "/content,/content/a.txt" {
		t.Fatalf("shallow manifest entries = %v", paths)
	}

	if _, err := b.InstallPackage(ctx, dst, pkg); err != nil {
		t.Fatal(err)
	}
	if !dst.Exists("/content/a.txt") || dst.Exists("/content/sub/b.txt") {
		t.Error("shallow install copied wrong set")
	}
	if !dst.Exists("/content/sub/keep.txt") {
		t.Error("shallow install must not prune subdirectories")
	}
}

func TestTarBuilder_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dst := newRepo(t, map[string]string{"/content/a.txt": "alpha", "/content/b.txt": "bravo"})
	b := newBuilder(t)

	pkg, err := b.CreatePackage(ctx, newRepo(t, nil), distribution.NewRequest(distribution.RequestDelete, "/content/a.txt", "/content/missing"))
	if err != nil {
		t.Fatalf("CreatePackage: %v", err)
	}
	if _, err := b.InstallPackage(ctx, dst, pkg); err != nil {
		t.Fatalf("InstallPackage: %v", err)
	}
	if dst.Exists("/content/a.txt") || !dst.Exists("/content/b.txt") {
		t.Error("unexpected repository state after delete")
	}
}

func TestTarBuilder_TestIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dst := newRepo(t, map[string]string{"/content/a.txt": "alpha"})
	b := newBuilder(t)

	pkg, err := b.CreatePackage(ctx, dst, distribution.NewRequest(distribution.RequestTest))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.InstallPackage(ctx, dst, pkg); err != nil {
		t.Fatal(err)
	}
	if readFile(t, dst, "/content/a.txt") != "alpha" {
		t.Error("TEST package changed content")
	}
}

func TestTarBuilder_AddMissingPath(t *testing.T) {
	t.Parallel()
	_, err := newBuilder(t).CreatePackage(context.Background(), newRepo(t, nil),
		distribution.NewRequest(distribution.RequestAdd, "/content/missing"))
	if !errors.Is(err, apperrors.ErrExport) {
		t.Fatalf("expected export error, got %v", err)
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found cause, got %v", err)
	}
}

func TestTarBuilder_InvalidRequest(t *testing.T) {
	t.Parallel()
	_, err := newBuilder(t).CreatePackage(context.Background(), newRepo(t, nil),
		distribution.NewRequest(distribution.RequestAdd))
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func tamperedArchive(t *testing.T) []byte {
	t.Helper()
	m := Manifest{
		Version:   FormatVersion,
		ID:        "0b6b5a36-4a0e-4d5f-9c1e-8b1b6f1f0c11",
		Type:      TypeTarGzip,
		Action:    distribution.RequestAdd,
		Paths:     []string{"/a"},
		CreatedAt: time.Now().UTC(),
		Entries:   []Entry{{Path: "/a", Size: 1, SHA256: strings.Repeat("0", 64), Mode: 0o644}},
	}
	body, _ := json.Marshal(m)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	tw.WriteHeader(&tar.Header{Name: ManifestName, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg})
	tw.Write(body)
	tw.WriteHeader(&tar.Header{Name: "content/a", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg})
	tw.Write([]byte("x"))
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func TestTarBuilder_ReadPackageRejectsCorruptInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
	}{
		{"not gzip", []byte("hello")},
		{"checksum mismatch", tamperedArchive(t)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := newBuilder(t)
			_, err := b.ReadPackage(context.Background(), bytes.NewReader(tt.data))
			if !errors.Is(err, apperrors.ErrImport) {
				t.Fatalf("expected import error, got %v", err)
			}
			entries, _ := os.ReadDir(b.Dir())
			if len(entries) != 0 {
				t.Errorf("expected no leftover files, found %d", len(entries))
			}
		})
	}
}

func TestTarBuilder_GetPackage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := newBuilder(t)
	repo := newRepo(t, map[string]string{"/a": "alpha"})

	pkg, err := b.CreatePackage(ctx, repo, distribution.NewRequest(distribution.RequestAdd, "/a"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := b.GetPackage(ctx, pkg.ID())
	if err != nil || got == nil {
		t.Fatalf("GetPackage = %v, %v", got, err)
	}
	if got.Info().Type() != TypeTarGzip || !slices.Equal(got.Info().Paths(), []string{"/a"}) {
		t.Errorf("unexpected info %v", got.Info())
	}

	for _, id := range []string{"6f1e2d3c-0000-4000-8000-000000000000", "../../etc/passwd", ""} {
		if p, err := b.GetPackage(ctx, id); p != nil || err != nil {
			t.Errorf("GetPackage(%q) = %v, %v; want nil, nil", id, p, err)
		}
	}

	if err := pkg.Delete(); err != nil {
		t.Fatal(err)
	}
	if p, _ := b.GetPackage(ctx, pkg.ID()); p != nil {
		t.Error("expected deleted package to be gone")
	}
	if err := pkg.Delete(); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestFilePackage_CloseReleasesReaders(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)
	pkg, err := b.CreatePackage(context.Background(), newRepo(t, map[string]string{"/a": "alpha"}),
		distribution.NewRequest(distribution.RequestAdd, "/a"))
	if err != nil {
		t.Fatal(err)
	}

	rc, err := pkg.Open()
	if err != nil {
		t.Fatal(err)
	}
	if err := pkg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := rc.Read(make([]byte, 1)); err == nil {
		t.Error("expected reader to be closed")
	}

	rc2, err := pkg.Open()
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	rc2.Close()
}
