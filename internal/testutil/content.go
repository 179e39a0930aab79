package testutil

import (
	"distribution/internal/packaging"
	"distribution/internal/repository"
	"io"
	"strings"
	"testing"
)

// NewRepo returns a filesystem repository in a temp dir holding files,
// keyed by absolute content path.
func NewRepo(tb testing.TB, files map[string]string) *repository.FS {
	tb.Helper()
	repo, err := repository.NewFS(tb.TempDir())
	if err != nil {
		tb.Fatal(err)
	}
	for p, content := range files {
		if err := repo.Write(p, strings.NewReader(content), 0o644); err != nil {
			tb.Fatal(err)
		}
	}
	return repo
}

// NewBuilder returns a tar.gz package builder storing packages in a temp dir.
func NewBuilder(tb testing.TB) *packaging.TarBuilder {
	tb.Helper()
	b, err := packaging.NewTarBuilder(tb.TempDir())
	if err != nil {
		tb.Fatal(err)
	}
	return b
}

// ReadFile returns the content at p or fails the test.
func ReadFile(tb testing.TB, repo *repository.FS, p string) string {
	tb.Helper()
	rc, err := repo.Read(p)
	if err != nil {
		tb.Fatalf("read %s: %v", p, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		tb.Fatal(err)
	}
	return string(data)
}
