package repository

import (
	"distribution/internal/apperrors"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func newRepo(t *testing.T) *FS {
	t.Helper()
	repo, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return repo
}

func write(t *testing.T, repo *FS, p, content string) {
	t.Helper()
	if err := repo.Write(p, strings.NewReader(content), 0o644); err != nil {
		t.Fatalf("Write(%s): %v", p, err)
	}
}

func read(t *testing.T, repo *FS, p string) string {
	t.Helper()
	rc, err := repo.Read(p)
	if err != nil {
		t.Fatalf("Read(%s): %v", p, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestFS_WriteRead(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)

	write(t, repo, "/content/site/page.html", "<h1>hi</h1>")
	if got := read(t, repo, "/content/site/page.html"); got != "<h1>hi</h1>" {
		t.Errorf("Read = %q", got)
	}

	write(t, repo, "/content/site/page.html", "v2")
	if got := read(t, repo, "/content/site/page.html"); got != "v2" {
		t.Errorf("Read after overwrite = %q", got)
	}

	e, err := repo.Stat("/content/site/page.html")
	if err != nil {
		t.Fatal(err)
	}
	if e.IsDir || e.Size != 2 {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestFS_NotFound(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)

	if _, err := repo.Stat("/missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Stat: expected not found, got %v", err)
	}
	if _, err := repo.Read("/missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Read: expected not found, got %v", err)
	}
	if repo.Exists("/missing") {
		t.Error("Exists reported missing path")
	}
}

func TestFS_RejectsEscapingPaths(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)

	for _, p := range []string{"../etc/passwd", "/content/../../etc", "relative"} {
		if err := repo.Write(p, strings.NewReader("x"), 0); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("Write(%q): expected validation error, got %v", p, err)
		}
	}
}

func TestFS_Walk(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	write(t, repo, "/content/a.txt", "a")
	write(t, repo, "/content/b.txt", "b")
	write(t, repo, "/content/sub/c.txt", "c")
	write(t, repo, "/content/sub/deeper/d.txt", "d")

	collect := func(p string, deep bool) []string {
		var got []string
		err := repo.Walk(p, deep, func(e Entry) error {
			s := e.Path
			if e.IsDir {
				s += "/"
			}
			got = append(got, s)
			return nil
		})
		if err != nil {
			t.Fatalf("Walk(%s, %v): %v", p, deep, err)
		}
		return got
	}

	shallow := strings.Join(collect("/content", false), ",")
	if shallow != "/content/,/content/a.txt,/content/b.txt" {
		t.Errorf("shallow walk = %s", shallow)
	}

	deep := strings.Join(collect("/content", true), ",")
	want := "/content/,/content/a.txt,/content/b.txt,/content/sub/,/content/sub/c.txt,/content/sub/deeper/,/content/sub/deeper/d.txt"
	if deep != want {
		t.Errorf("deep walk = %s", deep)
	}

	single := strings.Join(collect("/content/a.txt", true), ",")
	if single != "/content/a.txt" {
		t.Errorf("file walk = %s", single)
	}
}

func TestFS_Delete(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	write(t, repo, "/content/sub/c.txt", "c")

	if err := repo.Delete("/content/sub"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if repo.Exists("/content/sub/c.txt") {
		t.Error("expected subtree removed")
	}
	if err := repo.Delete("/content/sub"); err != nil {
		t.Errorf("deleting missing path should succeed, got %v", err)
	}
	if err := repo.Delete("/"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected refusal to delete root, got %v", err)
	}
}

func TestFS_ContentPath(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)

	got, err := repo.ContentPath(filepath.Join(repo.Root(), "content", "a.txt"))
	if err != nil || got != "/content/a.txt" {
		t.Errorf("ContentPath = %q, %v", got, err)
	}
	if got, _ := repo.ContentPath(repo.Root()); got != "/" {
		t.Errorf("ContentPath(root) = %q", got)
	}
	if _, err := repo.ContentPath(filepath.Dir(repo.Root())); err == nil {
		t.Error("expected error for path outside root")
	}
}
