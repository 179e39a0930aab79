package sqlitequeue

import (
	"context"
	"database/sql"
	"distribution/internal/distribution"
	"distribution/internal/queue"
	"distribution/internal/queue/queuetest"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return db
}

func TestProvider(t *testing.T) {
	t.Parallel()
	queuetest.Run(t, func(t *testing.T) queue.Provider {
		p := New(openTestDB(t, ":memory:"), "author")
		t.Cleanup(func() { p.Close() })
		return p
	})
}

func TestProvider_SurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "queues.db")

	p := New(openTestDB(t, dsn), "author")
	q, err := p.GetQueue(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	info := distribution.PackageInfo{distribution.InfoPaths: []string{"/content/a"}}
	first, err := q.Add(ctx, queue.Item{PackageID: "p1", Info: info})
	if err != nil {
		t.Fatal(err)
	}
	q.Add(ctx, queue.Item{PackageID: "p2"})
	q.Transition(ctx, first.ItemID, queue.ItemActive, nil)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	p = New(openTestDB(t, dsn), "author")
	defer p.Close()
	q, _ = p.GetQueue(ctx, "default")

	head, err := q.Head(ctx)
	if err != nil || head == nil {
		t.Fatalf("Head = %v, %v", head, err)
	}
	if head.Item.PackageID != "p1" || head.Status.State != queue.ItemActive {
		t.Errorf("head = %+v", head)
	}
	if paths := head.Item.Info.Paths(); len(paths) != 1 || paths[0] != "/content/a" {
		t.Errorf("info paths = %v", paths)
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}
	names, _ := p.Queues(ctx)
	if len(names) != 1 || names[0] != "default" {
		t.Errorf("Queues = %v", names)
	}
}

func TestProvider_AgentsShareDatabase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t, ":memory:")
	t.Cleanup(func() { db.Close() })

	author := New(db, "author")
	reverse := New(db, "reverse")

	qa, _ := author.GetQueue(ctx, "default")
	qb, _ := reverse.GetQueue(ctx, "default")
	qa.Add(ctx, queue.Item{PackageID: "p1"})

	if n, _ := qb.Len(ctx); n != 0 {
		t.Errorf("other agent sees %d items", n)
	}
	if head, _ := qb.Head(ctx); head != nil {
		t.Errorf("other agent head = %+v", head)
	}
	if n, _ := qa.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}
