package importer

import (
	"bytes"
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/internal/event"
	"distribution/internal/testutil"
	"distribution/internal/transport"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *recordingPublisher) Publish(ev event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func TestLocal_ImportPackage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	source := testutil.NewRepo(t, map[string]string{"/content/a": "hello"})
	target := testutil.NewRepo(t, nil)
	builder := testutil.NewBuilder(t)

	pkg, err := builder.CreatePackage(ctx, source, distribution.NewRequest(distribution.RequestAdd, "/content/a"))
	if err != nil {
		t.Fatal(err)
	}

	events := &recordingPublisher{}
	imp := NewLocal("default", builder, target, events)
	if err := imp.ImportPackage(ctx, pkg); err != nil {
		t.Fatalf("ImportPackage: %v", err)
	}
	if got := testutil.ReadFile(t, target, "/content/a"); got != "hello" {
		t.Errorf("content = %q", got)
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.events) != 1 {
		t.Fatalf("events = %+v", events.events)
	}
	ev := events.events[0]
	if ev.Topic != event.TopicPackageImported || ev.Component != "default" || ev.PackageID != pkg.ID() {
		t.Errorf("event = %+v", ev)
	}
}

func TestLocal_ImportStream(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	source := testutil.NewRepo(t, map[string]string{"/content/a": "hello", "/content/b": "world"})
	target := testutil.NewRepo(t, nil)

	pkg, err := testutil.NewBuilder(t).CreatePackage(ctx, source, distribution.NewRequest(distribution.RequestAdd, "/content/a", "/content/b"))
	if err != nil {
		t.Fatal(err)
	}
	rc, _ := pkg.Open()
	payload, _ := io.ReadAll(rc)
	rc.Close()

	builder := testutil.NewBuilder(t)
	info, err := NewLocal("default", builder, target, nil).ImportStream(ctx, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("ImportStream: %v", err)
	}
	if info.RequestType() != distribution.RequestAdd || len(info.Paths()) != 2 {
		t.Errorf("info = %v", info)
	}
	if testutil.ReadFile(t, target, "/content/b") != "world" {
		t.Error("content not installed")
	}
	if stored, _ := builder.GetPackage(ctx, pkg.ID()); stored != nil {
		t.Error("imported stream left its package behind")
	}
}

func TestLocal_ImportStreamMalformed(t *testing.T) {
	t.Parallel()
	_, err := NewLocal("default", testutil.NewBuilder(t), testutil.NewRepo(t, nil), nil).
		ImportStream(context.Background(), strings.NewReader("garbage"))
	if !errors.Is(err, apperrors.ErrImport) {
		t.Fatalf("err = %v, want import error", err)
	}
	if apperrors.Retryable(err) {
		t.Error("malformed package must not be retryable")
	}
}

type fakeTransport struct {
	mu        sync.Mutex
	delivered []string
}

func (f *fakeTransport) DeliverPackage(_ context.Context, pkg distribution.Package) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, pkg.ID())
	return nil
}

func (f *fakeTransport) RetrievePackages(context.Context, *distribution.Request) ([]distribution.Package, error) {
	return nil, nil
}

func TestRemote_RoutesByQueue(t *testing.T) {
	t.Parallel()
	def := &fakeTransport{}
	pub2 := &fakeTransport{}
	imp := NewRemote(def, map[string]transport.Transport{"publish-2": pub2})

	ctx := context.Background()
	imp.ImportPackage(ctx, testutil.NewPackage("a", "x").WithInfo(distribution.InfoQueue, "publish-2"))
	imp.ImportPackage(ctx, testutil.NewPackage("b", "x").WithInfo(distribution.InfoQueue, "publish-1"))
	imp.ImportPackage(ctx, testutil.NewPackage("c", "x"))

	if len(pub2.delivered) != 1 || pub2.delivered[0] != "a" {
		t.Errorf("queue transport delivered %v", pub2.delivered)
	}
	if len(def.delivered) != 2 {
		t.Errorf("default transport delivered %v", def.delivered)
	}
}

func TestRemote_NoTransport(t *testing.T) {
	t.Parallel()
	imp := NewRemote(nil, nil)
	if err := imp.ImportPackage(context.Background(), testutil.NewPackage("a", "x")); !errors.Is(err, apperrors.ErrInternal) {
		t.Errorf("err = %v, want internal error", err)
	}
	if _, err := imp.ImportStream(context.Background(), strings.NewReader("x")); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("ImportStream err = %v, want validation error", err)
	}
}
