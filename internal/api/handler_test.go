package api

import (
	"bytes"
	"context"
	"distribution/internal/agent"
	"distribution/internal/apperrors"
	"distribution/internal/auth"
	"distribution/internal/dispatching"
	"distribution/internal/distribution"
	"distribution/internal/exporter"
	"distribution/internal/health"
	"distribution/internal/importer"
	"distribution/internal/queue"
	"distribution/internal/testutil"
	"distribution/internal/transport"
	"distribution/internal/trigger"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeAgent struct {
	name     string
	resp     *distribution.Response
	err      error
	provider *queue.MemoryProvider

	mu  sync.Mutex
	got *distribution.Request
}

func newFakeAgent(name string) *fakeAgent {
	return &fakeAgent{
		name:     name,
		resp:     distribution.NewResponse(distribution.StateDistributed, "[DISTRIBUTED]"),
		provider: queue.NewMemoryProvider(),
	}
}

func (a *fakeAgent) Name() string  { return a.name }
func (a *fakeAgent) Enabled() bool { return true }
func (a *fakeAgent) Execute(_ context.Context, req *distribution.Request) (*distribution.Response, error) {
	a.mu.Lock()
	a.got = req
	a.mu.Unlock()
	return a.resp, a.err
}
func (a *fakeAgent) QueueNames() []string { return []string{"default"} }
func (a *fakeAgent) GetQueue(ctx context.Context, name string) (queue.Queue, error) {
	if name != "default" {
		return nil, nil
	}
	return a.provider.GetQueue(ctx, name)
}
func (a *fakeAgent) State(context.Context) (queue.State, error) { return queue.StateIdle, nil }

func (a *fakeAgent) request() *distribution.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.got
}

func newHandler(agents ...Agent) *Handler {
	h := &Handler{agents: map[string]Agent{}, health: health.NewChecker()}
	for _, a := range agents {
		h.agents[a.Name()] = a
	}
	return h
}

func postForm(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := newHandler()

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_QueuesDown(t *testing.T) {
	t.Parallel()
	handler := newHandler()
	handler.health.Require("queues/publish", health.CheckFunc(func(context.Context) error {
		return errors.New("redis: connection refused")
	}))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", response.Status)
	}
}

func TestHandler_ExecuteAgent_Status(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		resp   *distribution.Response
		err    error
		status int
	}{
		{"distributed", distribution.NewResponse(distribution.StateDistributed, ""), nil, http.StatusOK},
		{"dropped", distribution.NewResponse(distribution.StateDropped, "request type not accepted"), nil, http.StatusOK},
		{"queued", distribution.NewResponse(distribution.StateQueued, "[QUEUED]"), nil, http.StatusAccepted},
		{"active", distribution.NewResponse(distribution.StateActive, "[ACTIVE]"), nil, http.StatusAccepted},
		{"error", distribution.NewResponse(distribution.StateError, "no packages exported"), nil, http.StatusBadRequest},
		{"forbidden", distribution.NewResponse(distribution.StateError, "denied"), apperrors.Forbidden("denied"), http.StatusForbidden},
		{"invalid", nil, apperrors.Validation("path", "path must be absolute"), http.StatusBadRequest},
		{"disabled", nil, apperrors.Unavailable("agent", "publish is disabled"), http.StatusServiceUnavailable},
		{"internal", nil, errors.New("boom"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newFakeAgent("publish")
			a.resp, a.err = tt.resp, tt.err
			handler := newHandler(a)

			req := postForm("/distribution/agents/publish", url.Values{"action": {"ADD"}, "path": {"/content/a"}})
			req.SetPathValue("agent", "publish")
			w := httptest.NewRecorder()

			handler.ExecuteAgent(w, req)

			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.err == nil {
				var got distribution.Response
				if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
					t.Fatal(err)
				}
				if got.State != tt.resp.State {
					t.Errorf("state = %s, want %s", got.State, tt.resp.State)
				}
			}
		})
	}
}

func TestHandler_ExecuteAgent_ParsesRequest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		build func() *http.Request
	}{
		{"form", func() *http.Request {
			return postForm("/", url.Values{
				"action": {"add"},
				"path":   {"/content/a", "/content/b"},
				"deep":   {"/content/b"},
			})
		}},
		{"json", func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/",
				bytes.NewBufferString(`{"action":"ADD","paths":["/content/a","/content/b"],"deep":["/content/b"]}`))
			req.Header.Set("Content-Type", "application/json; charset=utf-8")
			return req
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newFakeAgent("publish")
			handler := newHandler(a)
			req := tt.build()
			req.SetPathValue("agent", "publish")
			w := httptest.NewRecorder()

			handler.ExecuteAgent(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", w.Code, w.Body.String())
			}
			got := a.request()
			if got.Type != distribution.RequestAdd || !slices.Equal(got.Paths, []string{"/content/a", "/content/b"}) {
				t.Errorf("request = %v", got)
			}
			if got.IsDeep("/content/a") || !got.IsDeep("/content/b") {
				t.Errorf("deep = %v", got.Deep)
			}
		})
	}
}

func TestHandler_ExecuteAgent_BadRequests(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		agent  string
		form   url.Values
		status int
	}{
		{"unknown agent", "nope", url.Values{"action": {"ADD"}, "path": {"/a"}}, http.StatusNotFound},
		{"unknown action", "publish", url.Values{"action": {"COPY"}, "path": {"/a"}}, http.StatusBadRequest},
		{"missing action", "publish", url.Values{"path": {"/a"}}, http.StatusBadRequest},
		{"deep not requested", "publish", url.Values{"action": {"ADD"}, "path": {"/a"}, "deep": {"/b"}}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := newHandler(newFakeAgent("publish"))
			req := postForm("/", tt.form)
			req.SetPathValue("agent", tt.agent)
			w := httptest.NewRecorder()

			handler.ExecuteAgent(w, req)

			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestHandler_ExecuteAgent_InvalidPaths(t *testing.T) {
	t.Parallel()
	a, err := agent.New(agent.Config{Name: "publish", Passive: true}, agent.Components{
		Exporter: exporter.NewLocal(testutil.NewBuilder(t), testutil.NewRepo(t, nil)),
		Provider: queue.NewMemoryProvider(),
		Strategy: dispatching.NewSingle(nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Enable(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Disable(context.Background()) })
	handler := newHandler(a)

	tests := []struct {
		name string
		form url.Values
	}{
		{"add without path", url.Values{"action": {"ADD"}}},
		{"relative path", url.Values{"action": {"ADD"}, "path": {"relative"}}},
		{"unclean path", url.Values{"action": {"DELETE"}, "path": {"/a/../b"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := postForm("/", tt.form)
			req.SetPathValue("agent", "publish")
			w := httptest.NewRecorder()

			handler.ExecuteAgent(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status %d, got %d: %s", http.StatusBadRequest, w.Code, w.Body.String())
			}
		})
	}

	q, err := a.GetQueue(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Errorf("queue size = %d, want 0", n)
	}
}

func TestHandler_GetQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newFakeAgent("publish")
	q, _ := a.GetQueue(ctx, "default")
	for _, id := range []string{"p1", "p2", "p3"} {
		if _, err := q.Add(ctx, queue.NewItem(testutil.NewPackage(id, id))); err != nil {
			t.Fatal(err)
		}
	}
	handler := newHandler(a)

	get := func(queueName, query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/distribution/agents/publish/queues/"+queueName+"?"+query, nil)
		req.SetPathValue("agent", "publish")
		req.SetPathValue("queue", queueName)
		w := httptest.NewRecorder()
		handler.GetQueue(w, req)
		return w
	}

	w := get("default", "offset=1&limit=1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var summary QueueSummary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatal(err)
	}
	if summary.Size != 3 || summary.State != queue.StateRunning {
		t.Errorf("summary = %+v", summary)
	}
	if len(summary.Items) != 1 || summary.Items[0].Item.PackageID != "p2" {
		t.Errorf("items = %+v, want only p2", summary.Items)
	}

	if w := get("weird", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown queue status = %d", w.Code)
	}
	if w := get("default", "limit=0"); w.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d", w.Code)
	}
	if w := get("default", "offset=x"); w.Code != http.StatusBadRequest {
		t.Errorf("offset=x status = %d", w.Code)
	}
}

func TestHandler_GetAgent(t *testing.T) {
	t.Parallel()
	handler := newHandler(newFakeAgent("publish"), newFakeAgent("author"))

	w := httptest.NewRecorder()
	handler.ListAgents(w, httptest.NewRequest(http.MethodGet, "/distribution/agents", nil))
	var list []AgentSummary
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "author" || list[1].Name != "publish" {
		t.Errorf("list = %+v", list)
	}

	req := httptest.NewRequest(http.MethodGet, "/distribution/agents/publish", nil)
	req.SetPathValue("agent", "publish")
	w = httptest.NewRecorder()
	handler.GetAgent(w, req)
	var status AgentStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.State != queue.StateIdle || len(status.Queues) != 1 || status.Queues[0].Name != "default" {
		t.Errorf("status = %+v", status)
	}
}

func newServer(t *testing.T, cfg RouterConfig) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(t.Context(), cfg))
	t.Cleanup(srv.Close)
	return srv
}

func TestRouter_ExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	src := testutil.NewRepo(t, map[string]string{"/content/a": "hello", "/content/dir/b": "world"})
	dst := testutil.NewRepo(t, nil)
	exportBuilder := testutil.NewBuilder(t)

	srv := newServer(t, RouterConfig{
		Exporters: map[string]ExporterRoute{
			"default": {Exporter: exporter.NewLocal(exportBuilder, src), DeleteServed: true},
		},
		Importers: map[string]importer.Importer{
			"default": importer.NewLocal("default", testutil.NewBuilder(t), dst, nil),
		},
		Authenticator: auth.NewAuthenticator([]auth.User{{Name: "replicator", Password: "secret"}}, nil),
	})

	form := url.Values{"action": {"ADD"}, "path": {"/content/a", "/content/dir"}, "deep": {"/content/dir"}}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/distribution/exporters/default", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("replicator", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d: %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(transport.HeaderAction); got != "ADD" {
		t.Errorf("action header = %q", got)
	}
	if got := resp.Header.Values(transport.HeaderPath); !slices.Equal(got, []string{"/content/a", "/content/dir"}) {
		t.Errorf("path headers = %v", got)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("content type = %q", ct)
	}
	id := resp.Header.Get(transport.HeaderID)
	testutil.MustWaitFor(t, "served package deleted", func() bool {
		pkg, _ := exportBuilder.GetPackage(context.Background(), id)
		return pkg == nil
	})

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/distribution/importers/default", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(transport.HeaderID, id)
	req.SetBasicAuth("replicator", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	msg, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import status = %d: %s", resp.StatusCode, msg)
	}
	if want := "package imported: " + id + "\n"; string(msg) != want {
		t.Errorf("import body = %q, want %q", msg, want)
	}

	if got := testutil.ReadFile(t, dst, "/content/a"); got != "hello" {
		t.Errorf("/content/a = %q", got)
	}
	if got := testutil.ReadFile(t, dst, "/content/dir/b"); got != "world" {
		t.Errorf("/content/dir/b = %q", got)
	}
}

func TestRouter_ExportNothing(t *testing.T) {
	t.Parallel()
	q := queue.NewMemoryQueue("publish/default")
	srv := newServer(t, RouterConfig{
		Exporters: map[string]ExporterRoute{
			"reverse": {Exporter: exporter.NewQueue(q, testutil.NewBuilder(t), nil)},
		},
	})

	resp, err := http.PostForm(srv.URL+"/distribution/exporters/reverse", url.Values{"action": {"PULL"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.PostForm(srv.URL+"/distribution/exporters/reverse", url.Values{"action": {"ADD"}, "path": {"/a"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-PULL status = %d, want 400", resp.StatusCode)
	}
}

func TestRouter_ImportMalformed(t *testing.T) {
	t.Parallel()
	srv := newServer(t, RouterConfig{
		Importers: map[string]importer.Importer{
			"default": importer.NewLocal("default", testutil.NewBuilder(t), testutil.NewRepo(t, nil), nil),
		},
	})

	resp, err := http.Post(srv.URL+"/distribution/importers/default", "application/octet-stream", strings.NewReader("not a package"))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.HasPrefix(string(body), "cannot import package") {
		t.Errorf("body = %q", body)
	}
}

func TestRouter_RequiresAuthentication(t *testing.T) {
	t.Parallel()
	srv := newServer(t, RouterConfig{
		Agents:        map[string]Agent{"publish": newFakeAgent("publish")},
		Authenticator: auth.NewAuthenticator([]auth.User{{Name: "admin", Password: "admin"}}, nil),
	})

	tests := []struct {
		name     string
		user     string
		password string
		status   int
	}{
		{"anonymous", "", "", http.StatusUnauthorized},
		{"wrong password", "admin", "nope", http.StatusUnauthorized},
		{"valid", "admin", "admin", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/distribution/agents", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.password)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/livez")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("livez status = %d without credentials", resp.StatusCode)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	t.Parallel()
	srv := newServer(t, RouterConfig{
		Importers: map[string]importer.Importer{
			"default": importer.NewLocal("default", testutil.NewBuilder(t), testutil.NewRepo(t, nil), nil),
		},
		RateLimit: 0.001,
		RateBurst: 1,
	})

	codes := make([]int, 0, 2)
	for range 2 {
		resp, err := http.Post(srv.URL+"/distribution/importers/default", "application/octet-stream", strings.NewReader("x"))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusBadRequest || codes[1] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [400 429]", codes)
	}
}

func TestRouter_StreamTrigger(t *testing.T) {
	t.Parallel()
	sched, err := trigger.NewScheduled(distribution.RequestTest, "", 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sched.Close() })
	srv := newServer(t, RouterConfig{Triggers: map[string]trigger.Trigger{"tick": sched}})

	resp, err := http.Get(srv.URL + "/distribution/triggers/tick?sec=1")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(string(body), "data: TEST") {
		t.Errorf("body = %q, want TEST events", body)
	}

	resp, err = http.Get(srv.URL + "/distribution/triggers/tick?sec=soon")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid sec status = %d", resp.StatusCode)
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_AuthPrincipal(t *testing.T) {
	t.Parallel()
	a := auth.NewAuthenticator([]auth.User{{Name: "editor", Password: "pw", Roots: []string{"/content/site"}}}, nil)

	var got *auth.Principal
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.FromContext(r.Context())
	})
	handler := AuthMiddleware(a, false)(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got != nil {
		t.Errorf("anonymous principal = %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	req.SetBasicAuth("editor", "pw")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got == nil || got.Name != "editor" || !got.CanAccess("/content/site/page") {
		t.Errorf("principal = %+v", got)
	}
}
