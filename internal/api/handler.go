// Package api serves the distribution HTTP API: agent execution and
// status, package export and import, trigger event streams and health.
package api

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/internal/exporter"
	"distribution/internal/health"
	"distribution/internal/importer"
	"distribution/internal/queue"
	"distribution/internal/transport"
	"distribution/internal/trigger"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// maxRequestBodySize limits JSON and form request bodies.
const maxRequestBodySize = 1 << 20 // 1 MB

const (
	defaultStreamSeconds = 60
	maxStreamSeconds     = 3600
	defaultListLimit     = 100
	maxListLimit         = 1000
)

// Agent is what the API needs from an agent.
type Agent interface {
	Name() string
	Enabled() bool
	Execute(ctx context.Context, req *distribution.Request) (*distribution.Response, error)
	QueueNames() []string
	GetQueue(ctx context.Context, name string) (queue.Queue, error)
	State(ctx context.Context) (queue.State, error)
}

// ExporterRoute is an exporter served over HTTP. DeleteServed removes each
// package once it has been streamed to the caller.
type ExporterRoute struct {
	Exporter     exporter.Exporter
	DeleteServed bool
}

// Handler contains HTTP handlers for the distribution API
type Handler struct {
	agents    map[string]Agent
	exporters map[string]ExporterRoute
	importers map[string]importer.Importer
	triggers  map[string]trigger.Trigger
	health    *health.Checker

	maxPackageBytes int64
}

// AgentSummary is one entry of the agent list.
type AgentSummary struct {
	Name    string      `json:"name"`
	State   queue.State `json:"state"`
	Enabled bool        `json:"enabled"`
	Queues  []string    `json:"queues"`
}

// QueueSummary describes one agent queue.
type QueueSummary struct {
	Name  string        `json:"name"`
	State queue.State   `json:"state"`
	Size  int           `json:"size"`
	Items []queue.Entry `json:"items,omitempty"`
}

// AgentStatus is the detailed view of one agent.
type AgentStatus struct {
	Name    string         `json:"name"`
	State   queue.State    `json:"state"`
	Enabled bool           `json:"enabled"`
	Queues  []QueueSummary `json:"queues"`
}

// requestBody is the JSON form of a distribution request. Deep lists the
// paths that include their subtree.
type requestBody struct {
	Action string   `json:"action"`
	Paths  []string `json:"paths"`
	Deep   []string `json:"deep,omitempty"`
}

// ExecuteAgent handles POST /distribution/agents/{agent}
func (h *Handler) ExecuteAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agents[r.PathValue("agent")]
	if !ok {
		h.handleError(w, r, apperrors.NotFound("agent", r.PathValue("agent")))
		return
	}

	req, err := parseRequest(w, r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.handleError(w, r, err)
		return
	}

	resp, err := a.Execute(r.Context(), req)
	if err != nil {
		status := apperrors.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusServiceUnavailable
		}
		slog.WarnContext(r.Context(), "Agent request failed", "agent", a.Name(), "error", err, "status", status)
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, responseStatus(resp.State), resp)
}

// responseStatus maps a response state to the HTTP status of the agent
// endpoint.
func responseStatus(s distribution.RequestState) int {
	switch s {
	case distribution.StateDistributed, distribution.StateDropped:
		return http.StatusOK
	case distribution.StateQueued, distribution.StateActive:
		return http.StatusAccepted
	default:
		return http.StatusBadRequest
	}
}

// ListAgents handles GET /distribution/agents
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.agents))
	for name := range h.agents {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]AgentSummary, 0, len(names))
	for _, name := range names {
		a := h.agents[name]
		state, err := a.State(r.Context())
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		out = append(out, AgentSummary{Name: name, State: state, Enabled: a.Enabled(), Queues: a.QueueNames()})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAgent handles GET /distribution/agents/{agent}
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("agent")
	a, ok := h.agents[name]
	if !ok {
		h.handleError(w, r, apperrors.NotFound("agent", name))
		return
	}

	state, err := a.State(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	status := AgentStatus{Name: name, State: state, Enabled: a.Enabled()}
	for _, qn := range a.QueueNames() {
		q, err := a.GetQueue(r.Context(), qn)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		summary, err := summarize(r.Context(), q, 0, 0)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		status.Queues = append(status.Queues, summary)
	}
	writeJSON(w, http.StatusOK, status)
}

// GetQueue handles GET /distribution/agents/{agent}/queues/{queue}
// Query params: offset, limit
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("agent")
	a, ok := h.agents[name]
	if !ok {
		h.handleError(w, r, apperrors.NotFound("agent", name))
		return
	}

	offset, err := intParam(r, "offset", 0, 0, -1)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", defaultListLimit, 1, maxListLimit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	qn := r.PathValue("queue")
	q, err := a.GetQueue(r.Context(), qn)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if q == nil {
		h.handleError(w, r, apperrors.NotFound("queue", qn))
		return
	}
	summary, err := summarize(r.Context(), q, offset, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// summarize reports the queue state and size; limit > 0 adds a page of
// items.
func summarize(ctx context.Context, q queue.Queue, offset, limit int) (QueueSummary, error) {
	s := QueueSummary{Name: q.Name()}
	var err error
	if s.State, err = q.State(ctx); err != nil {
		return s, err
	}
	if s.Size, err = q.Len(ctx); err != nil {
		return s, err
	}
	if limit > 0 {
		if s.Items, err = q.List(ctx, offset, limit); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Export handles POST /distribution/exporters/{exporter}
// The first exported package is streamed as application/octet-stream with
// X-Replication-* headers. No package is a 404.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("exporter")
	route, ok := h.exporters[name]
	if !ok {
		h.handleError(w, r, apperrors.NotFound("exporter", name))
		return
	}

	req, err := parseRequest(w, r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.handleError(w, r, err)
		return
	}

	served := false
	err = route.Exporter.ExportPackages(r.Context(), req, exporter.ProcessorFunc(func(ctx context.Context, pkg distribution.Package) error {
		if served {
			slog.WarnContext(ctx, "Exporter produced more than one package, ignoring", "exporter", name, "package_id", pkg.ID())
			return nil
		}
		if err := streamPackage(w, pkg); err != nil {
			return err
		}
		served = true
		slog.InfoContext(ctx, "Package exported", "exporter", name, "package_id", pkg.ID(), "size", pkg.Size())
		if route.DeleteServed {
			if err := pkg.Delete(); err != nil {
				slog.WarnContext(ctx, "Failed to delete exported package", "package_id", pkg.ID(), "error", err)
			}
		}
		return nil
	}))
	switch {
	case err != nil && served:
		slog.ErrorContext(r.Context(), "Export failed after streaming", "exporter", name, "error", err)
	case err != nil:
		h.handleError(w, r, err)
	case !served:
		writeError(w, http.StatusNotFound, "no package available")
	}
}

func streamPackage(w http.ResponseWriter, pkg distribution.Package) error {
	body, err := pkg.Open()
	if err != nil {
		return apperrors.Export("open package "+pkg.ID(), err)
	}
	defer body.Close()

	transport.SetPackageHeaders(w.Header(), pkg)
	w.Header().Set("Content-Type", "application/octet-stream")
	if size := pkg.Size(); size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		return apperrors.Export("stream package "+pkg.ID(), err)
	}
	return nil
}

// Import handles POST /distribution/importers/{importer}
// The body is a serialized package. Responses are plain text.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("importer")
	imp, ok := h.importers[name]
	if !ok {
		http.Error(w, "importer not found: "+name, http.StatusNotFound)
		return
	}

	body := io.Reader(r.Body)
	if h.maxPackageBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxPackageBytes)
	}
	info, err := imp.ImportStream(r.Context(), body)
	if err != nil {
		status := apperrors.HTTPStatus(err)
		if status >= 500 && !errors.Is(err, apperrors.ErrUnavailable) {
			status = http.StatusBadRequest
		}
		slog.WarnContext(r.Context(), "Import failed", "importer", name, "error", err, "status", status)
		http.Error(w, "cannot import package: "+err.Error(), status)
		return
	}

	id := r.Header.Get(transport.HeaderID)
	if id == "" {
		id = strings.TrimSpace(fmt.Sprintf("%s %s", info.RequestType(), strings.Join(info.Paths(), " ")))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "package imported: %s\n", id)
}

// StreamTrigger handles GET /distribution/triggers/{trigger}
// Query params: sec (default 60, clamped to [0, 3600])
func (h *Handler) StreamTrigger(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("trigger")
	t, ok := h.triggers[name]
	if !ok {
		h.handleError(w, r, apperrors.NotFound("trigger", name))
		return
	}
	d, err := trigger.ClampSeconds(r.URL.Query().Get("sec"), defaultStreamSeconds, maxStreamSeconds)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	// The server write timeout would cut the stream short.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(d + 10*time.Second))

	if err := trigger.Stream(r.Context(), w, t, d); err != nil {
		h.handleError(w, r, err)
	}
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when a required dependency (queue storage) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

// parseRequest reads a distribution request from a JSON body or from form
// values (action, repeated path, repeated deep).
func parseRequest(w http.ResponseWriter, r *http.Request) (*distribution.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var body requestBody
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, apperrors.Validation("body", "invalid request body: "+err.Error())
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return nil, apperrors.Validation("body", "invalid form: "+err.Error())
		}
		body.Action = r.Form.Get("action")
		body.Paths = r.Form["path"]
		body.Deep = r.Form["deep"]
	}

	t, err := distribution.ParseRequestType(body.Action)
	if err != nil {
		return nil, err
	}
	req := distribution.NewRequest(t, body.Paths...)
	if len(body.Deep) > 0 {
		req.Deep = make(map[string]bool, len(body.Deep))
		for _, p := range body.Deep {
			if !slices.Contains(req.Paths, p) {
				return nil, apperrors.Validation("deep", fmt.Sprintf("deep path %s is not a requested path", p))
			}
			req.Deep[p] = true
		}
	}
	return req, nil
}

// intParam reads an integer query parameter within [lo, hi]; hi < 0 means
// unbounded.
func intParam(r *http.Request, key string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || (hi >= 0 && n > hi) {
		return 0, apperrors.Validation(key, fmt.Sprintf("%s must be an integer in range, got %q", key, raw))
	}
	return n, nil
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	writeError(w, status, err.Error())
}
