package api

import (
	"context"
	"distribution/internal/auth"
	"distribution/internal/health"
	"distribution/internal/importer"
	"distribution/internal/observability"
	"distribution/internal/trigger"
	"net/http"

	"golang.org/x/time/rate"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Agents        map[string]Agent
	Exporters     map[string]ExporterRoute
	Importers     map[string]importer.Importer
	Triggers      map[string]trigger.Trigger
	Metrics       *observability.Metrics
	HealthChecker *health.Checker

	// Authenticator resolves Basic and Bearer credentials; nil disables
	// authentication. AllowAnonymous lets requests without credentials
	// through.
	Authenticator  *auth.Authenticator
	AllowAnonymous bool

	// RateLimit and RateBurst bound export and import calls per client.
	// A zero RateLimit disables limiting.
	RateLimit rate.Limit
	RateBurst int

	MaxPackageBytes int64
}

// NewRouter creates a new HTTP router with all routes configured. ctx
// bounds background work of the middleware.
func NewRouter(ctx context.Context, cfg RouterConfig) http.Handler {
	handler := &Handler{
		agents:          cfg.Agents,
		exporters:       cfg.Exporters,
		importers:       cfg.Importers,
		triggers:        cfg.Triggers,
		health:          cfg.HealthChecker,
		maxPackageBytes: cfg.MaxPackageBytes,
	}
	if handler.health == nil {
		handler.health = health.NewChecker()
	}

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	authenticated := AuthMiddleware(cfg.Authenticator, !cfg.AllowAnonymous)
	limited := func(h http.Handler) http.Handler { return authenticated(h) }
	if cfg.RateLimit > 0 {
		burst := max(cfg.RateBurst, 1)
		limiter := RateLimitMiddleware(ctx, cfg.RateLimit, burst)
		limited = func(h http.Handler) http.Handler { return authenticated(limiter(h)) }
	}

	mux.Handle("GET /distribution/agents", authenticated(http.HandlerFunc(handler.ListAgents)))
	mux.Handle("GET /distribution/agents/{agent}", authenticated(http.HandlerFunc(handler.GetAgent)))
	mux.Handle("POST /distribution/agents/{agent}", authenticated(http.HandlerFunc(handler.ExecuteAgent)))
	mux.Handle("GET /distribution/agents/{agent}/queues/{queue}", authenticated(http.HandlerFunc(handler.GetQueue)))
	mux.Handle("POST /distribution/exporters/{exporter}", limited(http.HandlerFunc(handler.Export)))
	mux.Handle("POST /distribution/importers/{importer}", limited(http.HandlerFunc(handler.Import)))
	mux.Handle("GET /distribution/triggers/{trigger}", authenticated(http.HandlerFunc(handler.StreamTrigger)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
