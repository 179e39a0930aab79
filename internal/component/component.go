// Package component builds the agents, exporters, importers and triggers of
// one service instance from its topology.
package component

import (
	"context"
	"distribution/internal/agent"
	"distribution/internal/api"
	"distribution/internal/apperrors"
	"distribution/internal/auth"
	"distribution/internal/config"
	"distribution/internal/dispatching"
	"distribution/internal/distribution"
	"distribution/internal/event"
	"distribution/internal/exporter"
	"distribution/internal/health"
	"distribution/internal/importer"
	"distribution/internal/observability"
	"distribution/internal/packaging"
	"distribution/internal/queue"
	"distribution/internal/queue/redisqueue"
	"distribution/internal/queue/sqlitequeue"
	"distribution/internal/repository"
	"distribution/internal/transport"
	"distribution/internal/trigger"
	"distribution/pkg/backoff"
	"distribution/pkg/circuitbreaker"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"

	"golang.org/x/time/rate"
)

// Options are process-level inputs that do not come from the topology.
type Options struct {
	Metrics    *observability.Metrics // optional
	JWTSecret  string                 // overrides auth.jwt.secret when set
	HTTPClient *http.Client           // optional client for transports and remote triggers
}

// BreakerMetrics records circuit breaker transitions per endpoint host.
type BreakerMetrics interface {
	RecordBreakerTransition(ctx context.Context, endpoint, from, to string)
}

// Components is a built topology. Agents start disabled; Start enables
// them and Close tears everything down.
type Components struct {
	Repository    *repository.FS
	Builder       *packaging.TarBuilder
	Packages      *packaging.SharedStore
	Events        *event.Bus
	Agents        map[string]*agent.Agent
	Exporters     map[string]api.ExporterRoute
	Importers     map[string]importer.Importer
	Triggers      map[string]trigger.Trigger
	Authenticator *auth.Authenticator
	Health        *health.Checker

	topology  *config.Topology
	metrics   *observability.Metrics
	webhooks  []*event.Webhook
	providers map[string]queue.Provider
	logger    *slog.Logger
}

type factory struct {
	ctx      context.Context
	opts     Options
	topo     *config.Topology
	c        *Components
	tokens   *auth.Tokens
	breakers *circuitbreaker.Registry
}

// Build creates every component of topo. On failure, whatever was already
// created is closed again.
func Build(ctx context.Context, topo *config.Topology, opts Options) (*Components, error) {
	repo, err := repository.NewFS(topo.Repository.Root)
	if err != nil {
		return nil, fmt.Errorf("content repository: %w", err)
	}
	builder, err := packaging.NewTarBuilder(topo.Repository.Packages)
	if err != nil {
		return nil, fmt.Errorf("package store: %w", err)
	}

	c := &Components{
		Repository: repo,
		Builder:    builder,
		Packages:   packaging.NewSharedStore(builder.Dir()),
		Events:     event.NewBus(),
		Agents:     map[string]*agent.Agent{},
		Exporters:  map[string]api.ExporterRoute{},
		Importers:  map[string]importer.Importer{},
		Triggers:   map[string]trigger.Trigger{},
		Health:     health.NewChecker(),
		topology:   topo,
		metrics:    opts.Metrics,
		providers:  map[string]queue.Provider{},
		logger:     slog.With("component", "factory"),
	}
	f := &factory{
		ctx:      ctx,
		opts:     opts,
		topo:     topo,
		c:        c,
	}
	var breakerMetrics BreakerMetrics
	if opts.Metrics != nil {
		breakerMetrics = opts.Metrics
	}
	f.breakers = circuitbreaker.NewRegistry(breakerConfig(breakerMetrics))

	if err := f.build(); err != nil {
		c.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return c, nil
}

func (f *factory) build() error {
	if err := f.buildAuth(); err != nil {
		return err
	}
	f.buildWebhooks()
	for _, tc := range f.topo.Triggers {
		t, err := f.buildTrigger(tc)
		if err != nil {
			return fmt.Errorf("trigger %s: %w", tc.Name, err)
		}
		f.c.Triggers[tc.Name] = t
	}
	for _, ac := range f.topo.Agents {
		if err := f.buildAgent(ac); err != nil {
			return fmt.Errorf("agent %s: %w", ac.Name, err)
		}
	}
	for _, ec := range f.topo.Exporters {
		route, err := f.buildExporter(ec)
		if err != nil {
			return fmt.Errorf("exporter %s: %w", ec.Name, err)
		}
		f.c.Exporters[ec.Name] = route
	}
	for _, ic := range f.topo.Importers {
		f.c.Importers[ic.Name] = importer.NewLocal(ic.Name, f.c.Builder, f.c.Repository, f.c.Events)
	}
	return nil
}

func (f *factory) buildAuth() error {
	secret := f.topo.Auth.JWT.Secret
	if f.opts.JWTSecret != "" {
		secret = f.opts.JWTSecret
	}
	if secret != "" {
		tokens, err := auth.NewTokens(secret, f.topo.Auth.JWT.Issuer, f.topo.Auth.JWT.TTL)
		if err != nil {
			return fmt.Errorf("jwt: %w", err)
		}
		f.tokens = tokens
	}

	if len(f.topo.Auth.Users) == 0 {
		return nil
	}
	users := make([]auth.User, 0, len(f.topo.Auth.Users))
	for _, u := range f.topo.Auth.Users {
		users = append(users, auth.User{Name: u.Name, Password: u.Password, Roots: u.Roots})
	}
	f.c.Authenticator = auth.NewAuthenticator(users, f.tokens)
	return nil
}

func (f *factory) buildWebhooks() {
	for _, wc := range f.topo.Webhooks {
		topics := make([]event.Topic, 0, len(wc.Topics))
		for _, t := range wc.Topics {
			topics = append(topics, event.Topic(t))
		}
		var metrics event.WebhookMetrics
		if f.opts.Metrics != nil {
			metrics = f.opts.Metrics
		}
		w := event.NewWebhook(event.WebhookConfig{
			URL:        wc.URL,
			Secret:     wc.Secret,
			Topics:     topics,
			BufferSize: wc.BufferSize,
			Timeout:    wc.Timeout,
		}, f.breakers, metrics)
		f.c.Events.Subscribe(w.Publish, topics...)
		f.c.webhooks = append(f.c.webhooks, w)
	}
}

func (f *factory) buildTrigger(tc config.TriggerConfig) (trigger.Trigger, error) {
	action, err := distribution.ParseRequestType(tc.Action)
	if err != nil {
		return nil, err
	}
	switch tc.Kind {
	case config.KindScheduled:
		t, err := trigger.NewScheduled(action, tc.Path, tc.Interval)
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.KindResource:
		t, err := trigger.NewResourceEvent(f.c.Repository, tc.Path)
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.KindChain:
		t, err := trigger.NewChainDistribute(f.c.Events, tc.Path)
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.KindRemote:
		ep, err := distribution.ParseEndpoint(tc.Endpoint)
		if err != nil {
			return nil, err
		}
		return trigger.NewRemoteEvent(ep, f.secrets(tc.Credentials, tc.Name), trigger.RemoteOptions{Client: f.opts.HTTPClient}), nil
	default:
		return nil, apperrors.Validation("kind", fmt.Sprintf("unknown trigger kind %q", tc.Kind))
	}
}

func (f *factory) buildAgent(ac config.AgentConfig) error {
	provider, err := f.provider(ac)
	if err != nil {
		return err
	}
	f.c.providers[ac.Name] = provider

	strategy, err := f.strategy(ac.Queue)
	if err != nil {
		return err
	}
	exp, err := f.agentExporter(ac)
	if err != nil {
		return err
	}
	imp, err := f.agentImporter(ac)
	if err != nil {
		return err
	}
	policy, err := backoff.New(ac.Queue.Backoff.Strategy, ac.Queue.Backoff.Initial, ac.Queue.Backoff.Max)
	if err != nil {
		return apperrors.Validation("queue.backoff.strategy", err.Error())
	}

	var allowed []distribution.RequestType
	for _, r := range ac.AllowedRequests {
		t, err := distribution.ParseRequestType(r)
		if err != nil {
			return err
		}
		allowed = append(allowed, t)
	}
	var authz agent.Authorization = agent.AllowAll{}
	if ac.Authorization == config.AuthorizationPrincipalRoots {
		authz = agent.PrincipalRoots{}
	}
	var triggers []trigger.Trigger
	for _, name := range ac.Triggers {
		triggers = append(triggers, f.c.Triggers[name])
	}

	comps := agent.Components{
		Exporter:      exp,
		Importer:      imp,
		Authorization: authz,
		Provider:      provider,
		Strategy:      strategy,
		Packages:      f.c.Packages,
		Events:        f.c.Events,
		Triggers:      triggers,
	}
	if f.opts.Metrics != nil {
		comps.Metrics = f.opts.Metrics
		comps.QueueMetrics = f.opts.Metrics
	}
	a, err := agent.New(agent.Config{
		Name:            ac.Name,
		AllowedRequests: allowed,
		AllowedRoots:    ac.AllowedRoots,
		Passive:         ac.Passive,
		PassiveQueues:   ac.PassiveQueues,
		SyncTimeout:     ac.SyncTimeout,
		Processing: queue.ProcessorConfig{
			MaxRetries:   processorRetries(ac.Queue.MaxRetries),
			Backoff:      policy,
			PollInterval: ac.Queue.PollInterval,
		},
	}, comps)
	if err != nil {
		return err
	}
	f.c.Agents[ac.Name] = a

	f.c.Health.Require("queues/"+ac.Name, health.CheckFunc(provider.Ping))
	f.c.Health.Advise("agent/"+ac.Name, health.CheckFunc(func(ctx context.Context) error {
		state, err := a.State(ctx)
		if err != nil {
			return err
		}
		if state == queue.StateBlocked {
			return errors.New("a queue is blocked by a failing item")
		}
		return nil
	}))
	return nil
}

func (f *factory) provider(ac config.AgentConfig) (queue.Provider, error) {
	switch ac.Queue.Provider {
	case config.ProviderMemory:
		return queue.NewMemoryProvider(), nil
	case config.ProviderSQLite:
		db, err := sqlitequeue.Open(f.ctx, ac.Queue.DSN)
		if err != nil {
			return nil, err
		}
		return sqlitequeue.New(db, ac.Name), nil
	case config.ProviderRedis:
		p, err := redisqueue.Dial(f.ctx, ac.Queue.DSN, ac.Name)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, apperrors.Validation("queue.provider", fmt.Sprintf("unknown queue provider %q", ac.Queue.Provider))
	}
}

func (f *factory) strategy(qc config.QueueConfig) (dispatching.Strategy, error) {
	switch qc.Dispatch {
	case config.DispatchSingle:
		return dispatching.NewSingle(f.c.Packages), nil
	case config.DispatchPriority:
		return dispatching.NewPriorityPath(qc.PriorityPaths, f.c.Packages), nil
	case config.DispatchMultiple:
		return dispatching.NewMultipleQueue(qc.Names, f.c.Packages), nil
	default:
		return nil, apperrors.Validation("queue.dispatch", fmt.Sprintf("unknown dispatch strategy %q", qc.Dispatch))
	}
}

func (f *factory) agentExporter(ac config.AgentConfig) (exporter.Exporter, error) {
	switch ac.Exporter.Kind {
	case config.KindLocal:
		return exporter.NewLocal(f.c.Builder, f.c.Repository), nil
	case config.KindRemote:
		// The exporter repeats pulls itself, so each transport call fetches one.
		t, err := f.transport(ac.Exporter.EndpointsConfig, ac.Exporter.Endpoints, 1, ac.Name)
		if err != nil {
			return nil, err
		}
		return exporter.NewRemote(t, f.c.Builder, ac.Exporter.PullItems), nil
	default:
		return nil, apperrors.Validation("exporter.kind", fmt.Sprintf("unknown exporter kind %q", ac.Exporter.Kind))
	}
}

// agentImporter returns a nil interface for kind none.
func (f *factory) agentImporter(ac config.AgentConfig) (importer.Importer, error) {
	switch ac.Importer.Kind {
	case config.KindNone:
		return nil, nil
	case config.KindLocal:
		return importer.NewLocal(ac.Name, f.c.Builder, f.c.Repository, f.c.Events), nil
	case config.KindRemote:
		def, err := f.transport(ac.Importer.EndpointsConfig, ac.Importer.Endpoints, 0, ac.Name)
		if err != nil {
			return nil, err
		}
		perQueue := make(map[string]transport.Transport, len(ac.Importer.QueueEndpoints))
		for name, endpoints := range ac.Importer.QueueEndpoints {
			t, err := f.transport(ac.Importer.EndpointsConfig, endpoints, 0, ac.Name)
			if err != nil {
				return nil, fmt.Errorf("queue %s: %w", name, err)
			}
			perQueue[name] = t
		}
		return importer.NewRemote(def, perQueue), nil
	default:
		return nil, apperrors.Validation("importer.kind", fmt.Sprintf("unknown importer kind %q", ac.Importer.Kind))
	}
}

// transport puts one HTTP transport per endpoint behind the configured
// endpoint strategy.
func (f *factory) transport(ec config.EndpointsConfig, endpoints []string, pullItems int, agentName string) (transport.Transport, error) {
	strategy, err := transport.ParseEndpointStrategy(ec.Strategy)
	if err != nil {
		return nil, err
	}
	opts := transport.HTTPOptions{
		Client:    f.opts.HTTPClient,
		Timeout:   ec.Timeout,
		PullItems: pullItems,
		Breakers:  f.breakers,
	}
	if f.opts.Metrics != nil {
		opts.Metrics = f.opts.Metrics
	}
	secrets := f.secrets(ec.Credentials, agentName)

	transports := make([]transport.Transport, 0, len(endpoints))
	for _, raw := range endpoints {
		ep, err := distribution.ParseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		transports = append(transports, transport.NewHTTP(ep, secrets, f.c.Builder, opts))
	}
	return transport.NewMultipleEndpoint(strategy, transports...), nil
}

// secrets returns nil for anonymous endpoints.
func (f *factory) secrets(cc config.CredentialsConfig, defaultSubject string) transport.SecretProvider {
	switch {
	case cc.JWT && f.tokens != nil:
		subject := cc.Subject
		if subject == "" {
			subject = defaultSubject
		}
		return transport.NewJWTSecretProvider(f.tokens, subject)
	case cc.JWT:
		f.c.logger.Warn("JWT credentials requested without auth.jwt.secret, sending no credentials", "subject", defaultSubject)
		return nil
	case cc.Username != "":
		return transport.UserCredentials{Username: cc.Username, Password: cc.Password}
	default:
		return nil
	}
}

func (f *factory) buildExporter(ec config.ExporterConfig) (api.ExporterRoute, error) {
	switch ec.Kind {
	case config.KindLocal:
		return api.ExporterRoute{Exporter: exporter.NewLocal(f.c.Builder, f.c.Repository), DeleteServed: true}, nil
	case config.KindAgent:
		a := f.c.Agents[ec.Agent]
		name := ec.Queue
		if name == "" {
			name = dispatching.DefaultQueueName
		}
		if !slices.Contains(a.QueueNames(), name) {
			return api.ExporterRoute{}, apperrors.NotFound("queue", ec.Agent+"/"+name)
		}
		q, err := a.GetQueue(f.ctx, name)
		if err != nil {
			return api.ExporterRoute{}, err
		}
		return api.ExporterRoute{Exporter: exporter.NewQueue(q, f.c.Builder, f.c.Packages)}, nil
	default:
		return api.ExporterRoute{}, apperrors.Validation("kind", fmt.Sprintf("unknown exporter kind %q", ec.Kind))
	}
}

// Start enables every agent configured as enabled.
func (c *Components) Start() error {
	for _, name := range c.agentNames() {
		if !c.agentConfig(name).IsEnabled() {
			c.logger.Info("Agent left disabled", "agent", name)
			continue
		}
		if err := c.Agents[name].Enable(); err != nil {
			return fmt.Errorf("enable agent %s: %w", name, err)
		}
	}
	return nil
}

// RouterConfig wires the components into the HTTP API.
func (c *Components) RouterConfig() api.RouterConfig {
	agents := make(map[string]api.Agent, len(c.Agents))
	for name, a := range c.Agents {
		agents[name] = a
	}
	cfg := api.RouterConfig{
		Agents:         agents,
		Exporters:      c.Exporters,
		Importers:      c.Importers,
		Triggers:       c.Triggers,
		Metrics:        c.metrics,
		HealthChecker:  c.Health,
		Authenticator:  c.Authenticator,
		AllowAnonymous: c.topology.Auth.Anonymous,
	}
	if rl := c.topology.RateLimit; rl.RPS > 0 {
		cfg.RateLimit = rate.Limit(rl.RPS)
		cfg.RateBurst = rl.Burst
	}
	return cfg
}

// Close disables the agents, stops triggers and webhooks and closes the
// queue providers, in that order.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	for _, name := range c.agentNames() {
		if err := c.Agents[name].Disable(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disable agent %s: %w", name, err))
		}
	}
	for name, t := range c.Triggers {
		if closer, ok := t.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close trigger %s: %w", name, err))
			}
		}
	}
	for _, w := range c.webhooks {
		if err := w.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close webhook: %w", err))
		}
	}
	for name, p := range c.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queues of %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Components) agentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Components) agentConfig(name string) config.AgentConfig {
	for _, ac := range c.topology.Agents {
		if ac.Name == name {
			return ac
		}
	}
	return config.AgentConfig{}
}

// processorRetries maps the configured redelivery budget, where 0 means
// none, onto the processor's convention.
func processorRetries(n *int) int {
	if n == nil {
		return 0
	}
	if *n == 0 {
		return queue.NoRedelivery
	}
	return *n
}

// breakerConfig logs every breaker transition of the shared per-host
// registry and records it when metrics are set.
func breakerConfig(metrics BreakerMetrics) circuitbreaker.Config {
	logger := slog.With("component", "circuitbreaker")
	cfg := circuitbreaker.DefaultConfig()
	cfg.OnStateChange = func(host string, from, to circuitbreaker.State) {
		if to == circuitbreaker.Open {
			logger.Warn("Circuit opened", "endpoint", host, "from", from.String())
		} else {
			logger.Info("Circuit state changed", "endpoint", host, "from", from.String(), "to", to.String())
		}
		if metrics != nil {
			metrics.RecordBreakerTransition(context.Background(), host, from.String(), to.String())
		}
	}
	return cfg
}
