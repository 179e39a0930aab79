package config

import (
	"distribution/internal/apperrors"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Topology describes the agents, exporters, importers and triggers hosted by
// one distribution service instance.
type Topology struct {
	Repository RepositoryConfig `yaml:"repository"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Webhooks   []WebhookConfig  `yaml:"webhooks"`
	Agents     []AgentConfig    `yaml:"agents"`
	Exporters  []ExporterConfig `yaml:"exporters"`
	Importers  []ImporterConfig `yaml:"importers"`
	Triggers   []TriggerConfig  `yaml:"triggers"`
}

// RepositoryConfig locates local content and package storage.
type RepositoryConfig struct {
	Root     string `yaml:"root"`     // default: ./content
	Packages string `yaml:"packages"` // default: ./packages
}

// AuthConfig lists users accepted by the API and the JWT settings used both
// to verify inbound bearer tokens and to issue outbound ones.
type AuthConfig struct {
	Anonymous bool         `yaml:"anonymous"` // accept requests without credentials
	Users     []UserConfig `yaml:"users"`
	JWT       JWTConfig    `yaml:"jwt"`
}

// UserConfig is a principal allowed to call the API.
type UserConfig struct {
	Name     string   `yaml:"name"`
	Password string   `yaml:"password"`
	Roots    []string `yaml:"roots"` // content roots for principal-roots authorization
}

// JWTConfig holds HS256 signing settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"` // default: distribution
	TTL    time.Duration `yaml:"ttl"`    // default: 5m
}

// RateLimitConfig bounds per-client calls to exporter and importer routes.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`   // default: 10
	Burst int     `yaml:"burst"` // default: 20
}

// WebhookConfig subscribes an HTTP receiver to lifecycle events.
type WebhookConfig struct {
	URL        string        `yaml:"url"`
	Secret     string        `yaml:"secret"`
	Topics     []string      `yaml:"topics"`     // empty: all topics
	BufferSize int           `yaml:"bufferSize"` // default: 100
	Timeout    time.Duration `yaml:"timeout"`    // default: 10s
}

// CredentialsConfig selects how a transport authenticates to its endpoints.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	JWT      bool   `yaml:"jwt"`     // issue bearer tokens with the auth.jwt secret
	Subject  string `yaml:"subject"` // JWT subject, default: agent name
}

// EndpointsConfig is a set of remote endpoints behind one logical transport.
type EndpointsConfig struct {
	Endpoints   []string          `yaml:"endpoints"`
	Strategy    string            `yaml:"strategy"` // All | One
	Credentials CredentialsConfig `yaml:"credentials"`
	Timeout     time.Duration     `yaml:"timeout"` // default: 30s
}

// BackoffConfig selects the redelivery delay policy.
type BackoffConfig struct {
	Strategy string        `yaml:"strategy"` // exponential | constant
	Initial  time.Duration `yaml:"initial"`  // default: 1s
	Max      time.Duration `yaml:"max"`      // default: 1m
}

// QueueConfig selects the queue provider, dispatching strategy and retry
// discipline of an agent.
type QueueConfig struct {
	Provider      string        `yaml:"provider"` // memory | sqlite | redis
	DSN           string        `yaml:"dsn"`      // sqlite file or redis address
	Dispatch      string        `yaml:"dispatch"` // single | priority | multiple
	PriorityPaths []string      `yaml:"priorityPaths"`
	Names         []string      `yaml:"names"`
	MaxRetries    *int          `yaml:"maxRetries"` // default: 5, 0 disables redelivery
	Backoff       BackoffConfig `yaml:"backoff"`
	PollInterval  time.Duration `yaml:"pollInterval"` // default: 1s
}

// AgentExporterConfig is the package source of an agent.
type AgentExporterConfig struct {
	Kind            string `yaml:"kind"` // local | remote
	EndpointsConfig `yaml:",inline"`
	PullItems       int `yaml:"pullItems"` // default: 1
}

// AgentImporterConfig is the package sink of an agent.
type AgentImporterConfig struct {
	Kind            string `yaml:"kind"` // local | remote | none
	EndpointsConfig `yaml:",inline"`
	QueueEndpoints  map[string][]string `yaml:"queueEndpoints"`
}

// AgentConfig configures one distribution agent.
type AgentConfig struct {
	Name            string              `yaml:"name"`
	Enabled         *bool               `yaml:"enabled"` // default: true
	AllowedRequests []string            `yaml:"allowedRequests"`
	AllowedRoots    []string            `yaml:"allowedRoots"`
	Authorization   string              `yaml:"authorization"` // allow-all | principal-roots
	Passive         bool                `yaml:"passive"`
	PassiveQueues   []string            `yaml:"passiveQueues"`
	SyncTimeout     time.Duration       `yaml:"syncTimeout"`
	Queue           QueueConfig         `yaml:"queue"`
	Exporter        AgentExporterConfig `yaml:"exporter"`
	Importer        AgentImporterConfig `yaml:"importer"`
	Triggers        []string            `yaml:"triggers"`
}

// IsEnabled reports whether the agent starts enabled.
func (a AgentConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// ExporterConfig exposes a package source over HTTP.
type ExporterConfig struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"`  // local | agent
	Agent string `yaml:"agent"` // for kind agent
	Queue string `yaml:"queue"` // for kind agent, default queue when empty
}

// ImporterConfig exposes a package sink over HTTP.
type ImporterConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // local
}

// TriggerConfig configures a request source.
type TriggerConfig struct {
	Name        string            `yaml:"name"`
	Kind        string            `yaml:"kind"` // scheduled | resource | remote | chain
	Action      string            `yaml:"action"`
	Path        string            `yaml:"path"`
	Interval    time.Duration     `yaml:"interval"` // scheduled, default 30s
	Endpoint    string            `yaml:"endpoint"` // remote
	Credentials CredentialsConfig `yaml:"credentials"`
}

// Endpoint strategies.
const (
	StrategyAll = "All"
	StrategyOne = "One"
)

// Component kinds.
const (
	KindLocal     = "local"
	KindRemote    = "remote"
	KindNone      = "none"
	KindAgent     = "agent"
	KindScheduled = "scheduled"
	KindResource  = "resource"
	KindChain     = "chain"

	ProviderMemory = "memory"
	ProviderSQLite = "sqlite"
	ProviderRedis  = "redis"

	DispatchSingle   = "single"
	DispatchPriority = "priority"
	DispatchMultiple = "multiple"

	AuthorizationAllowAll       = "allow-all"
	AuthorizationPrincipalRoots = "principal-roots"
)

var requestTypes = []string{"ADD", "DELETE", "TEST", "PULL"}

// LoadTopology reads, expands, defaults and validates a topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}
	return ParseTopology(data)
}

// ParseTopology parses topology YAML. ${VAR} references are expanded from
// the environment before parsing.
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &t); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	t.withDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Topology) withDefaults() {
	if t.Repository.Root == "" {
		t.Repository.Root = "./content"
	}
	if t.Repository.Packages == "" {
		t.Repository.Packages = "./packages"
	}
	if t.Auth.JWT.Issuer == "" {
		t.Auth.JWT.Issuer = "distribution"
	}
	if t.Auth.JWT.TTL <= 0 {
		t.Auth.JWT.TTL = 5 * time.Minute
	}
	if t.RateLimit.RPS <= 0 {
		t.RateLimit.RPS = 10
	}
	if t.RateLimit.Burst <= 0 {
		t.RateLimit.Burst = 20
	}
	for i := range t.Webhooks {
		w := &t.Webhooks[i]
		if w.BufferSize <= 0 {
			w.BufferSize = 100
		}
		if w.Timeout <= 0 {
			w.Timeout = 10 * time.Second
		}
	}
	for i := range t.Agents {
		t.Agents[i].withDefaults()
	}
	for i := range t.Exporters {
		if t.Exporters[i].Kind == "" {
			t.Exporters[i].Kind = KindLocal
		}
	}
	for i := range t.Importers {
		if t.Importers[i].Kind == "" {
			t.Importers[i].Kind = KindLocal
		}
	}
	for i := range t.Triggers {
		tr := &t.Triggers[i]
		if tr.Kind == KindScheduled && tr.Interval <= 0 {
			tr.Interval = 30 * time.Second
		}
		if tr.Action == "" {
			tr.Action = "ADD"
		}
		tr.Action = strings.ToUpper(tr.Action)
	}
}

func (a *AgentConfig) withDefaults() {
	if a.Authorization == "" {
		a.Authorization = AuthorizationAllowAll
	}
	for i, r := range a.AllowedRequests {
		a.AllowedRequests[i] = strings.ToUpper(r)
	}

	q := &a.Queue
	if q.Provider == "" {
		q.Provider = ProviderMemory
	}
	if q.Dispatch == "" {
		switch {
		case len(a.Importer.QueueEndpoints) > 0 || len(q.Names) > 0:
			q.Dispatch = DispatchMultiple
		case len(q.PriorityPaths) > 0:
			q.Dispatch = DispatchPriority
		default:
			q.Dispatch = DispatchSingle
		}
	}
	if q.Dispatch == DispatchMultiple && len(q.Names) == 0 {
		for name := range a.Importer.QueueEndpoints {
			q.Names = append(q.Names, name)
		}
		slices.Sort(q.Names)
	}
	if q.MaxRetries == nil {
		q.MaxRetries = ptr(5)
	}
	if q.Backoff.Initial <= 0 {
		q.Backoff.Initial = time.Second
	}
	if q.Backoff.Max <= 0 {
		q.Backoff.Max = time.Minute
	}
	if q.PollInterval <= 0 {
		q.PollInterval = time.Second
	}

	if a.Exporter.Kind == "" {
		a.Exporter.Kind = KindLocal
		if len(a.Exporter.Endpoints) > 0 {
			a.Exporter.Kind = KindRemote
		}
	}
	if a.Exporter.Strategy == "" {
		a.Exporter.Strategy = StrategyOne
	}
	if a.Exporter.PullItems <= 0 {
		a.Exporter.PullItems = 1
	}
	if a.Exporter.Timeout <= 0 {
		a.Exporter.Timeout = 30 * time.Second
	}
	if a.Importer.Kind == "" {
		a.Importer.Kind = KindLocal
		if len(a.Importer.Endpoints) > 0 || len(a.Importer.QueueEndpoints) > 0 {
			a.Importer.Kind = KindRemote
		}
	}
	if a.Importer.Strategy == "" {
		a.Importer.Strategy = StrategyAll
	}
	if a.Importer.Timeout <= 0 {
		a.Importer.Timeout = 30 * time.Second
	}
}

// Validate reports every problem found in the topology.
func (t *Topology) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, apperrors.Validation(field, fmt.Sprintf(format, args...)))
	}

	agents := map[string]bool{}
	for i, a := range t.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if a.Name == "" {
			add(field+".name", "%s: name is required", field)
			continue
		}
		if agents[a.Name] {
			add(field+".name", "duplicate agent %q", a.Name)
		}
		agents[a.Name] = true
		for _, r := range a.AllowedRequests {
			if !slices.Contains(requestTypes, r) {
				add(field+".allowedRequests", "agent %q: unknown request type %q", a.Name, r)
			}
		}
		for _, root := range a.AllowedRoots {
			if !strings.HasPrefix(root, "/") {
				add(field+".allowedRoots", "agent %q: root %q must be absolute", a.Name, root)
			}
		}
		if !slices.Contains([]string{AuthorizationAllowAll, AuthorizationPrincipalRoots}, a.Authorization) {
			add(field+".authorization", "agent %q: unknown authorization %q", a.Name, a.Authorization)
		}
		if !slices.Contains([]string{ProviderMemory, ProviderSQLite, ProviderRedis}, a.Queue.Provider) {
			add(field+".queue.provider", "agent %q: unknown queue provider %q", a.Name, a.Queue.Provider)
		}
		if a.Queue.Provider != ProviderMemory && a.Queue.DSN == "" {
			add(field+".queue.dsn", "agent %q: %s queue provider requires dsn", a.Name, a.Queue.Provider)
		}
		if !slices.Contains([]string{DispatchSingle, DispatchPriority, DispatchMultiple}, a.Queue.Dispatch) {
			add(field+".queue.dispatch", "agent %q: unknown dispatch strategy %q", a.Name, a.Queue.Dispatch)
		}
		if a.Queue.Dispatch == DispatchMultiple && len(a.Queue.Names) == 0 {
			add(field+".queue.names", "agent %q: multiple dispatch requires queue names", a.Name)
		}
		if a.Queue.MaxRetries != nil && *a.Queue.MaxRetries < 0 {
			add(field+".queue.maxRetries", "agent %q: maxRetries must not be negative", a.Name)
		}
		if !slices.Contains([]string{"", "exponential", "constant"}, strings.ToLower(a.Queue.Backoff.Strategy)) {
			add(field+".queue.backoff.strategy", "agent %q: unknown backoff strategy %q", a.Name, a.Queue.Backoff.Strategy)
		}
		errs = append(errs, validateEndpoints(field+".exporter", a.Exporter.EndpointsConfig)...)
		errs = append(errs, validateEndpoints(field+".importer", a.Importer.EndpointsConfig)...)
		switch a.Exporter.Kind {
		case KindLocal:
		case KindRemote:
			if len(a.Exporter.Endpoints) == 0 {
				add(field+".exporter.endpoints", "agent %q: remote exporter requires endpoints", a.Name)
			}
		default:
			add(field+".exporter.kind", "agent %q: unknown exporter kind %q", a.Name, a.Exporter.Kind)
		}
		switch a.Importer.Kind {
		case KindLocal, KindNone:
		case KindRemote:
			if len(a.Importer.Endpoints) == 0 && len(a.Importer.QueueEndpoints) == 0 {
				add(field+".importer.endpoints", "agent %q: remote importer requires endpoints", a.Name)
			}
		default:
			add(field+".importer.kind", "agent %q: unknown importer kind %q", a.Name, a.Importer.Kind)
		}
	}

	triggers := map[string]bool{}
	for i, tr := range t.Triggers {
		field := fmt.Sprintf("triggers[%d]", i)
		if tr.Name == "" {
			add(field+".name", "%s: name is required", field)
			continue
		}
		if triggers[tr.Name] {
			add(field+".name", "duplicate trigger %q", tr.Name)
		}
		triggers[tr.Name] = true
		if !slices.Contains(requestTypes, tr.Action) {
			add(field+".action", "trigger %q: unknown action %q", tr.Name, tr.Action)
		}
		switch tr.Kind {
		case KindScheduled, KindResource, KindChain:
			if tr.Path == "" && tr.Action != "PULL" && tr.Action != "TEST" {
				add(field+".path", "trigger %q: path is required", tr.Name)
			}
		case KindRemote:
			if tr.Endpoint == "" {
				add(field+".endpoint", "trigger %q: endpoint is required", tr.Name)
			}
		default:
			add(field+".kind", "trigger %q: unknown kind %q", tr.Name, tr.Kind)
		}
	}
	for i, a := range t.Agents {
		for _, name := range a.Triggers {
			if !triggers[name] {
				add(fmt.Sprintf("agents[%d].triggers", i), "agent %q: unknown trigger %q", a.Name, name)
			}
		}
	}

	exporters := map[string]bool{}
	for i, e := range t.Exporters {
		field := fmt.Sprintf("exporters[%d]", i)
		if e.Name == "" || exporters[e.Name] {
			add(field+".name", "%s: missing or duplicate name %q", field, e.Name)
		}
		exporters[e.Name] = true
		switch e.Kind {
		case KindLocal:
		case KindAgent:
			if !agents[e.Agent] {
				add(field+".agent", "exporter %q: unknown agent %q", e.Name, e.Agent)
			}
		default:
			add(field+".kind", "exporter %q: unknown kind %q", e.Name, e.Kind)
		}
	}
	importers := map[string]bool{}
	for i, im := range t.Importers {
		field := fmt.Sprintf("importers[%d]", i)
		if im.Name == "" || importers[im.Name] {
			add(field+".name", "%s: missing or duplicate name %q", field, im.Name)
		}
		importers[im.Name] = true
		if im.Kind != KindLocal {
			add(field+".kind", "importer %q: unknown kind %q", im.Name, im.Kind)
		}
	}

	for i, w := range t.Webhooks {
		if w.URL == "" {
			add(fmt.Sprintf("webhooks[%d].url", i), "webhooks[%d]: url is required", i)
		}
	}
	for i, u := range t.Auth.Users {
		if u.Name == "" || u.Password == "" {
			add(fmt.Sprintf("auth.users[%d]", i), "auth.users[%d]: name and password are required", i)
		}
	}
	return errors.Join(errs...)
}

func validateEndpoints(field string, e EndpointsConfig) []error {
	var errs []error
	if e.Strategy != StrategyAll && e.Strategy != StrategyOne {
		errs = append(errs, apperrors.Validation(field+".strategy",
			fmt.Sprintf("%s: strategy must be %s or %s, got %q", field, StrategyAll, StrategyOne, e.Strategy)))
	}
	for _, ep := range e.Endpoints {
		if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
			errs = append(errs, apperrors.Validation(field+".endpoints",
				fmt.Sprintf("%s: endpoint %q must be an http(s) URL", field, ep)))
		}
	}
	return errs
}

func ptr[T any](v T) *T { return &v }
