// Package agent orchestrates distribution: it authorizes a request, exports
// packages, dispatches them to queues and drives queue consumption into an
// importer.
package agent

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/dispatching"
	"distribution/internal/distribution"
	"distribution/internal/event"
	"distribution/internal/exporter"
	"distribution/internal/importer"
	"distribution/internal/queue"
	"distribution/internal/trigger"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Config holds the request policy of an agent.
type Config struct {
	Name            string
	AllowedRequests []distribution.RequestType // empty: every type
	AllowedRoots    []string                   // empty: every path
	Passive         bool                       // queue only, never process
	PassiveQueues   []string                   // queues left for pull exporters
	SyncTimeout     time.Duration              // wait for delivery in Execute when positive
	Processing      queue.ProcessorConfig
}

// Releaser drops a queue's hold on a shared package.
type Releaser interface {
	ReleaseOrDelete(pkg distribution.Package, queue string) (bool, error)
}

// MetricsRecorder is an optional interface for recording agent metrics.
type MetricsRecorder interface {
	RecordAgentRequest(ctx context.Context, agent, state string, durationSeconds float64)
	RecordPackageExported(ctx context.Context, agent string, sizeBytes int64)
}

// Components are the collaborators an agent is built from.
type Components struct {
	Exporter      exporter.Exporter
	Importer      importer.Importer // required unless every queue is passive
	Authorization Authorization     // default: AllowAll
	Provider      queue.Provider
	Strategy      dispatching.Strategy
	Packages      Releaser // nil: packages are deleted after processing
	Events        event.Publisher
	Metrics       MetricsRecorder
	QueueMetrics  queue.MetricsRecorder
	Triggers      []trigger.Trigger
}

// Agent is a distribution agent. It is safe for concurrent use.
type Agent struct {
	cfg     Config
	c       Components
	logger  *slog.Logger
	tracker *tracker
	handler trigger.Handler

	mu        sync.Mutex
	enabled   bool
	processor *queue.Processor
	triggers  []trigger.Trigger
}

// New creates a disabled agent.
func New(cfg Config, c Components) (*Agent, error) {
	if cfg.Name == "" {
		return nil, apperrors.Validation("name", "agent name is required")
	}
	if c.Exporter == nil || c.Provider == nil || c.Strategy == nil {
		return nil, apperrors.Validation("agent", fmt.Sprintf("agent %s requires an exporter, a queue provider and a dispatching strategy", cfg.Name))
	}
	if c.Authorization == nil {
		c.Authorization = AllowAll{}
	}
	if c.Events == nil {
		c.Events = event.Discard{}
	}

	a := &Agent{
		cfg:      cfg,
		c:        c,
		logger:   slog.With("component", "agent", "agent", cfg.Name),
		tracker:  newTracker(),
		triggers: slices.Clone(c.Triggers),
	}
	if c.Importer == nil && len(a.activeQueues()) > 0 {
		return nil, apperrors.Validation("importer", fmt.Sprintf("agent %s processes queues and requires an importer", cfg.Name))
	}

	onDone := cfg.Processing.OnDone
	a.cfg.Processing.OnDone = func(o queue.Outcome) {
		a.onDone(o)
		if onDone != nil {
			onDone(o)
		}
	}
	a.handler = trigger.HandlerFunc(a.handle)
	return a, nil
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.cfg.Name }

// Execute runs req through authorization, export and dispatch. Requests the
// agent does not accept yield a DROPPED response; authorization failures an
// ERROR response together with a forbidden error. With a sync timeout the
// call waits for queued items to be delivered.
func (a *Agent) Execute(ctx context.Context, req *distribution.Request) (*distribution.Response, error) {
	start := time.Now()
	resp, err := a.run(ctx, req, a.cfg.SyncTimeout)
	a.recordRequest(ctx, resp, err, start)
	return resp, err
}

// Send executes req in the background. The channel yields the final
// response once every queued item reached a terminal state or ctx is done.
func (a *Agent) Send(ctx context.Context, req *distribution.Request) <-chan *distribution.Response {
	ch := make(chan *distribution.Response, 1)
	go func() {
		defer close(ch)
		start := time.Now()
		resp, err := a.run(ctx, req, -1)
		a.recordRequest(ctx, resp, err, start)
		if resp == nil {
			resp = distribution.NewResponse(distribution.StateError, err.Error())
		}
		ch <- resp
	}()
	return ch
}

// run executes req. wait > 0 bounds the wait for delivery, wait < 0 waits
// until ctx is done and wait == 0 does not wait.
func (a *Agent) run(ctx context.Context, req *distribution.Request, wait time.Duration) (*distribution.Response, error) {
	if !a.Enabled() {
		return nil, apperrors.Unavailable("agent", a.cfg.Name+" is disabled")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	logger := a.logger.With("action", req.Type, "paths", req.Paths)

	if reason := a.reject(req); reason != "" {
		logger.Info("Request dropped", "reason", reason)
		return distribution.NewResponse(distribution.StateDropped, reason), nil
	}
	if err := a.c.Authorization.Authorize(ctx, req); err != nil {
		logger.Warn("Request not authorized", "error", err)
		if !errors.Is(err, apperrors.ErrForbidden) {
			err = apperrors.Forbidden(err.Error())
		}
		return distribution.NewResponse(distribution.StateError, err.Error()), err
	}

	track := wait != 0
	var watched []pending
	agg := exporter.NewAggregator(func(ctx context.Context, pkg distribution.Package) ([]distribution.ResponseItem, error) {
		var w *waiter
		if track {
			w = a.tracker.watch(pkg.ID())
		}
		items, err := a.dispatch(ctx, pkg)
		if err != nil && len(items) == 0 {
			items = []distribution.ResponseItem{{PackageID: pkg.ID(), State: distribution.StateError, Message: err.Error()}}
		}
		if w != nil {
			watched = append(watched, pending{id: pkg.ID(), waiter: w, items: items})
		}
		return items, err
	})
	defer func() {
		for _, p := range watched {
			a.tracker.forget(p.id)
		}
	}()

	if err := a.c.Exporter.ExportPackages(ctx, req, agg); err != nil {
		logger.Error("Export failed", "error", err)
		return &distribution.Response{
			State:   distribution.StateError,
			Message: "export failed: " + err.Error(),
			Items:   agg.Items(),
		}, nil
	}
	if agg.Count() == 0 {
		logger.Info("Nothing exported")
		return distribution.NewResponse(distribution.StateError, "no packages exported"), nil
	}
	if a.c.Metrics != nil {
		a.c.Metrics.RecordPackageExported(ctx, a.cfg.Name, agg.Size())
	}

	items := agg.Items()
	if track {
		items = a.await(ctx, watched, wait)
	}
	resp := distribution.Aggregate(items)
	logger.Info("Request executed", "state", resp.State, "packages", agg.Count(), "bytes", agg.Size(), "message", resp.Message)
	return resp, nil
}

type pending struct {
	id     string
	waiter *waiter
	items  []distribution.ResponseItem
}

// await waits for the outcomes of items still queued in processed queues
// and returns every item with its latest state.
func (a *Agent) await(ctx context.Context, watched []pending, wait time.Duration) []distribution.ResponseItem {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	var all []distribution.ResponseItem
	for _, p := range watched {
		items := slices.Clone(p.items)
		n := 0
		for _, it := range items {
			if a.awaits(it) {
				n++
			}
		}
		if n > 0 {
			for _, o := range p.waiter.wait(ctx, n) {
				for i := range items {
					if items[i].Queue == o.Queue && items[i].ItemID == o.Item.ID {
						items[i].State = o.Status.State.RequestState()
						if o.Err != nil {
							items[i].Message = o.Err.Error()
						}
					}
				}
			}
		}
		all = append(all, items...)
	}
	return all
}

func (a *Agent) awaits(it distribution.ResponseItem) bool {
	pendingState := it.State == distribution.StateQueued || it.State == distribution.StateActive
	return pendingState && slices.Contains(a.activeQueues(), it.Queue)
}

// dispatch enqueues one exported package and maps the queue statuses to
// response items.
func (a *Agent) dispatch(ctx context.Context, pkg distribution.Package) ([]distribution.ResponseItem, error) {
	a.c.Events.Publish(event.ForPackage(event.TopicPackageCreated, "agent", a.cfg.Name, pkg))

	statuses, err := a.c.Strategy.Add(ctx, pkg, a.c.Provider)
	items := make([]distribution.ResponseItem, 0, len(statuses))
	for _, st := range statuses {
		items = append(items, distribution.ResponseItem{
			PackageID: pkg.ID(),
			Queue:     st.Queue,
			ItemID:    st.ItemID,
			State:     st.State.RequestState(),
			Message:   st.LastError,
		})
	}
	if err != nil {
		a.logger.Error("Dispatch failed", "package_id", pkg.ID(), "error", err)
		if a.c.Packages == nil {
			if derr := pkg.Delete(); derr != nil {
				a.logger.Warn("Failed to delete undispatched package", "package_id", pkg.ID(), "error", derr)
			}
		}
		return items, err
	}

	for _, st := range statuses {
		if st.State != queue.ItemQueued {
			continue
		}
		ev := event.ForPackage(event.TopicPackageQueued, "agent", a.cfg.Name, pkg)
		ev.Queue = st.Queue
		a.c.Events.Publish(ev)
		a.wake(st.Queue)
	}
	return items, nil
}

// processItem delivers one queue entry to the importer. A package that no
// longer exists counts as processed so the queue does not stall on it.
func (a *Agent) processItem(ctx context.Context, queueName string, entry *queue.Entry) error {
	logger := a.logger.With("queue", queueName, "item_id", entry.Item.ID, "package_id", entry.Item.PackageID)
	pkg, err := a.c.Exporter.GetPackage(ctx, entry.Item.PackageID)
	if err != nil {
		return apperrors.Export("load package "+entry.Item.PackageID, err)
	}
	if pkg == nil {
		logger.Warn("Package not found, removing item")
		return nil
	}
	defer pkg.Close()

	pkg.Info().Fill(entry.Item.Info)
	pkg.Info()[distribution.InfoQueue] = queueName
	if err := a.c.Importer.ImportPackage(ctx, pkg); err != nil {
		return err
	}

	a.release(pkg, queueName)
	ev := event.ForPackage(event.TopicPackageDistributed, "agent", a.cfg.Name, pkg)
	ev.Queue = queueName
	a.c.Events.Publish(ev)
	logger.Info("Package distributed")
	return nil
}

// onDone releases dropped packages before waiters learn the outcome.
func (a *Agent) onDone(o queue.Outcome) {
	defer a.tracker.notify(o)
	if o.Status.State != queue.ItemDropped {
		return
	}

	ctx := context.Background()
	ev := event.Event{
		Topic:     event.TopicPackageDropped,
		Kind:      "agent",
		Component: a.cfg.Name,
		PackageID: o.Item.PackageID,
		Action:    o.Item.Info.RequestType(),
		Paths:     o.Item.Info.Paths(),
		Queue:     o.Queue,
	}
	if o.Err != nil {
		ev.Message = o.Err.Error()
	}
	a.c.Events.Publish(ev)

	pkg, err := a.c.Exporter.GetPackage(ctx, o.Item.PackageID)
	if err != nil || pkg == nil {
		return
	}
	defer pkg.Close()
	a.release(pkg, o.Queue)
}

func (a *Agent) release(pkg distribution.Package, queueName string) {
	var err error
	if a.c.Packages != nil {
		_, err = a.c.Packages.ReleaseOrDelete(pkg, queueName)
	} else {
		err = pkg.Delete()
	}
	if err != nil {
		a.logger.Warn("Failed to release package", "package_id", pkg.ID(), "queue", queueName, "error", err)
	}
}

// reject returns why req is not accepted, or "" when it is.
func (a *Agent) reject(req *distribution.Request) string {
	if req.Type == distribution.RequestTest {
		return ""
	}
	if len(a.cfg.AllowedRequests) > 0 && !slices.Contains(a.cfg.AllowedRequests, req.Type) {
		return "request type not accepted"
	}
	if len(a.cfg.AllowedRoots) > 0 && req.Type.HasPaths() {
		for _, p := range req.Paths {
			if !slices.ContainsFunc(a.cfg.AllowedRoots, func(root string) bool { return distribution.IsUnder(p, root) }) {
				return "path " + p + " is not under an allowed root"
			}
		}
	}
	return ""
}

// QueueNames lists the queues of this agent.
func (a *Agent) QueueNames() []string {
	return a.c.Strategy.QueueNames()
}

// GetQueue returns the named queue, or nil when the agent has no queue of
// that name. The empty name selects the default queue.
func (a *Agent) GetQueue(ctx context.Context, name string) (queue.Queue, error) {
	if name == "" {
		name = dispatching.DefaultQueueName
	}
	if !slices.Contains(a.QueueNames(), name) {
		return nil, nil
	}
	return a.c.Provider.GetQueue(ctx, name)
}

// State summarizes the agent: PAUSED for a passive agent with an importer,
// BLOCKED when a queue is blocked, RUNNING when a queue has items and IDLE
// otherwise.
func (a *Agent) State(ctx context.Context) (queue.State, error) {
	if a.cfg.Passive && a.c.Importer != nil {
		return queue.StatePaused, nil
	}
	running := false
	for _, name := range a.QueueNames() {
		q, err := a.c.Provider.GetQueue(ctx, name)
		if err != nil {
			return "", err
		}
		st, err := q.State(ctx)
		if err != nil {
			return "", err
		}
		switch st {
		case queue.StateBlocked:
			return queue.StateBlocked, nil
		case queue.StateRunning:
			running = true
		}
	}
	if running {
		return queue.StateRunning, nil
	}
	return queue.StateIdle, nil
}

// Enabled reports whether the agent accepts requests.
func (a *Agent) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Enable starts queue processing for the non-passive queues and registers
// the agent with its triggers.
func (a *Agent) Enable() error {
	a.mu.Lock()
	if a.enabled {
		a.mu.Unlock()
		return nil
	}
	if active := a.activeQueues(); len(active) > 0 {
		p := queue.NewProcessor(a.cfg.Name, a.c.Provider, a.processItem, a.cfg.Processing, a.c.QueueMetrics)
		if err := p.Start(active...); err != nil {
			a.mu.Unlock()
			return err
		}
		a.processor = p
	}
	a.enabled = true
	triggers := slices.Clone(a.triggers)
	a.mu.Unlock()

	// Triggers may call back into the agent, so they are registered
	// without holding the lock.
	for _, t := range triggers {
		if err := t.Register(a.handler); err != nil {
			a.logger.Warn("Failed to register with trigger", "error", err)
		}
	}
	a.logger.Info("Agent enabled", "queues", a.QueueNames(), "passive", a.cfg.Passive)
	return nil
}

// Disable unregisters from triggers and stops queue processing, waiting for
// in-flight deliveries under the ctx deadline.
func (a *Agent) Disable(ctx context.Context) error {
	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return nil
	}
	a.enabled = false
	triggers := slices.Clone(a.triggers)
	p := a.processor
	a.processor = nil
	a.mu.Unlock()

	for _, t := range triggers {
		if err := t.Unregister(a.handler); err != nil {
			a.logger.Warn("Failed to unregister from trigger", "error", err)
		}
	}
	var err error
	if p != nil {
		err = p.Close(ctx)
	}
	a.logger.Info("Agent disabled")
	return err
}

// Stats returns the counters of the current queue processor.
func (a *Agent) Stats() queue.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.processor == nil {
		return queue.Stats{}
	}
	return a.processor.Stats()
}

// RequestHandler returns the handler the agent registers with triggers.
// The same value is returned on every call.
func (a *Agent) RequestHandler() trigger.Handler {
	return a.handler
}

// EnableTrigger adds t to the agent's triggers, registering with it right
// away when the agent is enabled.
func (a *Agent) EnableTrigger(t trigger.Trigger) error {
	a.mu.Lock()
	if slices.Contains(a.triggers, t) {
		a.mu.Unlock()
		return nil
	}
	a.triggers = append(a.triggers, t)
	enabled := a.enabled
	a.mu.Unlock()

	if enabled {
		return t.Register(a.handler)
	}
	return nil
}

// DisableTrigger removes t from the agent's triggers.
func (a *Agent) DisableTrigger(t trigger.Trigger) error {
	a.mu.Lock()
	i := slices.Index(a.triggers, t)
	if i < 0 {
		a.mu.Unlock()
		return nil
	}
	a.triggers = slices.Delete(a.triggers, i, i+1)
	enabled := a.enabled
	a.mu.Unlock()

	if enabled {
		return t.Unregister(a.handler)
	}
	return nil
}

func (a *Agent) handle(ctx context.Context, req *distribution.Request) {
	resp, err := a.Execute(ctx, req)
	if err != nil {
		a.logger.Warn("Triggered request failed", "request", req.String(), "error", err)
		return
	}
	a.logger.Debug("Triggered request executed", "request", req.String(), "state", resp.State)
}

func (a *Agent) activeQueues() []string {
	if a.cfg.Passive {
		return nil
	}
	var active []string
	for _, name := range a.c.Strategy.QueueNames() {
		if !slices.Contains(a.cfg.PassiveQueues, name) {
			active = append(active, name)
		}
	}
	return active
}

func (a *Agent) wake(queueName string) {
	a.mu.Lock()
	p := a.processor
	a.mu.Unlock()
	if p != nil {
		p.Wake(queueName)
	}
}

func (a *Agent) recordRequest(ctx context.Context, resp *distribution.Response, err error, start time.Time) {
	if a.c.Metrics == nil {
		return
	}
	state := string(distribution.StateError)
	if resp != nil {
		state = string(resp.State)
	} else if errors.Is(err, apperrors.ErrUnavailable) {
		state = "UNAVAILABLE"
	}
	a.c.Metrics.RecordAgentRequest(ctx, a.cfg.Name, state, time.Since(start).Seconds())
}
