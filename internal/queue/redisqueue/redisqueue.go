// Package redisqueue keeps distribution queues in Redis so that several
// service instances can share them.
//
// Each queue is a list of item ids at <prefix>:q:<queue> plus one hash per
// item at <prefix>:item:<queue>:<id>. Queue names are kept in the set
// <prefix>:queues. The prefix is "distribution:<agent>".
package redisqueue

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/internal/queue"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxTxAttempts = 10

// Dial connects to the Redis server at url (redis://host:port/db) and
// returns a provider for agent.
func Dial(ctx context.Context, url, agent string) (*Provider, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperrors.Validation("dsn", fmt.Sprintf("invalid redis url: %v", err))
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(client, agent), nil
}

// Provider implements queue.Provider over a Redis client.
type Provider struct {
	client *redis.Client
	prefix string
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ queue.Provider = (*Provider)(nil)

// New creates a provider for agent. The provider takes ownership of client.
func New(client *redis.Client, agent string) *Provider {
	return &Provider{
		client: client,
		prefix: "distribution:" + agent,
		now:    time.Now,
		locks:  map[string]*sync.Mutex{},
	}
}

func (p *Provider) queuesKey() string { return p.prefix + ":queues" }

// GetQueue implements queue.Provider.
func (p *Provider) GetQueue(ctx context.Context, name string) (queue.Queue, error) {
	if err := queue.ValidateName(name); err != nil {
		return nil, err
	}
	p.mu.Lock()
	lock, ok := p.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[name] = lock
	}
	p.mu.Unlock()

	if !ok {
		if err := p.client.SAdd(ctx, p.queuesKey(), name).Err(); err != nil {
			return nil, apperrors.Unavailable("queue provider", err.Error())
		}
	}
	return &Queue{p: p, name: name, mu: lock}, nil
}

// Queues implements queue.Provider.
func (p *Provider) Queues(ctx context.Context) ([]string, error) {
	names, err := p.client.SMembers(ctx, p.queuesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

// Ping implements queue.Provider.
func (p *Provider) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return apperrors.Unavailable("queue provider", err.Error())
	}
	return nil
}

// Close implements queue.Provider.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Queue is one Redis-backed queue. Handles from the same provider share a
// lock; WATCH transactions keep concurrent instances consistent.
type Queue struct {
	p    *Provider
	name string
	mu   *sync.Mutex
}

var _ queue.Queue = (*Queue)(nil)

func (q *Queue) listKey() string { return q.p.prefix + ":q:" + q.name }

func (q *Queue) itemKey(id string) string { return q.p.prefix + ":item:" + q.name + ":" + id }

// Name implements queue.Queue.
func (q *Queue) Name() string { return q.name }

// Add implements queue.Queue.
func (q *Queue) Add(ctx context.Context, item queue.Item) (queue.ItemStatus, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := q.p.now().UTC()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	info, err := json.Marshal(item.Info)
	if err != nil {
		return queue.ItemStatus{}, fmt.Errorf("marshal item info: %w", err)
	}
	st := queue.ItemStatus{
		ItemID:     item.ID,
		Queue:      q.name,
		State:      queue.ItemQueued,
		EnqueuedAt: item.EnqueuedAt,
		UpdatedAt:  now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := q.itemKey(item.ID)
	err = q.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return apperrors.Conflict("queue item", item.ID, "queue item "+item.ID+" already exists")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"package_id":  item.PackageID,
				"info":        string(info),
				"enqueued_at": formatTime(item.EnqueuedAt),
			})
			pipe.HSet(ctx, key, statusFields(st))
			pipe.RPush(ctx, q.listKey(), item.ID)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return queue.ItemStatus{}, err
	}
	return st, nil
}

// Head implements queue.Queue.
func (q *Queue) Head(ctx context.Context) (*queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		id, err := q.p.client.LIndex(ctx, q.listKey(), 0).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read queue head: %w", err)
		}
		e, err := q.load(ctx, q.p.client, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			return e, nil
		}
		// Drop ids whose item hash is gone.
		if err := q.p.client.LRem(ctx, q.listKey(), 1, id).Err(); err != nil {
			return nil, fmt.Errorf("remove orphan id: %w", err)
		}
	}
}

// Get implements queue.Queue.
func (q *Queue) Get(ctx context.Context, id string) (*queue.Entry, error) {
	return q.load(ctx, q.p.client, id)
}

// Remove implements queue.Queue.
func (q *Queue) Remove(ctx context.Context, id string) (*queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed *queue.Entry
	key := q.itemKey(id)
	err := q.watch(ctx, func(tx *redis.Tx) error {
		e, err := q.load(ctx, tx, id)
		if err != nil || e == nil {
			removed = nil
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.listKey(), 1, id)
			pipe.Del(ctx, key)
			return nil
		})
		removed = e
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Status implements queue.Queue.
func (q *Queue) Status(ctx context.Context, id string) (queue.ItemStatus, error) {
	e, err := q.Get(ctx, id)
	if err != nil {
		return queue.ItemStatus{}, err
	}
	if e == nil {
		return queue.ItemStatus{}, apperrors.NotFound("queue item", id)
	}
	return e.Status, nil
}

// Transition implements queue.Queue.
func (q *Queue) Transition(ctx context.Context, id string, to queue.ItemState, cause error) (queue.ItemStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var st queue.ItemStatus
	key := q.itemKey(id)
	err := q.watch(ctx, func(tx *redis.Tx) error {
		e, err := q.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if e == nil {
			return apperrors.NotFound("queue item", id)
		}
		st, err = e.Status.Next(to, cause, q.p.now().UTC())
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, statusFields(st))
			return nil
		})
		return err
	}, key)
	if err != nil {
		return queue.ItemStatus{}, err
	}
	return st, nil
}

// List implements queue.Queue.
func (q *Queue) List(ctx context.Context, offset, limit int) ([]queue.Entry, error) {
	if offset < 0 {
		offset = 0
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := q.p.client.LRange(ctx, q.listKey(), int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = q.p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, q.itemKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load queue items: %w", err)
	}

	entries := make([]queue.Entry, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		e, err := q.decode(ids[i], fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

// Len implements queue.Queue.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.p.client.LLen(ctx, q.listKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count queue items: %w", err)
	}
	return int(n), nil
}

// State implements queue.Queue.
func (q *Queue) State(ctx context.Context) (queue.State, error) {
	head, err := q.Head(ctx)
	if err != nil {
		return "", err
	}
	return queue.StateOf(head), nil
}

// watch runs fn in an optimistic transaction on keys, retrying when another
// client changed them first.
func (q *Queue) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxAttempts; i++ {
		err := q.p.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return apperrors.Unavailable("queue "+q.name, "too much contention")
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (q *Queue) load(ctx context.Context, r hashReader, id string) (*queue.Entry, error) {
	fields, err := r.HGetAll(ctx, q.itemKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load queue item %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return q.decode(id, fields)
}

func (q *Queue) decode(id string, fields map[string]string) (*queue.Entry, error) {
	e := queue.Entry{Item: queue.Item{ID: id, PackageID: fields["package_id"]}}
	if raw := fields["info"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Item.Info); err != nil {
			return nil, fmt.Errorf("unmarshal item info: %w", err)
		}
	}
	if e.Item.Info == nil {
		e.Item.Info = distribution.PackageInfo{}
	}

	var err error
	if e.Item.EnqueuedAt, err = parseTime(fields["enqueued_at"]); err != nil {
		return nil, err
	}
	if e.Status.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, err
	}
	if e.Status.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return nil, fmt.Errorf("parse attempts: %w", err)
	}
	e.Status.ItemID = id
	e.Status.Queue = q.name
	e.Status.State = queue.ItemState(fields["state"])
	e.Status.LastError = fields["last_error"]
	e.Status.EnqueuedAt = e.Item.EnqueuedAt
	return &e, nil
}

func statusFields(st queue.ItemStatus) map[string]any {
	return map[string]any{
		"state":      string(st.State),
		"attempts":   st.Attempts,
		"last_error": st.LastError,
		"updated_at": formatTime(st.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
