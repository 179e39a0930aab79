// Package sqlitequeue stores distribution queues in SQLite so queued items
// survive restarts.
package sqlitequeue

import (
	"context"
	"database/sql"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"distribution/internal/queue"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open opens a SQLite database at dsn and applies pending migrations.
// Use ":memory:" for an in-memory database.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	migrator, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	if _, err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Provider implements queue.Provider over one database. Queues are keyed
// by agent so several agents can share a database.
type Provider struct {
	db    *sql.DB
	agent string
	now   func() time.Time

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	closed bool
}

var _ queue.Provider = (*Provider)(nil)

// New creates a provider for agent. The provider takes ownership of db.
func New(db *sql.DB, agent string) *Provider {
	return &Provider{
		db:    db,
		agent: agent,
		now:   time.Now,
		locks: map[string]*sync.Mutex{},
	}
}

// GetQueue implements queue.Provider.
func (p *Provider) GetQueue(ctx context.Context, name string) (queue.Queue, error) {
	if err := queue.ValidateName(name); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, apperrors.Unavailable("queue provider", "closed")
	}
	lock, ok := p.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[name] = lock
	}
	p.mu.Unlock()

	if !ok {
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO queues (agent, name) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			p.agent, name)
		if err != nil {
			return nil, fmt.Errorf("register queue %s: %w", name, err)
		}
	}
	return &Queue{p: p, name: name, mu: lock}, nil
}

// Queues implements queue.Provider.
func (p *Provider) Queues(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT name FROM queues WHERE agent = ? ORDER BY name`, p.agent)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan queue name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Ping implements queue.Provider.
func (p *Provider) Ping(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return apperrors.Unavailable("queue provider", "closed")
	}
	if err := p.db.PingContext(ctx); err != nil {
		return apperrors.Unavailable("queue provider", err.Error())
	}
	return nil
}

// Close implements queue.Provider and closes the database.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.db.Close()
}

// Queue is one named queue. Operations on the same queue are serialized by
// a per-queue lock shared by every handle from the same provider.
type Queue struct {
	p    *Provider
	name string
	mu   *sync.Mutex
}

var _ queue.Queue = (*Queue)(nil)

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

	q.mu.Lock()
	defer q.mu.Unlock()
	_, err = q.p.db.ExecContext(ctx,
		`INSERT INTO queue_items (agent, queue, id, package_id, info, state, enqueued_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.p.agent, q.name, item.ID, item.PackageID, string(info), string(queue.ItemQueued),
		formatTime(item.EnqueuedAt), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return queue.ItemStatus{}, apperrors.Conflict("queue item", item.ID, "queue item "+item.ID+" already exists")
		}
		return queue.ItemStatus{}, fmt.Errorf("insert queue item: %w", err)
	}
	return queue.ItemStatus{
		ItemID:     item.ID,
		Queue:      q.name,
		State:      queue.ItemQueued,
		EnqueuedAt: item.EnqueuedAt,
		UpdatedAt:  now,
	}, nil
}

const selectEntry = `SELECT id, package_id, info, state, attempts, last_error, enqueued_at, updated_at
	FROM queue_items WHERE agent = ? AND queue = ?`

// Head implements queue.Queue.
func (q *Queue) Head(ctx context.Context) (*queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	row := q.p.db.QueryRowContext(ctx, selectEntry+` ORDER BY seq LIMIT 1`, q.p.agent, q.name)
	return q.scanOptional(row)
}

// Get implements queue.Queue.
func (q *Queue) Get(ctx context.Context, id string) (*queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.get(ctx, q.p.db, id)
}

func (q *Queue) get(ctx context.Context, db querier, id string) (*queue.Entry, error) {
	row := db.QueryRowContext(ctx, selectEntry+` AND id = ?`, q.p.agent, q.name, id)
	return q.scanOptional(row)
}

// Remove implements queue.Queue.
func (q *Queue) Remove(ctx context.Context, id string) (*queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin remove: %w", err)
	}
	defer tx.Rollback()

	e, err := q.get(ctx, tx, id)
	if err != nil || e == nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queue_items WHERE agent = ? AND queue = ? AND id = ?`,
		q.p.agent, q.name, id); err != nil {
		return nil, fmt.Errorf("delete queue item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit remove: %w", err)
	}
	return e, nil
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

	tx, err := q.p.db.BeginTx(ctx, nil)
	if err != nil {
		return queue.ItemStatus{}, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	e, err := q.get(ctx, tx, id)
	if err != nil {
		return queue.ItemStatus{}, err
	}
	if e == nil {
		return queue.ItemStatus{}, apperrors.NotFound("queue item", id)
	}
	st, err := e.Status.Next(to, cause, q.p.now().UTC())
	if err != nil {
		return st, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE queue_items SET state = ?, attempts = ?, last_error = ?, updated_at = ?
		 WHERE agent = ? AND queue = ? AND id = ?`,
		string(st.State), st.Attempts, st.LastError, formatTime(st.UpdatedAt),
		q.p.agent, q.name, id,
	)
	if err != nil {
		return queue.ItemStatus{}, fmt.Errorf("update queue item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return queue.ItemStatus{}, fmt.Errorf("commit transition: %w", err)
	}
	return st, nil
}

// List implements queue.Queue.
func (q *Queue) List(ctx context.Context, offset, limit int) ([]queue.Entry, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = -1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.p.db.QueryContext(ctx, selectEntry+` ORDER BY seq LIMIT ? OFFSET ?`,
		q.p.agent, q.name, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var entries []queue.Entry
	for rows.Next() {
		e, err := q.scan(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Len implements queue.Queue.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE agent = ? AND queue = ?`,
		q.p.agent, q.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue items: %w", err)
	}
	return n, nil
}

// State implements queue.Queue.
func (q *Queue) State(ctx context.Context) (queue.State, error) {
	head, err := q.Head(ctx)
	if err != nil {
		return "", err
	}
	return queue.StateOf(head), nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (q *Queue) scanOptional(row *sql.Row) (*queue.Entry, error) {
	e, err := q.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (q *Queue) scan(s scanner) (*queue.Entry, error) {
	var (
		e                    queue.Entry
		info, state          string
		enqueuedAt, updateAt string
	)
	err := s.Scan(&e.Item.ID, &e.Item.PackageID, &info, &state, &e.Status.Attempts,
		&e.Status.LastError, &enqueuedAt, &updateAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	if err := json.Unmarshal([]byte(info), &e.Item.Info); err != nil {
		return nil, fmt.Errorf("unmarshal item info: %w", err)
	}
	if e.Item.Info == nil {
		e.Item.Info = distribution.PackageInfo{}
	}
	if e.Item.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, err
	}
	if e.Status.UpdatedAt, err = parseTime(updateAt); err != nil {
		return nil, err
	}
	e.Status.ItemID = e.Item.ID
	e.Status.Queue = q.name
	e.Status.State = queue.ItemState(state)
	e.Status.EnqueuedAt = e.Item.EnqueuedAt
	return &e, nil
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

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
