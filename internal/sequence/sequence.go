// Package sequence hands out per-site, per-namespace counter values.
//
// Every allocation is a single upsert that increments and returns the counter,
// so concurrent callers never observe the same value. Values are strictly
// increasing within a namespace. Gaps appear when the surrounding transaction
// rolls back.
package sequence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"opsboard/internal/domain"
)

// Allocator returns the next value for a namespace using q, which is normally
// the transaction that will also insert the task.
type Allocator interface {
	Allocate(ctx context.Context, q sqlx.ExtContext, ns domain.Namespace) (int64, error)
}

const allocateQuery = `INSERT INTO sequence_counters(site_id, namespace, last_value, updated_at) VALUES (?,?,1,?)
ON CONFLICT(site_id, namespace) DO UPDATE SET last_value = sequence_counters.last_value + 1, updated_at = excluded.updated_at
RETURNING last_value`

// SQL allocates from the sequence_counters table.
type SQL struct {
	Now func() time.Time
}

func (s SQL) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQL) Allocate(ctx context.Context, q sqlx.ExtContext, ns domain.Namespace) (int64, error) {
	if err := validate(ns); err != nil {
		return 0, err
	}
	var v int64
	ts := s.now().UTC().Format(time.RFC3339)
	if err := q.QueryRowxContext(ctx, q.Rebind(allocateQuery), ns.SiteID, ns.Key, ts).Scan(&v); err != nil {
		return 0, domain.PersistenceError{Op: "allocate " + ns.String(), Err: err}
	}
	return v, nil
}

func validate(ns domain.Namespace) error {
	if ns.SiteID == "" {
		return domain.ValidationError{Field: "site_id", Message: "site is required"}
	}
	if ns.Key == "" {
		return domain.ValidationError{Field: "namespace", Message: "namespace is required"}
	}
	return nil
}

// Store runs standalone allocations, each in its own transaction.
type Store struct {
	DB        *sqlx.DB
	Allocator Allocator
}

func NewStore(db *sqlx.DB) Store {
	return Store{DB: db, Allocator: SQL{}}
}

// Next allocates one value and commits it.
func (s Store) Next(ctx context.Context, ns domain.Namespace) (int64, error) {
	alloc := s.Allocator
	if alloc == nil {
		alloc = SQL{}
	}
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, domain.PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	v, err := alloc.Allocate(ctx, tx, ns)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, domain.PersistenceError{Op: "commit", Err: err}
	}
	return v, nil
}

// Peek returns the last value handed out for ns, or 0 when nothing was allocated yet.
func (s Store) Peek(ctx context.Context, ns domain.Namespace) (int64, error) {
	if err := validate(ns); err != nil {
		return 0, err
	}
	var v int64
	err := sqlx.GetContext(ctx, s.DB, &v, s.DB.Rebind(`SELECT last_value FROM sequence_counters WHERE site_id=? AND namespace=?`), ns.SiteID, ns.Key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, domain.PersistenceError{Op: "peek " + ns.String(), Err: err}
	}
	return v, nil
}

// Counter is one row of sequence_counters.
type Counter struct {
	SiteID    string `json:"site_id" db:"site_id"`
	Namespace string `json:"namespace" db:"namespace"`
	LastValue int64  `json:"last_value" db:"last_value"`
	UpdatedAt string `json:"updated_at" db:"updated_at"`
}

// List returns every counter of a site ordered by namespace.
func (s Store) List(ctx context.Context, siteID string) ([]Counter, error) {
	res := []Counter{}
	err := sqlx.SelectContext(ctx, s.DB, &res, s.DB.Rebind(`SELECT site_id, namespace, last_value, updated_at FROM sequence_counters WHERE site_id=? ORDER BY namespace`), siteID)
	if err != nil {
		return nil, domain.PersistenceError{Op: "list counters", Err: err}
	}
	return res, nil
}
