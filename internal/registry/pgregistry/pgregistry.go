// Package pgregistry stores task leases in PostgreSQL. Expiry is evaluated
// against the database clock, so nodes with skewed clocks still agree on
// whether a lease is alive.
package pgregistry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/task_relay/internal/registry"
)

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS task_relay;
CREATE TABLE IF NOT EXISTS task_relay.leases (
	registry   text        NOT NULL,
	task_id    text        NOT NULL,
	node_id    text        NOT NULL,
	expires_at timestamptz NOT NULL,
	PRIMARY KEY (registry, task_id)
);
CREATE INDEX IF NOT EXISTS idx_leases_expires_at ON task_relay.leases (expires_at);`

// Registry is a registry.Registry over a shared pgx pool. Several
// registries (different names) can live in the same table.
type Registry struct {
	pool *pgxpool.Pool
	name string
}

var _ registry.Registry = (*Registry)(nil)

// New returns a registry named name. The pool stays owned by the caller.
func New(pool *pgxpool.Pool, name string) (*Registry, error) {
	if pool == nil {
		return nil, errors.New("pgregistry: pool is required")
	}
	if name == "" {
		return nil, errors.New("pgregistry: registry name is required")
	}
	return &Registry{pool: pool, name: name}, nil
}

// EnsureSchema creates the lease table if it does not exist
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	// No arguments: pgx sends it over the simple protocol, so the
	// multi-statement script is accepted
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create lease schema: %w", err)
	}
	return nil
}

func ttlMillis(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

func (r *Registry) Has(ctx context.Context, taskID string) (bool, error) {
	owner, err := r.Owner(ctx, taskID)
	return owner != "", err
}

func (r *Registry) Register(ctx context.Context, taskID, nodeID string, ttl time.Duration) error {
	if ttl <= 0 {
		return registry.ErrInvalidTTL
	}
	// The conflict branch only fires on an expired row, so the insert is the
	// whole check-and-set
	ct, err := r.pool.Exec(ctx, `
		INSERT INTO task_relay.leases(registry, task_id, node_id, expires_at)
		VALUES ($1, $2, $3, now() + $4::bigint * interval '1 millisecond')
		ON CONFLICT (registry, task_id) DO UPDATE
		SET node_id = EXCLUDED.node_id, expires_at = EXCLUDED.expires_at
		WHERE task_relay.leases.expires_at <= now()`,
		r.name, taskID, nodeID, ttlMillis(ttl),
	)
	if err != nil {
		return fmt.Errorf("register lease: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return registry.ErrLeaseExists
	}
	return nil
}

func (r *Registry) Renew(ctx context.Context, taskID, nodeID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, registry.ErrInvalidTTL
	}
	ct, err := r.pool.Exec(ctx, `
		UPDATE task_relay.leases
		SET expires_at = now() + $4::bigint * interval '1 millisecond'
		WHERE registry = $1 AND task_id = $2 AND node_id = $3 AND expires_at > now()`,
		r.name, taskID, nodeID, ttlMillis(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Registry) Remove(ctx context.Context, taskID, nodeID string) (bool, error) {
	var live int64
	err := r.pool.QueryRow(ctx, `
		WITH removed AS (
			DELETE FROM task_relay.leases
			WHERE registry = $1 AND task_id = $2 AND node_id = $3
			RETURNING expires_at
		)
		SELECT count(*) FROM removed WHERE expires_at > now()`,
		r.name, taskID, nodeID,
	).Scan(&live)
	if err != nil {
		return false, fmt.Errorf("remove lease: %w", err)
	}
	return live > 0, nil
}

func (r *Registry) Owner(ctx context.Context, taskID string) (string, error) {
	var owner string
	err := r.pool.QueryRow(ctx, `
		SELECT node_id FROM task_relay.leases
		WHERE registry = $1 AND task_id = $2 AND expires_at > now()`,
		r.name, taskID,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease owner: %w", err)
	}
	return owner, nil
}

// PurgeExpired deletes expired rows of this registry. Reads already ignore
// them; this only keeps the table small.
func (r *Registry) PurgeExpired(ctx context.Context) (int64, error) {
	ct, err := r.pool.Exec(ctx, `
		DELETE FROM task_relay.leases
		WHERE registry = $1 AND expires_at <= now()`,
		r.name,
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired leases: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (r *Registry) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close is a no-op: the pool is shared with other components
func (r *Registry) Close() error {
	return nil
}
