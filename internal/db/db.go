package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns = 10
	pingTimeout     = 5 * time.Second
)

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return ConnectWithMaxConns(ctx, dsn, defaultMaxConns)
}

// ConnectWithMaxConns is Connect with an explicit pool size; maxConns <= 0
// keeps the default
func ConnectWithMaxConns(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = defaultMaxConns
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// Ping the database to verify connection
	ctxPing, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// ConnectListener opens a dedicated connection for LISTEN. Notifications are
// delivered per session, so it must not come from the pool.
func ConnectListener(ctx context.Context, dsn string) (*pgx.Conn, error) {
	ctxConn, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return pgx.Connect(ctxConn, dsn)
}
