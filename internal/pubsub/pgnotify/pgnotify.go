// Package pgnotify relays messages over PostgreSQL LISTEN/NOTIFY.
//
// Publishing goes through the shared pool with pg_notify. Every subscriber
// holds one dedicated connection, because notifications are delivered to
// the session that issued LISTEN.
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/task_relay/internal/db"
	"github.com/austindbirch/task_relay/internal/pubsub"
)

const (
	// PostgreSQL truncates identifiers beyond NAMEDATALEN-1 bytes
	maxChannelLen = 63
	// NOTIFY payloads must be shorter than 8000 bytes
	maxPayloadLen = 7999

	// waitSlice bounds each WaitForNotification so LISTEN/UNLISTEN can
	// take the connection in between
	waitSlice = 250 * time.Millisecond
)

var (
	ErrChannelTooLong  = errors.New("pgnotify: channel name exceeds 63 bytes")
	ErrPayloadTooLarge = errors.New("pgnotify: payload exceeds 7999 bytes")
)

func validateChannel(channel string) error {
	if channel == "" {
		return errors.New("pgnotify: empty channel name")
	}
	if len(channel) > maxChannelLen {
		return ErrChannelTooLong
	}
	return nil
}

// Broker publishes through pool and dials dsn for each subscriber
type Broker struct {
	pool   *pgxpool.Pool
	dsn    string
	closed atomic.Bool
}

var _ pubsub.Broker = (*Broker)(nil)

func New(pool *pgxpool.Pool, dsn string) (*Broker, error) {
	if pool == nil {
		return nil, errors.New("pgnotify: pool is required")
	}
	if dsn == "" {
		return nil, errors.New("pgnotify: dsn is required")
	}
	return &Broker{pool: pool, dsn: dsn}, nil
}

func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.closed.Load() {
		return pubsub.ErrClosed
	}
	if err := validateChannel(channel); err != nil {
		return err
	}
	if len(payload) > maxPayloadLen {
		return ErrPayloadTooLarge
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (b *Broker) NewSubscriber(ctx context.Context) (pubsub.Subscriber, error) {
	if b.closed.Load() {
		return nil, pubsub.ErrClosed
	}
	conn, err := db.ConnectListener(ctx, b.dsn)
	if err != nil {
		return nil, fmt.Errorf("connect listener: %w", err)
	}
	return &subscriber{conn: conn, channels: make(map[string]struct{})}, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Close stops new publishes and subscribers. The pool belongs to the caller.
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}

type subscriber struct {
	connMu sync.Mutex // one statement at a time on conn
	conn   *pgx.Conn

	mu       sync.Mutex
	channels map[string]struct{}
	closed   atomic.Bool
}

func (s *subscriber) Subscribe(ctx context.Context, channels ...string) error {
	for _, ch := range channels {
		if err := validateChannel(ch); err != nil {
			return err
		}
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed.Load() {
		return pubsub.ErrClosed
	}
	for _, ch := range channels {
		if s.has(ch) {
			continue
		}
		if _, err := s.conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
		s.mu.Lock()
		s.channels[ch] = struct{}{}
		s.mu.Unlock()
	}
	return nil
}

func (s *subscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed.Load() {
		return pubsub.ErrClosed
	}
	for _, ch := range channels {
		if !s.has(ch) {
			continue
		}
		if _, err := s.conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("unlisten %s: %w", ch, err)
		}
		s.mu.Lock()
		delete(s.channels, ch)
		s.mu.Unlock()
	}
	return nil
}

func (s *subscriber) Receive(ctx context.Context) (pubsub.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return pubsub.Message{}, err
		}
		n, err := s.wait(ctx)
		if err != nil {
			if s.closed.Load() {
				return pubsub.Message{}, pubsub.ErrClosed
			}
			if ctx.Err() != nil {
				return pubsub.Message{}, ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return pubsub.Message{}, fmt.Errorf("wait for notification: %w", err)
		}
		// Notifications queued before an UNLISTEN can still arrive
		if !s.has(n.Channel) {
			continue
		}
		return pubsub.Message{Channel: n.Channel, Payload: []byte(n.Payload)}, nil
	}
}

func (s *subscriber) wait(ctx context.Context) (*pgconn.Notification, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed.Load() {
		return nil, pubsub.ErrClosed
	}
	waitCtx, cancel := context.WithTimeout(ctx, waitSlice)
	defer cancel()
	return s.conn.WaitForNotification(waitCtx)
}

func (s *subscriber) has(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *subscriber) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

func (s *subscriber) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.conn.Close(ctx)
}
