// Package node assembles one relay node from configuration: store
// connections, the ownership registry, the relay broker and the queue
// manager on top of them.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/austindbirch/task_relay/internal/config"
	"github.com/austindbirch/task_relay/internal/db"
	"github.com/austindbirch/task_relay/internal/health"
	"github.com/austindbirch/task_relay/internal/logging"
	"github.com/austindbirch/task_relay/internal/pubsub"
	"github.com/austindbirch/task_relay/internal/pubsub/nsqbus"
	"github.com/austindbirch/task_relay/internal/pubsub/pgnotify"
	"github.com/austindbirch/task_relay/internal/queuemanager"
	"github.com/austindbirch/task_relay/internal/registry"
	"github.com/austindbirch/task_relay/internal/registry/etcdregistry"
	"github.com/austindbirch/task_relay/internal/registry/pgregistry"
)

// connectTimeout bounds the retries for one store at startup
const connectTimeout = time.Minute

// Node owns every resource behind one Manager
type Node struct {
	Manager  *queuemanager.Manager
	Registry registry.Registry
	// Checks are the reachability probes for /healthz and gRPC health
	Checks map[string]health.Checker

	log     *logging.Logger
	stop    context.CancelFunc
	closers []func() error // run in reverse on Close
}

// Start connects to the configured stores and builds the manager
func Start(ctx context.Context, cfg config.Config, log *logging.Logger) (_ *Node, err error) {
	if log == nil {
		log = logging.New(cfg.App.Name)
	}
	nodeID := cfg.App.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	bgCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	n := &Node{Checks: map[string]health.Checker{}, log: log, stop: stop}
	defer func() {
		if err != nil {
			_ = n.Close(context.WithoutCancel(ctx))
		}
	}()

	var pool *pgxpool.Pool
	if cfg.UsesPostgres() {
		pool, err = retryConnect(ctx, log, "postgres", func() (*pgxpool.Pool, error) {
			return db.ConnectWithMaxConns(ctx, cfg.DSN(), cfg.DB.MaxConns)
		})
		if err != nil {
			return nil, err
		}
		n.addCloser(func() error { pool.Close(); return nil })
		n.Checks["postgres"] = pool
	}

	reg, err := n.openRegistry(ctx, bgCtx, cfg, pool)
	if err != nil {
		return nil, err
	}
	n.Registry = reg
	broker, err := n.openBroker(ctx, bgCtx, cfg, pool, nodeID)
	if err != nil {
		return nil, err
	}

	mgr, err := queuemanager.New(ctx, queuemanager.Options{
		Registry:      reg,
		Broker:        broker,
		ChannelPrefix: cfg.QueueManager.RelayChannelKeyPrefix,
		TTL:           cfg.QueueManager.TaskIDTTL,
		NodeID:        nodeID,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}
	n.Manager = mgr

	log.Plain().WithNode(nodeID).WithFields(map[string]any{
		"registry": cfg.QueueManager.Registry.Provider,
		"relay":    cfg.QueueManager.Relay.Provider,
		"ttl":      cfg.QueueManager.TaskIDTTL.String(),
	}).Info("relay node started")
	return n, nil
}

func (n *Node) openRegistry(ctx, bgCtx context.Context, cfg config.Config, pool *pgxpool.Pool) (registry.Registry, error) {
	qm := cfg.QueueManager
	switch qm.Registry.Provider {
	case config.ProviderPostgres:
		if err := pgregistry.EnsureSchema(ctx, pool); err != nil {
			return nil, fmt.Errorf("create lease schema: %w", err)
		}
		reg, err := pgregistry.New(pool, qm.TaskRegistryKey)
		if err != nil {
			return nil, err
		}
		n.addCloser(reg.Close)
		if qm.PurgeInterval > 0 {
			n.log.SafeGo("lease-janitor", func() {
				purgeLoop(bgCtx, reg, qm.PurgeInterval, n.log)
			})
		}
		return reg, nil

	case config.ProviderEtcd:
		client, err := retryConnect(ctx, n.log, "etcd", func() (*etcd.Client, error) {
			c, err := etcdregistry.Dial(etcdregistry.Config{
				Endpoints:   cfg.Etcd.Endpoints,
				Username:    cfg.Etcd.Username,
				Password:    cfg.Etcd.Password,
				DialTimeout: cfg.Etcd.DialTimeout,
			}, n.log.Zap())
			if err != nil {
				return nil, err
			}
			// the etcd client dials lazily
			dialTimeout := cfg.Etcd.DialTimeout
			if dialTimeout <= 0 {
				dialTimeout = 5 * time.Second
			}
			pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()
			if _, err := c.Status(pingCtx, cfg.Etcd.Endpoints[0]); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		})
		if err != nil {
			return nil, err
		}
		n.addCloser(client.Close)
		reg, err := etcdregistry.New(client, qm.TaskRegistryKey)
		if err != nil {
			return nil, err
		}
		n.addCloser(reg.Close)
		n.Checks["etcd"] = reg
		return reg, nil

	default:
		reg := registry.NewMemory()
		n.addCloser(reg.Close)
		return reg, nil
	}
}

func (n *Node) openBroker(ctx, bgCtx context.Context, cfg config.Config, pool *pgxpool.Pool, nodeID string) (pubsub.Broker, error) {
	switch cfg.QueueManager.Relay.Provider {
	case config.ProviderPostgres:
		b, err := pgnotify.New(pool, cfg.DSN())
		if err != nil {
			return nil, err
		}
		n.addCloser(b.Close)
		return b, nil

	case config.ProviderNSQ:
		b, err := nsqbus.New(nsqbus.Config{
			NsqdTCPAddr:     cfg.NSQ.NsqdTCPAddr,
			LookupHTTPAddrs: cfg.NSQ.LookupHTTPAddrs,
			NodeID:          nodeID,
		}, n.log.Zap())
		if err != nil {
			return nil, err
		}
		n.addCloser(b.Close)
		if _, err := retryConnect(ctx, n.log, "nsq", func() (struct{}, error) {
			return struct{}{}, b.Ping(ctx)
		}); err != nil {
			return nil, err
		}
		n.Checks["nsq"] = b
		if cfg.NSQ.NsqdHTTPAddr != "" && cfg.NSQ.StatsInterval > 0 {
			n.log.SafeGo("nsq-backlog", func() {
				nsqbus.WatchBacklog(bgCtx, cfg.NSQ.NsqdHTTPAddr, cfg.QueueManager.RelayChannelKeyPrefix, cfg.NSQ.StatsInterval, n.log.Zap())
			})
		}
		return b, nil

	default:
		b := pubsub.NewMemoryBroker()
		n.addCloser(b.Close)
		return b, nil
	}
}

func (n *Node) addCloser(fn func() error) {
	n.closers = append(n.closers, fn)
}

// Close shuts the manager down, releasing this node's leases, then closes
// every store in reverse order of opening
func (n *Node) Close(ctx context.Context) error {
	var errs []error
	if n.Manager != nil {
		errs = append(errs, n.Manager.Shutdown(ctx))
	}
	n.stop()
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i]())
	}
	n.closers = nil
	return errors.Join(errs...)
}

func newConnectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = connectTimeout
	b.Reset()
	return backoff.WithContext(b, ctx)
}

func retryConnect[T any](ctx context.Context, log *logging.Logger, store string, fn func() (T, error)) (T, error) {
	v, err := backoff.RetryNotifyWithData(fn, newConnectBackoff(ctx), func(err error, next time.Duration) {
		log.Plain().WithError(err).WithField("store", store).WithField("retry_in", next.String()).Warn("store not reachable, retrying")
	})
	if err != nil {
		return v, fmt.Errorf("connect %s: %w", store, err)
	}
	return v, nil
}

type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// purgeLoop deletes expired lease rows; reads already ignore them
func purgeLoop(ctx context.Context, p purger, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Plain().WithError(err).Error("failed to purge expired leases")
				}
				continue
			}
			if n > 0 {
				log.Plain().WithField("purged", n).Debug("purged expired leases")
			}
		}
	}
}
