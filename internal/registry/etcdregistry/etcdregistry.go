// Package etcdregistry stores task leases as etcd keys bound to etcd leases.
//
// Each task key lives under "<registry>/<task id>" and is attached to its own
// etcd lease, so expiry is enforced by the etcd cluster itself. etcd lease
// TTLs have one-second granularity; shorter durations are rounded up.
package etcdregistry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/austindbirch/task_relay/internal/registry"
)

// Config describes how to reach the etcd cluster
type Config struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// Dial creates an etcd client. The caller owns it and must Close it.
func Dial(cfg Config, logger *zap.Logger) (*etcd.Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcdregistry: no endpoints configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return etcd.New(etcd.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd-client"),
	})
}

// Registry is a registry.Registry over an etcd client
type Registry struct {
	client *etcd.Client
	prefix string
}

var _ registry.Registry = (*Registry)(nil)

// New returns a registry whose keys live under name
func New(client *etcd.Client, name string) (*Registry, error) {
	if client == nil {
		return nil, errors.New("etcdregistry: client is required")
	}
	name = strings.Trim(name, "/")
	if name == "" {
		return nil, errors.New("etcdregistry: registry name is required")
	}
	return &Registry{client: client, prefix: name + "/"}, nil
}

func (r *Registry) key(taskID string) string {
	return r.prefix + taskID
}

// ttlSeconds rounds up to etcd's one-second lease granularity
func ttlSeconds(ttl time.Duration) int64 {
	s := int64(math.Ceil(ttl.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func (r *Registry) Has(ctx context.Context, taskID string) (bool, error) {
	owner, err := r.Owner(ctx, taskID)
	return owner != "", err
}

func (r *Registry) Register(ctx context.Context, taskID, nodeID string, ttl time.Duration) error {
	if ttl <= 0 {
		return registry.ErrInvalidTTL
	}
	lease, err := r.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	key := r.key(taskID)
	resp, err := r.client.Txn(ctx).
		If(etcd.Compare(etcd.CreateRevision(key), "=", 0)).
		Then(etcd.OpPut(key, nodeID, etcd.WithLease(lease.ID))).
		Commit()
	if err != nil {
		_, _ = r.client.Revoke(context.WithoutCancel(ctx), lease.ID)
		return fmt.Errorf("register lease: %w", err)
	}
	if !resp.Succeeded {
		_, _ = r.client.Revoke(context.WithoutCancel(ctx), lease.ID)
		return registry.ErrLeaseExists
	}
	return nil
}

// Renew refreshes the etcd lease behind the key. KeepAliveOnce restores the
// TTL granted at registration; ttl is only validated.
func (r *Registry) Renew(ctx context.Context, taskID, nodeID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, registry.ErrInvalidTTL
	}
	resp, err := r.client.Get(ctx, r.key(taskID))
	if err != nil {
		return false, fmt.Errorf("read lease: %w", err)
	}
	if len(resp.Kvs) == 0 || string(resp.Kvs[0].Value) != nodeID {
		return false, nil
	}
	// If the lease died between Get and here the key died with it
	_, err = r.client.KeepAliveOnce(ctx, etcd.LeaseID(resp.Kvs[0].Lease))
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return true, nil
}

// Remove deletes the key in a txn guarded on the owner value, so a stale
// owner cannot drop a lease another node has since registered
func (r *Registry) Remove(ctx context.Context, taskID, nodeID string) (bool, error) {
	key := r.key(taskID)
	resp, err := r.client.Txn(ctx).
		If(etcd.Compare(etcd.Value(key), "=", nodeID)).
		Then(etcd.OpDelete(key, etcd.WithPrevKV())).
		Commit()
	if err != nil {
		return false, fmt.Errorf("remove lease: %w", err)
	}
	if !resp.Succeeded || len(resp.Responses) == 0 {
		return false, nil
	}
	del := resp.Responses[0].GetResponseDeleteRange()
	if del == nil {
		return false, nil
	}
	for _, kv := range del.PrevKvs {
		if kv.Lease != 0 {
			_, _ = r.client.Revoke(ctx, etcd.LeaseID(kv.Lease))
		}
	}
	return del.Deleted > 0, nil
}

func (r *Registry) Owner(ctx context.Context, taskID string) (string, error) {
	resp, err := r.client.Get(ctx, r.key(taskID))
	if err != nil {
		return "", fmt.Errorf("read lease owner: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (r *Registry) Ping(ctx context.Context) error {
	endpoints := r.client.Endpoints()
	if len(endpoints) == 0 {
		return errors.New("etcdregistry: no endpoints")
	}
	_, err := r.client.Status(ctx, endpoints[0])
	return err
}

// Close is a no-op: the client is owned by whoever dialed it
func (r *Registry) Close() error {
	return nil
}
