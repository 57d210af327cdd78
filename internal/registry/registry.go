// Package registry holds task ownership leases: which node is authoritative
// for a task's event stream, bounded by a TTL.
//
// Every backend provides the same atomic primitives: register is
// check-and-set (fails while any unexpired lease exists), renew and remove
// only succeed for the current owner, and a read never distinguishes an expired
// lease from one that never existed.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLeaseExists is returned by Register while another unexpired lease is held
	ErrLeaseExists = errors.New("task lease already exists")
	// ErrInvalidTTL is returned for non-positive lease durations
	ErrInvalidTTL = errors.New("lease ttl must be positive")
)

// Registry is the shared task id -> owner node mapping
type Registry interface {
	// Has reports whether an unexpired lease exists for the task
	Has(ctx context.Context, taskID string) (bool, error)
	// Register claims the task for nodeID, or returns ErrLeaseExists
	Register(ctx context.Context, taskID, nodeID string, ttl time.Duration) error
	// Renew extends the lease only while nodeID still owns it
	Renew(ctx context.Context, taskID, nodeID string, ttl time.Duration) (bool, error)
	// Remove deletes the lease only while nodeID owns it and reports whether
	// a live lease was deleted
	Remove(ctx context.Context, taskID, nodeID string) (bool, error)
	// Owner returns the owning node id, or "" when there is no lease
	Owner(ctx context.Context, taskID string) (string, error)
	Close() error
}

// Pinger is implemented by registries backed by a network store
type Pinger interface {
	Ping(ctx context.Context) error
}

func checkTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
