// Package queuemanager maps task ids to event queues across a cluster of
// nodes. The node that registers a task owns its lease and produces into a
// local queue; every other node that asks for the task gets a proxy queue
// fed by the relay.
package queuemanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/task_relay/internal/eventqueue"
	"github.com/austindbirch/task_relay/internal/logging"
	"github.com/austindbirch/task_relay/internal/metrics"
	"github.com/austindbirch/task_relay/internal/pubsub"
	"github.com/austindbirch/task_relay/internal/registry"
	"github.com/austindbirch/task_relay/internal/relay"
	"github.com/austindbirch/task_relay/internal/tracing"
)

// DefaultTTL is the lease duration when Options.TTL is zero
const DefaultTTL = 24 * time.Hour

var (
	// ErrTaskQueueExists is returned by Add when the task already has a lease
	// or a local entry on this node
	ErrTaskQueueExists = errors.New("task queue already exists")
	// ErrNoTaskQueue is returned by Close when this node holds no entry
	ErrNoTaskQueue = errors.New("no task queue")
	// ErrManagerClosed is returned after Shutdown
	ErrManagerClosed = errors.New("queue manager is shut down")
)

// Options configures a Manager
type Options struct {
	Registry registry.Registry
	Broker   pubsub.Broker
	// ChannelPrefix defaults to relay.DefaultChannelPrefix
	ChannelPrefix string
	// TTL defaults to DefaultTTL
	TTL time.Duration
	// NodeID defaults to a random UUID
	NodeID string
	Logger *logging.Logger
}

// Stats is a snapshot of this node's tables
type Stats struct {
	Local           int
	Proxy           int
	ListenerRunning bool
}

type localEntry struct {
	queue     *eventqueue.Queue
	publisher *relay.PublisherHandle
}

// Manager is one node's view of the task queues. All table mutations are
// serialized by mu; registry calls that decide whether an entry is created
// run under it too.
type Manager struct {
	reg      registry.Registry
	broker   pubsub.Broker
	prefix   string
	ttl      time.Duration
	nodeID   string
	log      *logging.Logger
	listener *relay.Listener

	mu     sync.Mutex
	local  map[string]*localEntry
	proxy  map[string]*eventqueue.Queue
	closed bool
}

// New builds a Manager and opens its relay subscriber
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.New("queuemanager: registry is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("queuemanager: broker is required")
	}
	if opts.TTL < 0 {
		return nil, registry.ErrInvalidTTL
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = relay.DefaultChannelPrefix
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("queuemanager")
	}

	sub, err := opts.Broker.NewSubscriber(ctx)
	if err != nil {
		return nil, fmt.Errorf("open relay subscriber: %w", err)
	}

	m := &Manager{
		reg:    opts.Registry,
		broker: opts.Broker,
		prefix: opts.ChannelPrefix,
		ttl:    opts.TTL,
		nodeID: opts.NodeID,
		log:    opts.Logger,
		local:  make(map[string]*localEntry),
		proxy:  make(map[string]*eventqueue.Queue),
	}
	m.listener = relay.NewListener(sub, m.prefix, m.dispatch, m.log)
	return m, nil
}

// NodeID returns the id this node registers leases under
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Add registers queue as the local queue for taskID and starts relaying it.
// It returns once the relay publisher is running.
func (m *Manager) Add(ctx context.Context, taskID string, queue *eventqueue.Queue) (err error) {
	ctx, span := tracing.StartTaskSpan(ctx, "queuemanager.add", taskID, m.nodeID)
	defer span.End()
	defer func() { tracing.SetSpanError(ctx, err) }()
	m.log.WithContext(ctx).WithTask(taskID).Debug("add")

	if queue == nil {
		return errors.New("queuemanager: queue is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.local[taskID]; ok {
		return ErrTaskQueueExists
	}
	if _, ok := m.proxy[taskID]; ok {
		// getLocked drops the proxy if its lease is gone
		q, err := m.getLocked(ctx, taskID)
		if err != nil {
			return err
		}
		if q != nil {
			return ErrTaskQueueExists
		}
	}
	return m.registerLocked(ctx, taskID, queue)
}

// Get returns the local queue for taskID, or a proxy queue when another
// node holds the lease. It returns nil when no lease exists.
func (m *Manager) Get(ctx context.Context, taskID string) (q *eventqueue.Queue, err error) {
	ctx, span := tracing.StartTaskSpan(ctx, "queuemanager.get", taskID, m.nodeID)
	defer span.End()
	defer func() { tracing.SetSpanError(ctx, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	return m.getLocked(ctx, taskID)
}

// Tap returns a new independent cursor over the task's queue, or nil
func (m *Manager) Tap(ctx context.Context, taskID string) (*eventqueue.Queue, error) {
	q, err := m.Get(ctx, taskID)
	if err != nil || q == nil {
		return nil, err
	}
	m.log.WithContext(ctx).WithTask(taskID).Debug("tapping event queue")
	return q.Tap(), nil
}

// CreateOrTap returns a cursor over the task's queue, creating and
// registering a local queue when no lease exists anywhere.
func (m *Manager) CreateOrTap(ctx context.Context, taskID string) (q *eventqueue.Queue, err error) {
	ctx, span := tracing.StartTaskSpan(ctx, "queuemanager.create_or_tap", taskID, m.nodeID)
	defer span.End()
	defer func() { tracing.SetSpanError(ctx, err) }()
	entry := m.log.WithContext(ctx).WithTask(taskID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	existing, err := m.getLocked(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		entry.Debug("tapping existing queue")
		return existing.Tap(), nil
	}

	created := eventqueue.New()
	err = m.registerLocked(ctx, taskID, created)
	if errors.Is(err, ErrTaskQueueExists) {
		// another node registered between our lookup and our claim
		existing, err = m.getLocked(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("task %s lease vanished during create: %w", taskID, ErrTaskQueueExists)
		}
		return existing.Tap(), nil
	}
	if err != nil {
		return nil, err
	}
	entry.Debug("created local queue")
	return created.Tap(), nil
}

// Close tears down this node's entry for taskID. For a local entry the relay
// publisher is stopped and the lease removed if this node still owns it; for
// a proxy the lease is left alone.
func (m *Manager) Close(ctx context.Context, taskID string) (err error) {
	ctx, span := tracing.StartTaskSpan(ctx, "queuemanager.close", taskID, m.nodeID)
	defer span.End()
	defer func() { tracing.SetSpanError(ctx, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.local[taskID]; ok {
		return m.closeLocalLocked(ctx, taskID, e)
	}
	if q, ok := m.proxy[taskID]; ok {
		return m.closeProxyLocked(ctx, taskID, q)
	}
	return ErrNoTaskQueue
}

// Drain closes a local queue to producers, waits until its relay publisher
// has forwarded the buffered events, then closes the entry like Close. If
// ctx ends first the remaining events are dropped. Proxy entries are closed
// directly.
func (m *Manager) Drain(ctx context.Context, taskID string) error {
	m.mu.Lock()
	e, ok := m.local[taskID]
	m.mu.Unlock()
	if ok {
		e.queue.Close()
		select {
		case <-e.publisher.Done():
		case <-ctx.Done():
			m.log.WithContext(ctx).WithTask(taskID).Warn("drain interrupted, dropping unrelayed events")
		}
	}
	return m.Close(context.WithoutCancel(ctx), taskID)
}

// Shutdown closes every entry this node holds, releasing its leases, and
// stops the relay listener. The registry and broker are left open.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var errs []error
	for id, e := range m.local {
		errs = append(errs, m.closeLocalLocked(ctx, id, e))
	}
	for id, q := range m.proxy {
		errs = append(errs, m.closeProxyLocked(ctx, id, q))
	}
	m.mu.Unlock()

	// the listener's dispatch takes mu, so it is closed outside it
	errs = append(errs, m.listener.Close())
	m.log.Plain().WithNode(m.nodeID).Info("queue manager shut down")
	return errors.Join(errs...)
}

// Stats returns the current table sizes
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Local:           len(m.local),
		Proxy:           len(m.proxy),
		ListenerRunning: m.listener.Running(),
	}
}

func (m *Manager) getLocked(ctx context.Context, taskID string) (*eventqueue.Queue, error) {
	entry := m.log.WithContext(ctx).WithTask(taskID)
	if e, ok := m.local[taskID]; ok {
		entry.Debug("got local queue")
		return e.queue, nil
	}

	has, err := m.reg.Has(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("look up task %s: %w", taskID, err)
	}
	if !has {
		if stale, ok := m.proxy[taskID]; ok {
			if err := m.closeProxyLocked(ctx, taskID, stale); err != nil {
				entry.WithError(err).Warn("failed to unsubscribe stale proxy")
			}
		}
		entry.Debug("task not found in registry")
		return nil, nil
	}

	if q, ok := m.proxy[taskID]; ok {
		entry.Debug("got proxy queue")
		return q, nil
	}
	q := eventqueue.New()
	if err := m.listener.Subscribe(ctx, taskID); err != nil {
		return nil, fmt.Errorf("subscribe to task %s: %w", taskID, err)
	}
	m.proxy[taskID] = q
	m.updateGaugesLocked()
	entry.Debug("created proxy queue")
	return q, nil
}

func (m *Manager) registerLocked(ctx context.Context, taskID string, queue *eventqueue.Queue) error {
	entry := m.log.WithContext(ctx).WithTask(taskID).WithNode(m.nodeID)

	err := m.reg.Register(ctx, taskID, m.nodeID, m.ttl)
	if errors.Is(err, registry.ErrLeaseExists) {
		metrics.RecordLease("register", "exists")
		return ErrTaskQueueExists
	}
	if err != nil {
		metrics.RecordLease("register", "error")
		return fmt.Errorf("register task %s: %w", taskID, err)
	}
	metrics.RecordLease("register", "ok")

	h, err := relay.StartPublisher(ctx, relay.PublisherConfig{
		TaskID:    taskID,
		NodeID:    m.nodeID,
		Channel:   relay.ChannelName(m.prefix, taskID),
		TTL:       m.ttl,
		Queue:     queue,
		Registry:  m.reg,
		Publisher: m.broker,
		Logger:    m.log,
	})
	if err != nil {
		if _, rmErr := m.reg.Remove(context.WithoutCancel(ctx), taskID, m.nodeID); rmErr != nil {
			entry.WithError(rmErr).Error("failed to release lease after publisher start failure")
		}
		return fmt.Errorf("start relay publisher for %s: %w", taskID, err)
	}

	m.local[taskID] = &localEntry{queue: queue, publisher: h}
	m.updateGaugesLocked()
	entry.Debug("local queue created")
	return nil
}

func (m *Manager) closeLocalLocked(ctx context.Context, taskID string, e *localEntry) error {
	entry := m.log.WithContext(ctx).WithTask(taskID).WithNode(m.nodeID)
	e.publisher.Stop()

	// Remove is owner-checked, so a lease another node took over survives
	var err error
	removed, rmErr := m.reg.Remove(ctx, taskID, m.nodeID)
	switch {
	case rmErr != nil:
		metrics.RecordLease("remove", "error")
		err = fmt.Errorf("remove lease for %s: %w", taskID, rmErr)
	case !removed:
		metrics.RecordLease("remove", "missing")
		if e.publisher.OwnershipLost() {
			entry.Warn("ownership was lost, leaving lease in place")
		}
	default:
		metrics.RecordLease("remove", "ok")
	}

	delete(m.local, taskID)
	e.queue.Close()
	m.updateGaugesLocked()
	entry.Debug("closed local queue")
	return err
}

func (m *Manager) closeProxyLocked(ctx context.Context, taskID string, q *eventqueue.Queue) error {
	delete(m.proxy, taskID)
	q.Close()
	m.updateGaugesLocked()
	err := m.listener.Unsubscribe(ctx, taskID)
	if err != nil {
		err = fmt.Errorf("unsubscribe from task %s: %w", taskID, err)
	}
	m.log.WithContext(ctx).WithTask(taskID).Debug("closed proxy queue")
	return err
}

// dispatch feeds a relayed event into the task's proxy queue
func (m *Manager) dispatch(ctx context.Context, taskID string, e eventqueue.Event) bool {
	m.mu.Lock()
	q, ok := m.proxy[taskID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return q.Enqueue(ctx, e) == nil
}

func (m *Manager) updateGaugesLocked() {
	metrics.SetQueueCounts(len(m.local), len(m.proxy))
}
