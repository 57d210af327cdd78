package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/task_relay/internal/eventqueue"
	"github.com/austindbirch/task_relay/internal/logging"
	"github.com/austindbirch/task_relay/internal/metrics"
	"github.com/austindbirch/task_relay/internal/pubsub"
	"github.com/austindbirch/task_relay/internal/registry"
	"github.com/austindbirch/task_relay/internal/tracing"
)

// PublisherConfig describes one locally owned task to relay
type PublisherConfig struct {
	TaskID    string
	NodeID    string
	Channel   string
	TTL       time.Duration
	Queue     *eventqueue.Queue
	Registry  registry.Registry
	Publisher pubsub.Publisher
	Logger    *logging.Logger
}

func (c PublisherConfig) validate() error {
	switch {
	case c.TaskID == "":
		return errors.New("relay: task id is required")
	case c.NodeID == "":
		return errors.New("relay: node id is required")
	case c.Channel == "":
		return errors.New("relay: channel is required")
	case c.TTL <= 0:
		return registry.ErrInvalidTTL
	case c.Queue == nil:
		return errors.New("relay: queue is required")
	case c.Registry == nil:
		return errors.New("relay: registry is required")
	case c.Publisher == nil:
		return errors.New("relay: publisher is required")
	}
	return nil
}

// PublisherHandle controls a running publisher
type PublisherHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	lost   atomic.Bool
}

// Stop cancels the publisher and waits for it to exit. An event being
// forwarded at that moment may or may not reach the channel.
func (h *PublisherHandle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the publisher has exited
func (h *PublisherHandle) Done() <-chan struct{} {
	return h.done
}

// OwnershipLost reports whether the publisher stopped because another node
// owns the task
func (h *PublisherHandle) OwnershipLost() bool {
	return h.lost.Load()
}

type publisher struct {
	cfg    PublisherConfig
	handle *PublisherHandle
	log    *logging.Logger
}

// StartPublisher starts relaying cfg.Queue and returns once the publisher
// holds its own cursor on the queue, so events enqueued after the call
// returns are never missed. The publisher outlives ctx; use Stop.
func StartPublisher(ctx context.Context, cfg PublisherConfig) (*PublisherHandle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New("relay")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &PublisherHandle{cancel: cancel, done: make(chan struct{})}
	p := &publisher{cfg: cfg, handle: h, log: log}

	started := make(chan struct{})
	log.SafeGo("relay-publisher", func() {
		defer close(h.done)
		cursor := cfg.Queue.Tap()
		close(started)
		p.run(runCtx, cursor)
	})
	<-started
	return h, nil
}

func (p *publisher) run(ctx context.Context, cursor *eventqueue.Queue) {
	entry := p.log.Plain().WithTask(p.cfg.TaskID).WithNode(p.cfg.NodeID).WithChannel(p.cfg.Channel)
	entry.Debug("relay publisher started")

	for {
		e, err := cursor.Dequeue(ctx)
		if errors.Is(err, eventqueue.ErrClosed) {
			entry.Debug("local queue closed, relay publisher exiting")
			return
		}
		if err != nil {
			entry.Debug("relay publisher cancelled")
			return
		}
		if !p.forward(ctx, e) {
			return
		}
	}
}

// forward relays one event and reports whether the loop should continue
func (p *publisher) forward(ctx context.Context, e eventqueue.Event) bool {
	start := time.Now()
	ctx, span := tracing.StartTaskSpan(ctx, "relay.publish", p.cfg.TaskID, p.cfg.NodeID)
	defer span.End()
	span.SetAttributes(attribute.String("event.kind", string(e.Kind)))

	entry := p.log.WithContext(ctx).WithTask(p.cfg.TaskID).WithNode(p.cfg.NodeID)

	owner, err := p.cfg.Registry.Owner(ctx, p.cfg.TaskID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		tracing.SetSpanError(ctx, err)
		entry.WithError(err).Error("failed to read task owner, event not relayed")
		metrics.RecordRelayPublish("error", time.Since(start))
		return true
	}
	switch owner {
	case "":
		// lease missing or expired; may be transient
		entry.Warn("task has no owner, skipping event")
		metrics.RecordRelayPublish("skipped", time.Since(start))
		return true
	case p.cfg.NodeID:
	default:
		entry.WithField("owner", owner).Warn("task is owned by another node, stopping relay publisher")
		tracing.AddSpanEvent(ctx, "ownership.lost", attribute.String("owner", owner))
		p.handle.lost.Store(true)
		metrics.RecordOwnershipLost()
		return false
	}

	e.TraceHeaders = tracing.InjectTraceHeaders(ctx)
	payload, err := e.Encode()
	if err != nil {
		entry.WithError(err).Error("failed to encode event, event not relayed")
		metrics.RecordRelayPublish("malformed", time.Since(start))
		return true
	}
	if err := p.cfg.Publisher.Publish(ctx, p.cfg.Channel, payload); err != nil {
		if ctx.Err() != nil {
			return false
		}
		tracing.SetSpanError(ctx, err)
		entry.WithError(err).Error("failed to publish event")
		metrics.RecordRelayPublish("error", time.Since(start))
		return true
	}

	p.renew(ctx, entry)
	metrics.RecordRelayPublish("ok", time.Since(start))
	return true
}

func (p *publisher) renew(ctx context.Context, entry *logging.LogEntry) {
	ok, err := p.cfg.Registry.Renew(ctx, p.cfg.TaskID, p.cfg.NodeID, p.cfg.TTL)
	switch {
	case err != nil:
		metrics.RecordLease("renew", "error")
		if ctx.Err() == nil {
			entry.WithError(fmt.Errorf("renew lease: %w", err)).Error("failed to renew task lease")
		}
	case !ok:
		// the next event's owner check decides whether to stop
		metrics.RecordLease("renew", "lost")
		entry.Warn("task lease no longer held by this node")
	default:
		metrics.RecordLease("renew", "ok")
	}
}
