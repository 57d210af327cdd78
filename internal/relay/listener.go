package relay

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/task_relay/internal/eventqueue"
	"github.com/austindbirch/task_relay/internal/logging"
	"github.com/austindbirch/task_relay/internal/metrics"
	"github.com/austindbirch/task_relay/internal/pubsub"
	"github.com/austindbirch/task_relay/internal/tracing"
)

// Dispatcher delivers a relayed event to the task's proxy queue and reports
// whether one existed
type Dispatcher func(ctx context.Context, taskID string, e eventqueue.Event) bool

// Listener multiplexes every relay channel a node observes over one
// subscriber. The receive loop runs only while at least one task is
// subscribed.
type Listener struct {
	sub      pubsub.Subscriber
	prefix   string
	dispatch Dispatcher
	log      *logging.Logger

	mu     sync.Mutex
	tasks  map[string]struct{}
	cancel context.CancelFunc // non-nil while a receive loop is wanted
	done   chan struct{}      // closed when the latest receive loop exits
	closed bool
}

func NewListener(sub pubsub.Subscriber, prefix string, dispatch Dispatcher, log *logging.Logger) *Listener {
	if log == nil {
		log = logging.New("relay")
	}
	return &Listener{
		sub:      sub,
		prefix:   prefix,
		dispatch: dispatch,
		log:      log,
		tasks:    make(map[string]struct{}),
	}
}

// Subscribe adds the task's channel and starts the receive loop if it is
// not running
func (l *Listener) Subscribe(ctx context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return pubsub.ErrClosed
	}
	if _, ok := l.tasks[taskID]; !ok {
		if err := l.sub.Subscribe(ctx, ChannelName(l.prefix, taskID)); err != nil {
			return err
		}
		l.tasks[taskID] = struct{}{}
	}
	if !l.aliveLocked() {
		l.startLocked()
	}
	return nil
}

// Unsubscribe drops the task's channel and stops the receive loop once no
// task remains. It does not wait for the loop to exit.
func (l *Listener) Unsubscribe(ctx context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return pubsub.ErrClosed
	}
	if _, ok := l.tasks[taskID]; !ok {
		return nil
	}
	delete(l.tasks, taskID)
	err := l.sub.Unsubscribe(ctx, ChannelName(l.prefix, taskID))
	if len(l.tasks) == 0 {
		l.stopLocked()
	}
	return err
}

// Running reports whether the receive loop is alive
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aliveLocked()
}

// Tasks returns the subscribed task ids
func (l *Listener) Tasks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.tasks))
	for id := range l.tasks {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Close stops the loop, waits for it and closes the subscriber. Callers
// must not hold any lock the Dispatcher takes.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.stopLocked()
	done := l.done
	l.tasks = nil
	l.mu.Unlock()

	if done != nil {
		<-done
	}
	return l.sub.Close()
}

func (l *Listener) aliveLocked() bool {
	if l.cancel == nil || l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *Listener) startLocked() {
	l.stopLocked()
	ctx, cancel := context.WithCancel(context.Background())
	prev := l.done
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	metrics.SetListenerRunning(true)
	l.log.SafeGo("relay-listener", func() {
		l.run(ctx, prev, done)
	})
}

func (l *Listener) stopLocked() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
		metrics.SetListenerRunning(false)
	}
}

func (l *Listener) run(ctx context.Context, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	// one loop at a time keeps per-channel order
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}
	l.log.Plain().Debug("relay listener started")
	defer l.log.Plain().Debug("relay listener stopped")

	for {
		msg, err := l.sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pubsub.ErrClosed) {
				return
			}
			metrics.RecordRelayReceive("error")
			metrics.SetListenerRunning(false)
			l.log.Plain().WithError(err).Error("relay listener receive failed, stopping")
			return
		}
		l.handle(ctx, msg)
	}
}

func (l *Listener) handle(ctx context.Context, msg pubsub.Message) {
	entry := l.log.Plain().WithChannel(msg.Channel)
	taskID, ok := TaskIDFromChannel(l.prefix, msg.Channel)
	if !ok {
		metrics.RecordRelayReceive("unknown_channel")
		entry.Warn("relay message on unexpected channel, dropping")
		return
	}
	entry = entry.WithTask(taskID)

	e, err := eventqueue.Decode(msg.Payload)
	if err != nil {
		metrics.RecordRelayReceive("malformed")
		entry.WithError(err).Warn("malformed relay payload, dropping")
		return
	}

	ctx = tracing.ExtractTraceHeaders(ctx, e.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "relay.receive",
		attribute.String("task.id", taskID),
		attribute.String("channel", msg.Channel),
		attribute.String("event.kind", string(e.Kind)),
	)
	defer span.End()
	e.TraceHeaders = nil

	if !l.dispatch(ctx, taskID, e) {
		metrics.RecordRelayReceive("dropped")
		tracing.AddSpanEvent(ctx, "relay.dropped")
		l.log.WithContext(ctx).WithChannel(msg.Channel).WithTask(taskID).Warn("no proxy queue for relayed event, dropping")
		return
	}
	metrics.RecordRelayReceive("ok")
}
