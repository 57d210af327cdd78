package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/austindbirch/task_relay/internal/eventqueue"
	"github.com/austindbirch/task_relay/internal/pubsub"
	"github.com/austindbirch/task_relay/internal/registry"
)

const testTTL = time.Minute

type publisherFixture struct {
	reg    *registry.Memory
	broker *pubsub.MemoryBroker
	sub    pubsub.Subscriber
	queue  *eventqueue.Queue
	cfg    PublisherConfig
}

func newPublisherFixture(t *testing.T, taskID string) *publisherFixture {
	t.Helper()
	ctx := context.Background()
	f := &publisherFixture{
		reg:    registry.NewMemory(),
		broker: pubsub.NewMemoryBroker(),
		queue:  eventqueue.New(),
	}
	t.Cleanup(func() {
		_ = f.broker.Close()
		_ = f.reg.Close()
	})

	sub, err := f.broker.NewSubscriber(ctx)
	if err != nil {
		t.Fatalf("NewSubscriber() error: %v", err)
	}
	channel := ChannelName(DefaultChannelPrefix, taskID)
	if err := sub.Subscribe(ctx, channel); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	f.sub = sub
	f.cfg = PublisherConfig{
		TaskID:    taskID,
		NodeID:    "node-a",
		Channel:   channel,
		TTL:       testTTL,
		Queue:     f.queue,
		Registry:  f.reg,
		Publisher: f.broker,
	}
	return f
}

func (f *publisherFixture) receive(t *testing.T, within time.Duration) (eventqueue.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	msg, err := f.sub.Receive(ctx)
	if err != nil {
		return eventqueue.Event{}, err
	}
	return eventqueue.Decode(msg.Payload)
}

func TestStartPublisher_Validation(t *testing.T) {
	f := newPublisherFixture(t, "task-v")
	tests := []struct {
		name   string
		mutate func(*PublisherConfig)
	}{
		{name: "missing task id", mutate: func(c *PublisherConfig) { c.TaskID = "" }},
		{name: "missing node id", mutate: func(c *PublisherConfig) { c.NodeID = "" }},
		{name: "missing queue", mutate: func(c *PublisherConfig) { c.Queue = nil }},
		{name: "zero ttl", mutate: func(c *PublisherConfig) { c.TTL = 0 }},
		{name: "missing registry", mutate: func(c *PublisherConfig) { c.Registry = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := f.cfg
			tt.mutate(&cfg)
			if _, err := StartPublisher(context.Background(), cfg); err == nil {
				t.Error("StartPublisher() expected error but got none")
			}
		})
	}
}

func TestPublisher_ForwardsInOrder(t *testing.T) {
	f := newPublisherFixture(t, "task-1")
	ctx := context.Background()
	if err := f.reg.Register(ctx, "task-1", "node-a", testTTL); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	h, err := StartPublisher(ctx, f.cfg)
	if err != nil {
		t.Fatalf("StartPublisher() error: %v", err)
	}
	defer h.Stop()

	// the handshake guarantees nothing enqueued from here on is missed
	texts := []string{"started", "working", "done"}
	for _, text := range texts {
		if err := f.queue.Enqueue(ctx, eventqueue.StatusUpdate("task-1", eventqueue.StateWorking, text)); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}
	for _, want := range texts {
		e, err := f.receive(t, time.Second)
		if err != nil {
			t.Fatalf("receive error: %v", err)
		}
		if e.Text != want {
			t.Errorf("relayed event text = %q, want %q", e.Text, want)
		}
	}
}

func TestPublisher_RenewsLease(t *testing.T) {
	f := newPublisherFixture(t, "task-r")
	ctx := context.Background()
	ttl := 150 * time.Millisecond
	f.cfg.TTL = ttl
	if err := f.reg.Register(ctx, "task-r", "node-a", ttl); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	h, err := StartPublisher(ctx, f.cfg)
	if err != nil {
		t.Fatalf("StartPublisher() error: %v", err)
	}
	defer h.Stop()

	// keep the lease alive well past one TTL by producing events
	for i := 0; i < 4; i++ {
		time.Sleep(ttl / 2)
		_ = f.queue.Enqueue(ctx, eventqueue.StatusUpdate("task-r", eventqueue.StateWorking, "tick"))
		if _, err := f.receive(t, time.Second); err != nil {
			t.Fatalf("receive error: %v", err)
		}
	}
	if owner, _ := f.reg.Owner(ctx, "task-r"); owner != "node-a" {
		t.Errorf("Owner() after renewals = %q, want %q", owner, "node-a")
	}
}

func TestPublisher_SkipsWhenOwnerMissing(t *testing.T) {
	f := newPublisherFixture(t, "task-2")
	ctx := context.Background()

	h, err := StartPublisher(ctx, f.cfg)
	if err != nil {
		t.Fatalf("StartPublisher() error: %v", err)
	}
	defer h.Stop()

	_ = f.queue.Enqueue(ctx, eventqueue.StatusUpdate("task-2", eventqueue.StateWorking, "unowned"))
	if _, err := f.receive(t, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("event without owner was relayed (err = %v)", err)
	}
	select {
	case <-h.Done():
		t.Fatal("publisher exited on a missing owner")
	default:
	}

	// once the lease is back, events flow again
	_ = f.reg.Register(ctx, "task-2", "node-a", testTTL)
	_ = f.queue.Enqueue(ctx, eventqueue.StatusUpdate("task-2", eventqueue.StateWorking, "owned"))
	e, err := f.receive(t, time.Second)
	if err != nil || e.Text != "owned" {
		t.Errorf("receive = (%q, %v), want %q", e.Text, err, "owned")
	}
}

func TestPublisher_StopsOnForeignOwner(t *testing.T) {
	f := newPublisherFixture(t, "task-3")
	ctx := context.Background()
	_ = f.reg.Register(ctx, "task-3", "node-b", testTTL)

	h, err := StartPublisher(ctx, f.cfg)
	if err != nil {
		t.Fatalf("StartPublisher() error: %v", err)
	}
	_ = f.queue.Enqueue(ctx, eventqueue.StatusUpdate("task-3", eventqueue.StateWorking, "mine?"))

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("publisher kept running under a foreign owner")
	}
	if !h.OwnershipLost() {
		t.Error("OwnershipLost() = false")
	}
	if _, err := f.receive(t, 20*time.Millisecond); err == nil {
		t.Error("event relayed under a foreign owner")
	}
	if owner, _ := f.reg.Owner(ctx, "task-3"); owner != "node-b" {
		t.Errorf("foreign lease was modified, owner = %q", owner)
	}
}

func TestPublisher_ExitsWhenQueueClosed(t *testing.T) {
	f := newPublisherFixture(t, "task-4")
	ctx := context.Background()
	_ = f.reg.Register(ctx, "task-4", "node-a", testTTL)

	h, err := StartPublisher(ctx, f.cfg)
	if err != nil {
		t.Fatalf("StartPublisher() error: %v", err)
	}
	_ = f.queue.Enqueue(ctx, eventqueue.StatusUpdate("task-4", eventqueue.StateCompleted, "bye"))
	f.queue.Close()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("publisher did not exit after queue close")
	}
	// buffered events are still relayed before exit
	if e, err := f.receive(t, time.Second); err != nil || e.Text != "bye" {
		t.Errorf("receive = (%q, %v), want %q", e.Text, err, "bye")
	}
	if h.OwnershipLost() {
		t.Error("OwnershipLost() = true after a clean exit")
	}
}

func TestPublisherHandle_Stop(t *testing.T) {
	f := newPublisherFixture(t, "task-5")
	ctx, cancel := context.WithCancel(context.Background())

	h, err := StartPublisher(ctx, f.cfg)
	if err != nil {
		t.Fatalf("StartPublisher() error: %v", err)
	}
	// cancelling the caller's ctx does not stop the publisher
	cancel()
	select {
	case <-h.Done():
		t.Fatal("publisher stopped with its caller's context")
	case <-time.After(20 * time.Millisecond):
	}

	stopped := make(chan struct{})
	go func() {
		h.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return")
	}
	// idempotent
	h.Stop()
}
