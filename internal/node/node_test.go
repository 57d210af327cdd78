package node

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/austindbirch/task_relay/internal/config"
	"github.com/austindbirch/task_relay/internal/eventqueue"
	"github.com/austindbirch/task_relay/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewFromZap("node-test", zap.NewNop())
}

func TestStart_Memory(t *testing.T) {
	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}
	cfg.App.NodeID = "node-mem"
	ctx := context.Background()

	n, err := Start(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if n.Manager.NodeID() != "node-mem" {
		t.Errorf("NodeID() = %q", n.Manager.NodeID())
	}
	if len(n.Checks) != 0 {
		t.Errorf("memory node has checks %v", n.Checks)
	}

	q, err := n.Manager.CreateOrTap(ctx, "task-1")
	if err != nil {
		t.Fatalf("CreateOrTap() error: %v", err)
	}
	if owner, err := n.Registry.Owner(ctx, "task-1"); err != nil || owner != "node-mem" {
		t.Errorf("Owner() = %q, %v, want node-mem", owner, err)
	}
	if err := n.Close(ctx); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !q.Closed() {
		t.Error("queue left open after node Close()")
	}
	if err := q.Enqueue(ctx, eventqueue.StatusUpdate("task-1", eventqueue.StateWorking, "")); !errors.Is(err, eventqueue.ErrClosed) {
		t.Errorf("Enqueue() after Close() error = %v", err)
	}
}

func TestStart_UnreachablePostgres(t *testing.T) {
	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}
	cfg.QueueManager.Registry.Provider = config.ProviderPostgres
	cfg.QueueManager.Relay.Provider = config.ProviderPostgres
	cfg.DB.Host = "192.0.2.1" // TEST-NET-1, never routes

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := Start(ctx, cfg, testLogger()); err == nil {
		t.Error("Start() against an unreachable database expected error but got none")
	}
}

type countingPurger struct {
	calls atomic.Int32
}

func (p *countingPurger) PurgeExpired(context.Context) (int64, error) {
	p.calls.Add(1)
	return 1, nil
}

func TestPurgeLoop(t *testing.T) {
	p := &countingPurger{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		purgeLoop(ctx, p, 5*time.Millisecond, testLogger())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purgeLoop() did not stop on cancel")
	}
	if p.calls.Load() == 0 {
		t.Error("purgeLoop() never purged")
	}
}
