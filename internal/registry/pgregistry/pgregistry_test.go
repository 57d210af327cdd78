package pgregistry

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/task_relay/internal/db"
	"github.com/austindbirch/task_relay/internal/registry"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		regName string
	}{
		{name: "nil pool", regName: "a2a.event.registry"},
		{name: "nil pool and empty name", regName: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(nil, tt.regName); err == nil {
				t.Error("New() expected error but got none")
			}
		})
	}
}

func TestTTLMillis(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want int64
	}{
		{ttl: time.Second, want: 1000},
		{ttl: 24 * time.Hour, want: 86_400_000},
		{ttl: time.Microsecond, want: 1},
		{ttl: 1500 * time.Microsecond, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.ttl.String(), func(t *testing.T) {
			if got := ttlMillis(tt.ttl); got != tt.want {
				t.Errorf("ttlMillis(%v) = %d, want %d", tt.ttl, got, tt.want)
			}
		})
	}
}

// openTestRegistry connects to TASK_RELAY_TEST_PG_DSN or skips
func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dsn := os.Getenv("TASK_RELAY_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TASK_RELAY_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("db.Connect() error: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}
	reg, err := New(pool, "test."+uuid.NewString())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM task_relay.leases WHERE registry = $1`, reg.name)
	})
	return reg
}

func TestRegistry_Integration(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "task-1", "node-a", time.Minute); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := reg.Register(ctx, "task-1", "node-b", time.Minute); !errors.Is(err, registry.ErrLeaseExists) {
		t.Errorf("second Register() error = %v, want %v", err, registry.ErrLeaseExists)
	}
	if owner, _ := reg.Owner(ctx, "task-1"); owner != "node-a" {
		t.Errorf("Owner() = %q, want %q", owner, "node-a")
	}
	if ok, _ := reg.Renew(ctx, "task-1", "node-b", time.Minute); ok {
		t.Error("Renew() by foreign node = true")
	}
	if ok, _ := reg.Renew(ctx, "task-1", "node-a", time.Minute); !ok {
		t.Error("Renew() by owner = false")
	}
	if removed, _ := reg.Remove(ctx, "task-1", "node-b"); removed {
		t.Error("Remove() by foreign node = true")
	}
	if owner, _ := reg.Owner(ctx, "task-1"); owner != "node-a" {
		t.Errorf("Owner() = %q after foreign Remove(), want %q", owner, "node-a")
	}
	if removed, _ := reg.Remove(ctx, "task-1", "node-a"); !removed {
		t.Error("Remove() = false for live lease")
	}
	if has, _ := reg.Has(ctx, "task-1"); has {
		t.Error("Has() = true after Remove()")
	}
}

func TestRegistry_Integration_Expiry(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "task-3", "node-a", 100*time.Millisecond); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	time.Sleep(250 * time.Millisecond)

	if has, _ := reg.Has(ctx, "task-3"); has {
		t.Error("Has() = true after TTL elapsed")
	}
	if err := reg.Register(ctx, "task-3", "node-b", time.Minute); err != nil {
		t.Errorf("Register() over expired lease error = %v", err)
	}
	if _, err := reg.PurgeExpired(ctx); err != nil {
		t.Errorf("PurgeExpired() error = %v", err)
	}
}

func TestRegistry_Integration_Race(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- reg.Register(ctx, "task-2", uuid.NewString(), time.Minute)
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, registry.ErrLeaseExists) {
			t.Errorf("Register() unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("concurrent Register() winners = %d, want 1", wins)
	}
}
