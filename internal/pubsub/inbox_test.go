package pubsub

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestInbox_Drop(t *testing.T) {
	in := NewInbox()
	in.Push(Message{Channel: "a", Payload: []byte("1")})
	in.Push(Message{Channel: "b", Payload: []byte("2")})
	in.Push(Message{Channel: "a", Payload: []byte("3")})

	in.Drop("a")
	if got := in.Len(); got != 1 {
		t.Fatalf("Len() after Drop() = %d, want 1", got)
	}
	msg, err := in.Next(context.Background())
	if err != nil || msg.Channel != "b" {
		t.Errorf("Next() = (%q, %v), want channel b", msg.Channel, err)
	}
}

func TestInbox_PushAfterClose(t *testing.T) {
	in := NewInbox()
	in.Close()
	if in.Push(Message{Channel: "a"}) {
		t.Error("Push() after Close() = true")
	}
	if _, err := in.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Next() after Close() error = %v, want %v", err, ErrClosed)
	}
}

func TestInbox_NextCancelled(t *testing.T) {
	in := NewInbox()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := in.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next() error = %v, want deadline exceeded", err)
	}
}

// Messages come out in push order, whatever the interleaving of drops
func TestInbox_FIFOProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := NewInbox()
		channels := []string{"a", "b", "c"}
		var want []string
		n := rapid.IntRange(0, 50).Draw(t, "n")
		for i := 0; i < n; i++ {
			ch := rapid.SampledFrom(channels).Draw(t, "channel")
			payload := fmt.Sprintf("%s-%d", ch, i)
			in.Push(Message{Channel: ch, Payload: []byte(payload)})
			want = append(want, payload)
		}
		dropped := rapid.SampledFrom(channels).Draw(t, "dropped")
		in.Drop(dropped)

		kept := want[:0]
		for _, p := range want {
			if p[:1] != dropped {
				kept = append(kept, p)
			}
		}
		for _, p := range kept {
			msg, err := in.Next(context.Background())
			if err != nil {
				t.Fatalf("Next() error: %v", err)
			}
			if string(msg.Payload) != p {
				t.Fatalf("Next() = %q, want %q", msg.Payload, p)
			}
		}
		if in.Len() != 0 {
			t.Fatalf("Len() = %d after draining", in.Len())
		}
	})
}
