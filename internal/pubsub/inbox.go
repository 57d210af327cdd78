package pubsub

import (
	"context"
	"sync"
)

// Inbox is an unbounded FIFO of received messages. Transports whose client
// library pushes messages from its own goroutines park them here until
// Receive picks them up.
type Inbox struct {
	mu      sync.Mutex
	pending []Message
	signal  chan struct{}
	done    chan struct{}
	closed  bool
}

func NewInbox() *Inbox {
	return &Inbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push queues msg; it never blocks. Returns false once the inbox is closed.
func (in *Inbox) Push(msg Message) bool {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	in.pending = append(in.pending, msg)
	in.mu.Unlock()

	select {
	case in.signal <- struct{}{}:
	default:
	}
	return true
}

// Next pops the oldest message, waiting for one if necessary
func (in *Inbox) Next(ctx context.Context) (Message, error) {
	for {
		in.mu.Lock()
		if len(in.pending) > 0 {
			msg := in.pending[0]
			in.pending[0] = Message{}
			in.pending = in.pending[1:]
			in.mu.Unlock()
			return msg, nil
		}
		closed := in.closed
		in.mu.Unlock()
		if closed {
			return Message{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-in.done:
		case <-in.signal:
		}
	}
}

// Drop discards pending messages for the given channels
func (in *Inbox) Drop(channels ...string) {
	drop := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		drop[ch] = struct{}{}
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	kept := in.pending[:0]
	for _, msg := range in.pending {
		if _, ok := drop[msg.Channel]; !ok {
			kept = append(kept, msg)
		}
	}
	for i := len(kept); i < len(in.pending); i++ {
		in.pending[i] = Message{}
	}
	in.pending = kept
}

func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}

// Close wakes every waiter; pending messages are discarded
func (in *Inbox) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	in.pending = nil
	close(in.done)
}
