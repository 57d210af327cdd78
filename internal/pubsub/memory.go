package pubsub

import (
	"context"
	"slices"
	"sync"
)

// MemoryBroker is an in-process Broker. Managers sharing one MemoryBroker
// (and one registry) behave like separate nodes of a cluster.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscriber]struct{}
	closed bool
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs: make(map[string]map[*memorySubscriber]struct{}),
	}
}

// Publish delivers payload to every current subscriber of channel
func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[channel] {
		// each subscriber gets its own copy
		sub.inbox.Push(Message{Channel: channel, Payload: slices.Clone(payload)})
	}
	return nil
}

func (b *MemoryBroker) NewSubscriber(ctx context.Context) (Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	return &memorySubscriber{
		broker:   b,
		inbox:    NewInbox(),
		channels: make(map[string]struct{}),
	}, nil
}

// SubscriberCount returns how many subscribers listen on channel
func (b *MemoryBroker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close detaches and closes every subscriber
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make(map[*memorySubscriber]struct{})
	for _, set := range b.subs {
		for sub := range set {
			subs[sub] = struct{}{}
		}
	}
	b.subs = make(map[string]map[*memorySubscriber]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.inbox.Close()
	}
	return nil
}

func (b *MemoryBroker) attach(sub *memorySubscriber, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*memorySubscriber]struct{})
		b.subs[channel] = set
	}
	set[sub] = struct{}{}
	return nil
}

func (b *MemoryBroker) detach(sub *memorySubscriber, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[channel]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, channel)
	}
}

type memorySubscriber struct {
	broker *MemoryBroker
	inbox  *Inbox

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

func (s *memorySubscriber) Subscribe(ctx context.Context, channels ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, ch := range channels {
		if _, ok := s.channels[ch]; ok {
			continue
		}
		if err := s.broker.attach(s, ch); err != nil {
			return err
		}
		s.channels[ch] = struct{}{}
	}
	return nil
}

func (s *memorySubscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, ch := range channels {
		if _, ok := s.channels[ch]; !ok {
			continue
		}
		s.broker.detach(s, ch)
		delete(s.channels, ch)
	}
	s.inbox.Drop(channels...)
	return nil
}

func (s *memorySubscriber) Receive(ctx context.Context) (Message, error) {
	return s.inbox.Next(ctx)
}

func (s *memorySubscriber) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

func (s *memorySubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for ch := range s.channels {
		s.broker.detach(s, ch)
	}
	s.channels = nil
	s.inbox.Close()
	return nil
}
