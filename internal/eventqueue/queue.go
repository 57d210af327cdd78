package eventqueue

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// ErrClosed is returned by Enqueue after Close, and by Dequeue once the
// stream is closed and the cursor has read everything.
var ErrClosed = errors.New("event queue is closed")

// stream is the shared append-only log behind every handle of one queue
type stream struct {
	mu       sync.Mutex
	events   []Event
	closed   bool
	notifyCh chan struct{} // closed and replaced on every append and on close
}

// Queue is a consumer handle over a task's event stream. Every handle
// returned by Tap reads the same events at its own pace; Enqueue on any
// handle appends to the shared stream.
type Queue struct {
	s *stream

	mu     sync.Mutex // guards offset
	offset int
}

// New creates an empty open queue
func New() *Queue {
	return &Queue{s: &stream{notifyCh: make(chan struct{})}}
}

// Enqueue appends an event. It never blocks on slow consumers.
func (q *Queue) Enqueue(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.events = append(s.events, e)
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
	return nil
}

// Dequeue returns the next event for this handle, blocking until one is
// available, the stream is closed and drained, or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		s := q.s
		s.mu.Lock()
		if q.offset < len(s.events) {
			e := s.events[q.offset]
			s.mu.Unlock()
			q.offset++
			return e, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrClosed
		}
		wait := s.notifyCh
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// All yields events until the stream is closed and drained. A ctx error is
// yielded once as the final element; a clean close ends the sequence
// without an error.
func (q *Queue) All(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			e, err := q.Dequeue(ctx)
			if errors.Is(err, ErrClosed) {
				return
			}
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Tap returns a new handle over the same stream that starts at the current
// tail: it sees only events enqueued after the call.
func (q *Queue) Tap() *Queue {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Queue{s: s, offset: len(s.events)}
}

// Close closes the stream for every handle. Buffered events stay readable.
func (q *Queue) Close() {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notifyCh)
}

// Closed reports whether the underlying stream has been closed
func (q *Queue) Closed() bool {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	return q.s.closed
}

// Len returns the number of events appended to the stream so far
func (q *Queue) Len() int {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	return len(q.s.events)
}

// SameStream reports whether both handles read the same underlying stream
func (q *Queue) SameStream(other *Queue) bool {
	return other != nil && q.s == other.s
}
