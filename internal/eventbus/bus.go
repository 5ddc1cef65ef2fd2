package eventbus

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrStorageUnavailable is the only failure Append reports for a healthy caller.
	ErrStorageUnavailable = errors.New("event storage unavailable")
	// ErrStreamClosed is returned when appending to a version whose stream was closed.
	ErrStreamClosed = errors.New("event stream closed")
	// ErrInvalidKind is returned for kinds outside the declared set.
	ErrInvalidKind = errors.New("invalid event kind")
	// ErrNotTerminal is returned when Close is asked to append a non-terminal kind.
	ErrNotTerminal = errors.New("close requires a terminal event kind")
)

// Bus is an ordered, durable, multi-consumer event stream keyed by session-version id.
type Bus interface {
	// Append assigns the next sequence number and stores the event atomically.
	Append(ctx context.Context, versionID string, kind Kind, payload interface{}) (int64, error)
	// Read returns up to max events with seq > sinceSeq without blocking. max <= 0 reads everything.
	Read(ctx context.Context, versionID string, sinceSeq int64, max int) ([]Event, error)
	// Subscribe yields events with seq > sinceSeq as they are appended, ending after the terminal event.
	Subscribe(ctx context.Context, versionID string, sinceSeq int64) (*Subscription, error)
	// Close appends the terminal event and marks the stream read-only.
	Close(ctx context.Context, versionID string, kind Kind, payload interface{}) (int64, error)
	// Closed reports whether the stream has been closed.
	Closed(ctx context.Context, versionID string) (bool, error)
}

// IsTerminal reports whether k ends a stream.
func IsTerminal(k Kind) bool {
	return k == KindFinalResult || k == KindTaskTerminated
}

// Subscription delivers live events to one consumer.
type Subscription struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newSubscription(parent context.Context, buffer int) (*Subscription, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{
		events: make(chan Event, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}, ctx
}

// Events is closed after the terminal event, on Close, or on a storage failure (see Err).
func (s *Subscription) Events() <-chan Event { return s.events }

// Close cancels the subscription and waits for its reader to exit.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Err reports the failure that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// deliver returns false when the subscriber went away.
func (s *Subscription) deliver(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Subscription) finish() {
	close(s.events)
	close(s.done)
}
