package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/mohammad-safakhou/linsight/internal/queue/streams"
)

// MemoryBus keeps streams in process memory. It backs single-node development and tests.
type MemoryBus struct {
	mu        sync.Mutex
	streams   map[string]*memStream
	registry  *streams.SchemaRegistry
	retention time.Duration
	now       func() time.Time
}

type memStream struct {
	events   []Event
	closed   bool
	closedAt time.Time
	notify   chan struct{} // closed and replaced on every append
}

// NewMemoryBus builds an in-memory bus. registry may be nil to skip payload validation.
func NewMemoryBus(registry *streams.SchemaRegistry, retention time.Duration) *MemoryBus {
	return &MemoryBus{
		streams:   make(map[string]*memStream),
		registry:  registry,
		retention: retention,
		now:       time.Now,
	}
}

func (b *MemoryBus) stream(versionID string) *memStream {
	st, ok := b.streams[versionID]
	if !ok {
		st = &memStream{notify: make(chan struct{})}
		b.streams[versionID] = st
	}
	return st
}

func (b *MemoryBus) Append(ctx context.Context, versionID string, kind Kind, payload interface{}) (int64, error) {
	return b.append(ctx, versionID, kind, payload, false)
}

func (b *MemoryBus) Close(ctx context.Context, versionID string, kind Kind, payload interface{}) (int64, error) {
	if !IsTerminal(kind) {
		return 0, ErrNotTerminal
	}
	return b.append(ctx, versionID, kind, payload, true)
}

func (b *MemoryBus) append(ctx context.Context, versionID string, kind Kind, payload interface{}, closing bool) (int64, error) {
	data, err := prepare(b.registry, kind, payload)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked()
	st := b.stream(versionID)
	if st.closed {
		return 0, ErrStreamClosed
	}
	ev := Event{
		VersionID: versionID,
		Seq:       int64(len(st.events)) + 1,
		Kind:      kind,
		Data:      data,
		TS:        b.now().UTC().UnixMilli(),
	}
	st.events = append(st.events, ev)
	if closing {
		st.closed = true
		st.closedAt = b.now()
	}
	close(st.notify)
	st.notify = make(chan struct{})
	recordAppend(ctx, kind)
	return ev.Seq, nil
}

func (b *MemoryBus) Read(ctx context.Context, versionID string, sinceSeq int64, max int) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[versionID]
	if !ok {
		return nil, nil
	}
	return sliceSince(st.events, sinceSeq, max), nil
}

func (b *MemoryBus) Closed(ctx context.Context, versionID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[versionID]
	return ok && st.closed, nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, versionID string, sinceSeq int64) (*Subscription, error) {
	sub, subCtx := newSubscription(ctx, 64)
	trackSubscriber(ctx, 1)
	go func() {
		defer trackSubscriber(context.Background(), -1)
		defer sub.finish()
		last := sinceSeq
		for {
			b.mu.Lock()
			st := b.stream(versionID)
			pending := sliceSince(st.events, last, 0)
			notify := st.notify
			closed := st.closed
			b.mu.Unlock()

			for _, ev := range pending {
				if !sub.deliver(subCtx, ev) {
					return
				}
				last = ev.Seq
				if IsTerminal(ev.Kind) {
					return
				}
			}
			if closed && len(pending) == 0 {
				return
			}
			select {
			case <-subCtx.Done():
				return
			case <-notify:
			}
		}
	}()
	return sub, nil
}

// sweepLocked drops closed streams older than the retention window.
func (b *MemoryBus) sweepLocked() {
	if b.retention <= 0 {
		return
	}
	cutoff := b.now().Add(-b.retention)
	for id, st := range b.streams {
		if st.closed && st.closedAt.Before(cutoff) {
			delete(b.streams, id)
		}
	}
}

func sliceSince(events []Event, sinceSeq int64, max int) []Event {
	if sinceSeq < 0 {
		sinceSeq = 0
	}
	if sinceSeq >= int64(len(events)) {
		return nil
	}
	// seq n lives at index n-1
	out := events[sinceSeq:]
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	cp := make([]Event, len(out))
	copy(cp, out)
	return cp
}
