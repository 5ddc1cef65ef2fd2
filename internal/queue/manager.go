// Package queue admits session-versions onto a worker. A node runs at most max_active_sessions
// versions at once; the rest wait in strict FIFO order and are told their position as it moves.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mohammad-safakhou/linsight/config"
)

// CodeQueueFull is the client-facing code for ErrQueueFull.
const CodeQueueFull = 11040

// ErrQueueFull is returned when the waiting list is at max_waiting.
var ErrQueueFull = errors.New("admission queue is full")

// SlotRegistry records which worker holds which slot so that slots of crashed workers can be
// reaped by their peers. Nil disables cross-node bookkeeping.
type SlotRegistry interface {
	Claim(ctx context.Context, versionID string) error
	Release(ctx context.Context, versionID string) error
}

// Ticket is one admission request.
type Ticket struct {
	VersionID string
	UserID    int64
	// Position is called with the 1-based waiting position each time it improves. It is called
	// from the admitting goroutine only, so positions arrive in non-increasing order.
	Position func(ctx context.Context, n int)
}

// Manager is the per-node admission semaphore.
type Manager struct {
	mu         sync.Mutex
	capacity   int
	maxWaiting int
	active     map[string]*Slot
	waiting    *list.List // of *waiter
	registry   SlotRegistry
	logger     *log.Logger
}

type waiter struct {
	ticket  Ticket
	pos     int
	moved   chan struct{}
	granted chan struct{}
	slot    *Slot
}

// NewManager builds a manager from the queue config.
func NewManager(cfg config.QueueConfig, registry SlotRegistry, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "[QUEUE] ", log.LstdFlags)
	}
	capacity := cfg.MaxActiveSessions
	if capacity <= 0 {
		capacity = 1
	}
	return &Manager{
		capacity:   capacity,
		maxWaiting: cfg.MaxWaiting,
		active:     make(map[string]*Slot),
		waiting:    list.New(),
		registry:   registry,
		logger:     logger,
	}
}

// Slot is held from admission until the version reaches its terminal event.
type Slot struct {
	m         *Manager
	VersionID string
	Admitted  time.Time
	once      sync.Once
}

// Release frees the slot and admits the head of the waiting list. Safe to call twice.
func (s *Slot) Release() {
	s.once.Do(func() { s.m.release(s) })
}

// Admit blocks until t holds a slot or ctx ends. It fails fast with ErrQueueFull when the
// waiting list is full.
func (m *Manager) Admit(ctx context.Context, t Ticket) (*Slot, error) {
	if t.VersionID == "" {
		return nil, fmt.Errorf("admit: version id is required")
	}
	m.mu.Lock()
	if _, dup := m.active[t.VersionID]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("admit %s: already holds a slot", t.VersionID)
	}
	if len(m.active) < m.capacity && m.waiting.Len() == 0 {
		slot := m.grantLocked(t.VersionID)
		m.mu.Unlock()
		return m.claimed(ctx, slot)
	}
	if m.maxWaiting > 0 && m.waiting.Len() >= m.maxWaiting {
		m.mu.Unlock()
		recordRejected(ctx)
		return nil, ErrQueueFull
	}
	w := &waiter{
		ticket:  t,
		pos:     m.waiting.Len() + 1,
		moved:   make(chan struct{}, 1),
		granted: make(chan struct{}),
	}
	elem := m.waiting.PushBack(w)
	m.mu.Unlock()
	recordWaiting(ctx, 1)
	m.logger.Printf("version=%s parked at position %d", t.VersionID, w.pos)

	last := w.pos
	notify := func(n int) {
		if t.Position != nil {
			t.Position(ctx, n)
		}
	}
	notify(last)
	for {
		select {
		case <-w.granted:
			recordWaiting(ctx, -1)
			return m.claimed(ctx, w.slot)
		case <-w.moved:
			m.mu.Lock()
			pos := w.pos
			m.mu.Unlock()
			if pos > 0 && pos < last {
				last = pos
				notify(pos)
			}
		case <-ctx.Done():
			m.mu.Lock()
			if w.slot != nil {
				// Granted concurrently with the cancel: hand the slot on.
				slot := w.slot
				m.mu.Unlock()
				recordWaiting(ctx, -1)
				slot.Release()
				return nil, ctx.Err()
			}
			m.waiting.Remove(elem)
			m.renumberLocked()
			m.mu.Unlock()
			recordWaiting(ctx, -1)
			m.logger.Printf("version=%s left the queue: %v", t.VersionID, ctx.Err())
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) claimed(ctx context.Context, slot *Slot) (*Slot, error) {
	if m.registry != nil {
		if err := m.registry.Claim(ctx, slot.VersionID); err != nil {
			m.logger.Printf("version=%s slot registry claim: %v", slot.VersionID, err)
		}
	}
	recordAdmitted(ctx)
	m.logger.Printf("version=%s admitted (%d/%d active)", slot.VersionID, m.Active(), m.capacity)
	return slot, nil
}

func (m *Manager) grantLocked(versionID string) *Slot {
	slot := &Slot{m: m, VersionID: versionID, Admitted: time.Now().UTC()}
	m.active[versionID] = slot
	return slot
}

// renumberLocked recomputes waiting positions and wakes waiters whose position changed.
func (m *Manager) renumberLocked() {
	i := 1
	for e := m.waiting.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		if w.pos != i {
			w.pos = i
			select {
			case w.moved <- struct{}{}:
			default:
			}
		}
		i++
	}
}

func (m *Manager) release(s *Slot) {
	m.mu.Lock()
	if m.active[s.VersionID] == s {
		delete(m.active, s.VersionID)
	}
	for len(m.active) < m.capacity && m.waiting.Len() > 0 {
		w := m.waiting.Remove(m.waiting.Front()).(*waiter)
		w.pos = 0
		w.slot = m.grantLocked(w.ticket.VersionID)
		close(w.granted)
	}
	m.renumberLocked()
	m.mu.Unlock()

	if m.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.registry.Release(ctx, s.VersionID); err != nil {
			m.logger.Printf("version=%s slot registry release: %v", s.VersionID, err)
		}
	}
}

// Active returns the number of held slots.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Waiting returns the number of parked tickets.
func (m *Manager) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting.Len()
}

// Capacity returns max_active_sessions.
func (m *Manager) Capacity() int { return m.capacity }

// Full reports whether a new ticket would be refused right now.
func (m *Manager) Full() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active) >= m.capacity && m.maxWaiting > 0 && m.waiting.Len() >= m.maxWaiting
}
