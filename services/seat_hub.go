// services/seat_hub.go
package services

import (
	"sync"
	"time"
)

// SeatView is one seat as shipped to observers.
type SeatView struct {
	Position   int     `json:"position"`
	OccupantID *string `json:"occupant_id"`
	IsHost     bool    `json:"is_host"`
}

// SeatSnapshot is a full seat-array state for a table. Version increases by
// one per mutation so observers can detect the ordering themselves.
type SeatSnapshot struct {
	TableID string     `json:"table_id"`
	Status  string     `json:"status"`
	Version int64      `json:"version"`
	Seats   []SeatView `json:"seats"`
	SentAt  time.Time  `json:"sent_at"`
}

// subscriberBuffer bounds each observer's queue. A consumer that falls this
// far behind is dropped rather than blocking the table's writer.
const subscriberBuffer = 16

// SeatHub fans seat snapshots out to subscribed observers, one registry per
// table. Every mutation for a table runs inside Mutate, which also owns
// publishing — that single lock is what gives every observer the exact
// server-side mutation order. Tables are independent: no lock spans two of
// them.
type SeatHub struct {
	mu     sync.Mutex
	tables map[string]*tableHub
}

type tableHub struct {
	mu          sync.Mutex
	dropped     bool
	version     int64
	last        *SeatSnapshot
	subscribers map[chan SeatSnapshot]struct{}
}

func NewSeatHub() *SeatHub {
	return &SeatHub{tables: make(map[string]*tableHub)}
}

func (h *SeatHub) table(tableID string) *tableHub {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tables[tableID]
	if !ok {
		t = &tableHub{subscribers: make(map[chan SeatSnapshot]struct{})}
		h.tables[tableID] = t
	}
	return t
}

// acquire resolves the table's hub and locks it, retrying when a concurrent
// Drop retired the resolved hub before the lock was taken — otherwise a
// subscriber could register on an orphaned hub no Mutate ever publishes to.
// The caller must unlock.
func (h *SeatHub) acquire(tableID string) *tableHub {
	for {
		t := h.table(tableID)
		t.mu.Lock()
		if !t.dropped {
			return t
		}
		t.mu.Unlock()
	}
}

// Mutate runs fn as the table's single logical writer. If fn returns a
// snapshot it is stamped with the next version and delivered to every
// subscriber before the writer role is released, so per-observer delivery
// order always matches mutation order. fn returning nil publishes nothing
// (failed claims stay invisible to observers).
func (h *SeatHub) Mutate(tableID string, fn func() (*SeatSnapshot, error)) error {
	t := h.acquire(tableID)
	defer t.mu.Unlock()

	snap, err := fn()
	if err != nil || snap == nil {
		return err
	}

	t.version++
	snap.Version = t.version
	snap.SentAt = time.Now().UTC()
	t.last = snap

	for ch := range t.subscribers {
		select {
		case ch <- *snap:
		default:
			// Slow consumer: drop it. The SSE handler observes the closed
			// channel and ends the stream; the client reconnects for a
			// fresh snapshot.
			delete(t.subscribers, ch)
			close(ch)
		}
	}
	return nil
}

// Subscribe registers an observer. If the table has published before, the
// current full snapshot is queued first so late subscribers start from
// fresh state. The returned cancel func is idempotent and releases the
// registration.
func (h *SeatHub) Subscribe(tableID string) (<-chan SeatSnapshot, func()) {
	t := h.acquire(tableID)
	defer t.mu.Unlock()

	ch := make(chan SeatSnapshot, subscriberBuffer)
	if t.last != nil {
		ch <- *t.last
	}
	t.subscribers[ch] = struct{}{}

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subscribers[ch]; ok {
			delete(t.subscribers, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Prime seeds the table's snapshot without bumping the version, used when a
// stream starts before any mutation has been published (e.g. right after
// provisioning).
func (h *SeatHub) Prime(tableID string, snap *SeatSnapshot) {
	t := h.acquire(tableID)
	defer t.mu.Unlock()
	if t.last == nil {
		snap.Version = t.version
		snap.SentAt = time.Now().UTC()
		t.last = snap
	}
}

// SubscriberCount reports the table's live observer count.
func (h *SeatHub) SubscriberCount(tableID string) int {
	t := h.acquire(tableID)
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// Drop removes a settled table's registry once its stream has no readers.
// The retired hub is marked dropped under its own lock, so anyone who
// resolved it before the delete retries against the live registry instead of
// operating on the orphan.
func (h *SeatHub) Drop(tableID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tables[tableID]
	if !ok {
		return
	}
	t.mu.Lock()
	if len(t.subscribers) == 0 {
		t.dropped = true
		delete(h.tables, tableID)
	}
	t.mu.Unlock()
}
