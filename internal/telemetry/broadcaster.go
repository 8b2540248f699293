package telemetry

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// DefaultHistory is the number of snapshots kept for the trace chart.
const DefaultHistory = 600

// Broadcaster fans snapshots out to observers. Each observer has a one-slot
// mailbox holding only the newest snapshot, so a slow reader skips
// snapshots instead of stalling Publish.
type Broadcaster struct {
	mu        sync.Mutex
	observers map[string]chan Snapshot
	latest    *Snapshot
	history   *History
}

// NewBroadcaster keeps up to history snapshots for History.
func NewBroadcaster(history int) *Broadcaster {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Broadcaster{
		observers: make(map[string]chan Snapshot),
		history:   NewHistory(history),
	}
}

// Publish replaces every observer's pending snapshot with s.
func (b *Broadcaster) Publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = &s
	b.history.Add(s)
	for _, ch := range b.observers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Subscribe registers an observer. The channel starts with the latest
// snapshot, if any, and is closed once ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Snapshot {
	id := uuid.NewString()
	ch := make(chan Snapshot, 1)

	b.mu.Lock()
	if b.latest != nil {
		ch <- *b.latest
	}
	b.observers[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.observers, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

// Latest returns the last published snapshot.
func (b *Broadcaster) Latest() (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return Snapshot{}, false
	}
	return *b.latest, true
}

// Observers returns the number of live subscriptions.
func (b *Broadcaster) Observers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// History returns the retained snapshots, oldest first.
func (b *Broadcaster) History() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.Snapshots()
}

// History is a fixed-size ring of snapshots.
type History struct {
	buf  []Snapshot
	next int
	full bool
}

func NewHistory(n int) *History {
	return &History{buf: make([]Snapshot, n)}
}

func (h *History) Add(s Snapshot) {
	h.buf[h.next] = s
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// Snapshots returns a copy of the ring contents, oldest first.
func (h *History) Snapshots() []Snapshot {
	if !h.full {
		return append([]Snapshot(nil), h.buf[:h.next]...)
	}
	out := make([]Snapshot, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}
