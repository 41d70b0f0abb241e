package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

type subscriber struct {
	id     string
	policy DropPolicy
	stats  *SubscriberStats

	// DropNew
	ch chan<- Event

	// DropOld
	latest *latestHolder
}

type bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	session     string
	seq         uint64
	published   uint64
	closed      bool
}

// NewBus creates a bus stamping every event with session
func NewBus(session string) Bus {
	return &bus{
		subscribers: make(map[string]*subscriber),
		session:     session,
	}
}

// Subscribe registers a channel; events are dropped when it is full
func (b *bus) Subscribe(id string, ch chan<- Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	if ch == nil {
		return ErrNilChannel
	}

	b.subscribers[id] = &subscriber{
		id:     id,
		policy: DropNew,
		stats:  &SubscriberStats{},
		ch:     ch,
	}
	return nil
}

// SubscribeLatest registers a single-slot subscriber that always holds the
// most recent event
func (b *bus) SubscribeLatest(id string) (Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	s := &subscriber{
		id:     id,
		policy: DropOld,
		stats:  &SubscriberStats{},
		latest: newLatestHolder(),
	}
	b.subscribers[id] = s
	return s.latest, nil
}

// Publish stamps ev and hands it to every subscriber without blocking
func (b *bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	ev.Seq = atomic.AddUint64(&b.seq, 1)
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Session == "" {
		ev.Session = b.session
	}
	atomic.AddUint64(&b.published, 1)

	for _, s := range b.subscribers {
		switch s.policy {
		case DropNew:
			select {
			case s.ch <- ev:
				atomic.AddUint64(&s.stats.Sent, 1)
			default:
				atomic.AddUint64(&s.stats.Dropped, 1)
			}
		case DropOld:
			if s.latest.set(ev) {
				atomic.AddUint64(&s.stats.Dropped, 1)
			}
			atomic.AddUint64(&s.stats.Sent, 1)
		}
	}
}

// Unsubscribe removes a subscriber; channels are left open for the caller
func (b *bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if s.latest != nil {
		s.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

func (b *bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := Stats{
		Published:   atomic.LoadUint64(&b.published),
		Subscribers: make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, s := range b.subscribers {
		out.Subscribers[id] = loadStats(s.stats)
	}
	return out
}

func (b *bus) SubscriberStats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return loadStats(s.stats), nil
}

// Close shuts down the bus and every latest-event receiver
func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, s := range b.subscribers {
		if s.latest != nil {
			s.latest.Close()
		}
	}
	b.subscribers = nil
}

func loadStats(s *SubscriberStats) SubscriberStats {
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&s.Sent),
		Dropped: atomic.LoadUint64(&s.Dropped),
	}
}

// latestHolder implements Receiver for the DropOld policy
type latestHolder struct {
	mu       sync.Mutex
	cond     *sync.Cond
	ev       Event
	has      bool
	seq      uint64 // of the held event
	consumed uint64 // seq last handed out by Receive
	closed   bool
}

func newLatestHolder() *latestHolder {
	h := &latestHolder{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// set replaces the held event and reports whether an unread one was overwritten
func (h *latestHolder) set(ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	overwritten := h.has && h.seq != h.consumed
	h.ev = ev
	h.has = true
	h.seq = ev.Seq
	h.cond.Broadcast()
	return overwritten
}

func (h *latestHolder) Receive() (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for (!h.has || h.seq == h.consumed) && !h.closed {
		h.cond.Wait()
	}
	if h.closed {
		return Event{}, false
	}
	h.consumed = h.seq
	return h.ev, true
}

// TryReceive returns the latest event without blocking or consuming it
func (h *latestHolder) TryReceive() (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.has {
		return Event{}, false
	}
	return h.ev, true
}

func (h *latestHolder) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.cond.Broadcast()
}
