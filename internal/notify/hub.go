package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/outreach/internal/domain"
)

const (
	defaultQueueSize      = 256
	defaultSubscriberSize = 64
)

// Hub is the in-process Gateway. Publish never blocks; a single broadcast loop assigns event
// IDs, keeps a bounded replay buffer per campaign, and fans events out to that campaign's
// subscribers only.
type Hub struct {
	in     chan Event
	queue  *replayQueue
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	subs    map[domain.TenantKey]map[int64]*Subscription
	eventID int64
	subID   int64
	closed  bool

	done chan struct{}
	once sync.Once
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithQueueSize sets the capacity of the publish buffer.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.in = make(chan Event, n)
		}
	}
}

// WithReplaySize sets how many events are kept per campaign for reconnecting clients.
func WithReplaySize(n int) HubOption {
	return func(h *Hub) { h.queue = newReplayQueue(n) }
}

// WithHubLogger sets the logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates a Hub. Call Run to start delivering events.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		in:     make(chan Event, defaultQueueSize),
		queue:  newReplayQueue(0),
		logger: slog.Default(),
		now:    time.Now,
		subs:   make(map[domain.TenantKey]map[int64]*Subscription),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish queues ev for key. When the buffer is full the event is dropped.
func (h *Hub) Publish(key domain.TenantKey, ev Event) {
	ev.Key = key
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.in <- ev:
	default:
		h.logger.Warn("Event buffer full, dropping event",
			"user_id", key.UserID,
			"campaign_id", key.CampaignID,
			"type", ev.Type)
	}
}

// Run delivers events until ctx is cancelled or Close is called.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("Event broadcast loop started")
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Event broadcast loop shutting down")
			return nil
		case <-h.done:
			h.logger.Info("Event broadcast loop shutting down")
			return nil
		case ev := <-h.in:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.eventID++
	ev.ID = h.eventID
	h.queue.enqueue(ev)

	for _, sub := range h.subs[ev.Key] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("Subscriber too slow, dropping event",
				"user_id", ev.Key.UserID,
				"campaign_id", ev.Key.CampaignID,
				"subscriber", sub.id,
				"event_id", ev.ID)
		}
	}
}

// Subscription receives live events for one campaign.
type Subscription struct {
	id  int64
	key domain.TenantKey
	ch  chan Event
	hub *Hub
	// closeOnce guards ch; the hub may close it on shutdown.
	closeOnce sync.Once
}

// C returns the event channel. It is closed when the subscription or the hub is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if subs, ok := s.hub.subs[s.key]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.hub.subs, s.key)
		}
	}
	s.closeOnce.Do(func() { close(s.ch) })
}

// Subscribe returns the buffered events of key newer than afterID and a subscription for
// everything that follows. No event falls between the two.
func (h *Hub) Subscribe(key domain.TenantKey, afterID int64) ([]Event, *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subID++
	sub := &Subscription{
		id:  h.subID,
		key: key,
		ch:  make(chan Event, defaultSubscriberSize),
		hub: h,
	}
	if h.closed {
		close(sub.ch)
		return nil, sub
	}
	if _, ok := h.subs[key]; !ok {
		h.subs[key] = make(map[int64]*Subscription)
	}
	h.subs[key][sub.id] = sub
	return h.queue.after(key, afterID), sub
}

// Subscribers returns the number of live subscriptions for key.
func (h *Hub) Subscribers(key domain.TenantKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

// Forget drops the replay buffer of key.
func (h *Hub) Forget(key domain.TenantKey) {
	h.queue.prune(key)
}

// Close stops the broadcast loop.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}

func (h *Hub) shutdown() {
	h.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for key, subs := range h.subs {
		for _, sub := range subs {
			sub.closeOnce.Do(func() { close(sub.ch) })
		}
		delete(h.subs, key)
	}
}
