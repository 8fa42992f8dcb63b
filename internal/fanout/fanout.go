// Package fanout delivers live appended records to subscribers over
// bounded queues. Delivery never blocks the write path: a subscriber
// that cannot keep up is closed with an error (the default) or loses its
// oldest queued records, per policy.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/logging"
	"github.com/zonequant/zq-data/internal/partition"
	"github.com/zonequant/zq-data/internal/record"
)

// Policy selects what happens when a subscriber's queue is full.
type Policy int

const (
	// PolicyCloseLagging closes the subscription with
	// ErrSubscriberLagging. Consumers learn they lost data.
	PolicyCloseLagging Policy = iota

	// PolicyDropOldest evicts the oldest queued record to make room.
	// The loss is counted on the subscription; consumers poll Dropped
	// alongside C to detect gaps in the stream.
	PolicyDropOldest
)

// Filter selects the records a subscription receives. Symbol and
// DataType are required; empty Broker, Market or Freq match anything.
type Filter struct {
	Broker   string
	Market   string
	DataType partition.DataType
	Symbol   string
	Freq     record.Freq
}

// Validate checks the filter is well formed.
func (f Filter) Validate() error {
	if f.Symbol == "" {
		return errors.NewMissingField("symbol")
	}
	if !f.DataType.Valid() {
		return errors.NewInvalidValue("data_type", string(f.DataType), "must be tick or kline")
	}
	if f.DataType == partition.DataTypeTick && f.Freq != "" {
		return errors.NewInvalidValue("freq", string(f.Freq), "tick subscriptions carry no frequency")
	}
	return nil
}

// Matches reports whether a record from the given partition passes the
// filter.
func (f Filter) Matches(key partition.Key, r *record.Record) bool {
	if f.Symbol != r.Symbol || f.DataType != key.DataType {
		return false
	}
	if f.Broker != "" && f.Broker != key.Broker {
		return false
	}
	if f.Market != "" && f.Market != key.Market {
		return false
	}
	if f.Freq != "" && f.Freq != r.Freq {
		return false
	}
	return true
}

// Options configures the hub.
type Options struct {
	// QueueSize is each subscriber's queue capacity. Default: 256
	QueueSize int

	// Policy applies when a queue is full. Default: PolicyCloseLagging
	Policy Policy
}

// DefaultOptions returns default hub options.
func DefaultOptions() Options {
	return Options{
		QueueSize: 256,
		Policy:    PolicyCloseLagging,
	}
}

// Stats holds hub statistics.
type Stats struct {
	Published     int64
	Delivered     int64
	Dropped       int64
	ClosedLagging int64
	Subscribers   int
}

// Subscription is one consumer's bounded live stream.
type Subscription struct {
	id     uuid.UUID
	filter Filter
	ch     chan record.Record

	mu      sync.Mutex
	closed  bool
	err     error
	dropped int64
}

// ID returns the subscription handle.
func (s *Subscription) ID() uuid.UUID { return s.id }

// C returns the delivery channel. It is closed on unsubscribe or when
// the subscriber lags under PolicyCloseLagging; Err tells which.
func (s *Subscription) C() <-chan record.Record { return s.ch }

// Err returns why the channel closed, or nil while the subscription is
// live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil
	}
	return s.err
}

// Dropped returns how many queued records this subscription has lost
// under PolicyDropOldest. A non-zero count means the stream has gaps
// the consumer never received.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// deliver enqueues one record without blocking. It reports false when
// the subscription must be torn down (lagging under PolicyCloseLagging).
func (s *Subscription) deliver(r record.Record, policy Policy, stats *Stats, statsMu *sync.Mutex) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}

	select {
	case s.ch <- r:
		statsMu.Lock()
		stats.Delivered++
		statsMu.Unlock()
		return true
	default:
	}

	switch policy {
	case PolicyDropOldest:
		select {
		case <-s.ch:
			s.dropped++
			statsMu.Lock()
			stats.Dropped++
			statsMu.Unlock()
		default:
		}
		select {
		case s.ch <- r:
			statsMu.Lock()
			stats.Delivered++
			statsMu.Unlock()
		default:
		}
		return true
	default:
		s.closed = true
		s.err = errors.ErrSubscriberLagging
		close(s.ch)
		statsMu.Lock()
		stats.ClosedLagging++
		statsMu.Unlock()
		return false
	}
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Hub fans appended records out to subscriptions.
type Hub struct {
	opts Options
	log  *slog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription

	statsMu sync.Mutex
	stats   Stats
}

// NewHub creates a hub.
func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	return &Hub{
		opts: opts,
		log:  logging.Component("fanout"),
		subs: make(map[uuid.UUID]*Subscription),
	}
}

// Subscribe registers a consumer for records matching the filter.
func (h *Hub) Subscribe(f Filter) (*Subscription, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	s := &Subscription{
		id:     uuid.New(),
		filter: f,
		ch:     make(chan record.Record, h.opts.QueueSize),
	}

	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()

	h.log.Debug("subscribed", "id", s.id.String(), "symbol", f.Symbol, "data_type", string(f.DataType))
	return s, nil
}

// Unsubscribe tears a subscription down immediately: its channel closes
// and no further records are delivered, even mid-publish.
func (h *Hub) Unsubscribe(id uuid.UUID) error {
	h.mu.Lock()
	s, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if !ok {
		return errors.ErrSubscriptionClosed
	}
	s.close(errors.ErrSubscriptionClosed)
	return nil
}

// Publish delivers one appended record to every matching subscription.
// It never blocks on slow consumers.
func (h *Hub) Publish(key partition.Key, r record.Record) {
	h.statsMu.Lock()
	h.stats.Published++
	h.statsMu.Unlock()

	h.mu.RLock()
	var lagging []uuid.UUID
	for id, s := range h.subs {
		if !s.filter.Matches(key, &r) {
			continue
		}
		if !s.deliver(r, h.opts.Policy, &h.stats, &h.statsMu) {
			lagging = append(lagging, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range lagging {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		h.log.Warn("lagging subscriber closed", "id", id.String())
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()

	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	st := h.stats
	st.Subscribers = n
	return st
}

// Close tears down every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uuid.UUID]*Subscription)
	h.mu.Unlock()

	for _, s := range subs {
		s.close(errors.ErrSubscriptionClosed)
	}
}
