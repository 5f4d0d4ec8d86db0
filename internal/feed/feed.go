// Package feed is an in-process change feed. Services publish row changes;
// subscribers receive the ones matching their filter.
package feed

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TableAccounts      = "accounts"
	TableTransactions  = "transactions"
	TableMoneyRequests = "money_requests"

	TypeInsert = "INSERT"
	TypeUpdate = "UPDATE"
)

const subscriptionBuffer = 32

// Event describes one committed change. Audience lists the account ids
// allowed to see it.
type Event struct {
	Table    string    `json:"table"`
	Type     string    `json:"type"`
	EntityID string    `json:"entity_id"`
	Version  int64     `json:"version,omitempty"`
	Record   any       `json:"record"`
	At       time.Time `json:"at"`
	Audience []string  `json:"-"`
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Table     string
	AccountID string
	Types     []string
}

func (f Filter) Match(e Event) bool {
	if f.Table != "" && f.Table != e.Table {
		return false
	}
	if f.AccountID != "" && !slices.Contains(e.Audience, f.AccountID) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	return true
}

// Publisher is what services depend on.
type Publisher interface {
	Publish(e Event)
}

// Broker fans events out to subscribers. A subscriber whose buffer is full
// misses the event; delivery is not guaranteed to slow consumers.
type Broker struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With("component", "feed"),
	}
}

type Subscription struct {
	C <-chan Event

	ch     chan Event
	filter Filter
	broker *Broker
	once   sync.Once
}

func (b *Broker) Subscribe(f Filter) *Subscription {
	ch := make(chan Event, subscriptionBuffer)
	s := &Subscription{C: ch, ch: ch, filter: f, broker: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		close(s.ch)
		s.broker.mu.Unlock()
	})
}

func (b *Broker) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.filter.Match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Debug("subscriber buffer full, dropping event", "table", e.Table, "entity_id", e.EntityID)
		}
	}
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped because of full buffers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}
