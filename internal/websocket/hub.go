package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/hapo/internal/feed"
	"github.com/dukerupert/hapo/internal/model"
)

// Message is one change notification written to a client.
type Message struct {
	Type     string    `json:"type"`
	Table    string    `json:"table"`
	Action   string    `json:"action"`
	EntityID string    `json:"entity_id"`
	Version  int64     `json:"version,omitempty"`
	Record   any       `json:"record,omitempty"`
	At       time.Time `json:"at"`
}

// NewMessage creates a Message with the Type field derived from table and action.
func NewMessage(table, action, entityID string, version int64, record any) Message {
	return Message{
		Type:     strings.ToLower(table + "_" + action),
		Table:    table,
		Action:   action,
		EntityID: entityID,
		Version:  version,
		Record:   record,
		At:       time.Now().UTC(),
	}
}

func FromEvent(e feed.Event) Message {
	m := NewMessage(e.Table, e.Type, e.EntityID, e.Version, e.Record)
	if !e.At.IsZero() {
		m.At = e.At
	}
	return m
}

// BalanceMessage reports a polled balance the same way a pushed
// accounts update is reported.
func BalanceMessage(s model.BalanceSnapshot) Message {
	m := NewMessage(feed.TableAccounts, feed.TypeUpdate, s.AccountID, s.Version, s)
	if !s.ReadAt.IsZero() {
		m.At = s.ReadAt
	}
	return m
}

// Hub maintains the set of connected clients and routes feed events to the
// accounts in each event's audience.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger.With("component", "websocket"),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// Run subscribes to the broker and delivers events until ctx is done.
func (h *Hub) Run(ctx context.Context, broker *feed.Broker) {
	sub := broker.Subscribe(feed.Filter{})
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			h.Deliver(e)
		}
	}
}

// Deliver sends e to every client whose account is in the event audience.
// Balance updates older than what a client has already seen are skipped.
func (h *Hub) Deliver(e feed.Event) {
	data, err := json.Marshal(FromEvent(e))
	if err != nil {
		h.logger.Error("marshal event", "table", e.Table, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !slices.Contains(e.Audience, c.accountID) {
			continue
		}
		if e.Table == feed.TableAccounts && !c.tracker.Accept(e.EntityID, e.Version) {
			continue
		}
		if !c.enqueue(data) {
			h.logger.Debug("client buffer full, dropping event", "account_id", c.accountID, "table", e.Table)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
