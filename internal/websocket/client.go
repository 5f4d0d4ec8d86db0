package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/hapo/internal/model"
	"github.com/dukerupert/hapo/internal/watch"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

// Client is one authenticated connection. Pushed events and polled
// balances share the client's tracker, so each balance only moves forward.
type Client struct {
	hub       *Hub
	conn      *ws.Conn
	accountID string
	tracker   *watch.Tracker

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func NewClient(hub *Hub, conn *ws.Conn, accountID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		accountID: accountID,
		tracker:   watch.NewTracker(),
		send:      make(chan []byte, sendBufferSize),
	}
}

// Tracker is shared with the connection's balance poller.
func (c *Client) Tracker() *watch.Tracker { return c.tracker }

// enqueue never blocks; it reports false when the message was dropped.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// PushBalance is the poller callback. The poller has already passed the
// snapshot through the tracker.
func (c *Client) PushBalance(s model.BalanceSnapshot) {
	data, err := json.Marshal(BalanceMessage(s))
	if err != nil {
		c.hub.logger.Error("marshal balance", "account_id", s.AccountID, "error", err)
		return
	}
	c.enqueue(data)
}

// Run registers the client, starts the poller and the write pump, and runs
// the read pump. It blocks until the connection is closed. The poller is
// stopped before the client is unregistered.
func (c *Client) Run(ctx context.Context, poller *watch.Poller) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if poller != nil {
		poller.Start(ctx)
		defer poller.Stop()
	}

	go c.writePump(ctx, cancel)
	c.readPump(ctx)
}

// readPump discards incoming messages and returns when the connection closes.
func (c *Client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

// writePump drains the send channel and pings periodically to detect
// stale connections.
func (c *Client) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
