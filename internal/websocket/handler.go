package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/hapo/internal/auth"
	"github.com/dukerupert/hapo/internal/model"
	"github.com/dukerupert/hapo/internal/watch"
)

type ChildLister interface {
	ListChildren(ctx context.Context, parentID string) ([]model.Account, error)
}

// Handler upgrades authenticated requests and streams the caller's
// changes. Parents watch every child balance, children their own.
type Handler struct {
	hub      *Hub
	balances watch.BalanceReader
	children ChildLister
	interval time.Duration
	origins  []string
	logger   *slog.Logger
}

// NewHandler returns a handler. An empty origins list accepts any origin.
func NewHandler(hub *Hub, balances watch.BalanceReader, children ChildLister, interval time.Duration, origins []string, logger *slog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		balances: balances,
		children: children,
		interval: interval,
		origins:  origins,
		logger:   logger.With("component", "websocket"),
	}
}

// watched lists the balances ac may see. A parent's children are listed
// again on every poll, so a child added mid-connection is picked up.
func (h *Handler) watched(ac auth.AuthContext) watch.IDSource {
	if ac.Role != model.RoleParent {
		return watch.Fixed(ac.AccountID)
	}
	return func(ctx context.Context) ([]string, error) {
		kids, err := h.children.ListChildren(ctx, ac.AccountID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(kids))
		for _, k := range kids {
			ids = append(ids, k.ID)
		}
		return ids, nil
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Clear the server read and write timeouts; they would otherwise
	// carry over to the hijacked connection.
	rc := http.NewResponseController(w)
	rc.SetReadDeadline(time.Time{})
	rc.SetWriteDeadline(time.Time{})

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: len(h.origins) == 0,
		OriginPatterns:     h.origins,
	})
	if err != nil {
		h.logger.Warn("accept", "error", err)
		return
	}
	defer conn.CloseNow()

	client := NewClient(h.hub, conn, ac.AccountID)
	poller := watch.NewPoller(h.balances, client.Tracker(), h.interval, client.PushBalance, h.logger, h.watched(ac))

	h.logger.Debug("client connected", "account_id", ac.AccountID, "role", ac.Role)
	client.Run(r.Context(), poller)
	h.logger.Debug("client disconnected", "account_id", ac.AccountID)
}
