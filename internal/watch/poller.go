package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/hapo/internal/model"
)

const DefaultInterval = 10 * time.Second

type BalanceReader interface {
	Balance(ctx context.Context, studentID string) (*model.BalanceSnapshot, error)
}

// IDSource lists the accounts to read. It is called at the start of every
// poll, so accounts added after Start are picked up on the next round.
type IDSource func(ctx context.Context) ([]string, error)

// Fixed returns a source that always lists ids.
func Fixed(ids ...string) IDSource {
	return func(context.Context) ([]string, error) { return ids, nil }
}

// Poller re-reads a set of balances on a fixed interval and reports the
// ones that moved forward.
type Poller struct {
	mu       sync.RWMutex
	reader   BalanceReader
	tracker  *Tracker
	source   IDSource
	interval time.Duration
	onUpdate func(model.BalanceSnapshot)
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPoller creates a poller for the accounts source lists. onUpdate is
// called from the poll goroutine for every snapshot the tracker accepts.
func NewPoller(reader BalanceReader, tracker *Tracker, interval time.Duration, onUpdate func(model.BalanceSnapshot), logger *slog.Logger, source IDSource) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		reader:   reader,
		tracker:  tracker,
		source:   source,
		interval: interval,
		onUpdate: onUpdate,
		logger:   logger.With("component", "balance_poller"),
	}
}

// Start polls once immediately, then every interval until ctx is done or
// Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.mu.Unlock()

	go func() {
		defer close(p.done)
		p.Poll(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Poll(ctx)
			}
		}
	}()
}

// Stop cancels the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.RLock()
	cancel := p.cancel
	done := p.done
	p.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Poll lists the watched accounts and reads every balance once. Errors are
// logged and skipped.
func (p *Poller) Poll(ctx context.Context) {
	ids, err := p.source(ctx)
	if err != nil {
		p.logger.Warn("list watched accounts", "error", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		snap, err := p.reader.Balance(ctx, id)
		if err != nil {
			p.logger.Warn("poll balance", "account_id", id, "error", err)
			continue
		}
		if p.tracker.Accept(snap.AccountID, snap.Version) {
			p.onUpdate(*snap)
		}
	}
}
