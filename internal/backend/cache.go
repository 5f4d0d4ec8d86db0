package backend

import (
	"context"
	"log/slog"

	"github.com/dukerupert/hapo/internal/kvstore"
	"github.com/dukerupert/hapo/internal/model"
)

// CachedAccounts serves account reads from a local copy when the primary
// store fails. Writes always go to the primary and are never absorbed by
// the cache.
type CachedAccounts struct {
	primary Accounts
	cache   *kvstore.Store
	logger  *slog.Logger
}

func NewCachedAccounts(primary Accounts, cache *kvstore.Store, logger *slog.Logger) *CachedAccounts {
	return &CachedAccounts{primary: primary, cache: cache, logger: logger.With("component", "account_cache")}
}

func (c *CachedAccounts) remember(ctx context.Context, a *model.Account) {
	if a == nil {
		return
	}
	if err := c.cache.CacheAccount(ctx, a); err != nil {
		c.logger.Warn("cache account", "account_id", a.ID, "error", err)
	}
}

func (c *CachedAccounts) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := c.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	c.remember(ctx, a)
	return nil
}

func (c *CachedAccounts) UpdateAccount(ctx context.Context, a *model.Account) error {
	if err := c.primary.UpdateAccount(ctx, a); err != nil {
		return err
	}
	c.remember(ctx, a)
	return nil
}

func (c *CachedAccounts) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := c.primary.GetAccount(ctx, id)
	if err == nil {
		c.remember(ctx, a)
		return a, nil
	}
	cached, cacheErr := c.cache.GetAccount(ctx, id)
	if cacheErr != nil || cached == nil {
		return nil, err
	}
	c.logger.Warn("serving account from cache", "account_id", id, "error", err)
	return cached, nil
}

func (c *CachedAccounts) GetAccountByIdentifier(ctx context.Context, identifier string) (*model.Account, error) {
	a, err := c.primary.GetAccountByIdentifier(ctx, identifier)
	if err == nil {
		c.remember(ctx, a)
		return a, nil
	}
	cached, cacheErr := c.cache.GetAccountByIdentifier(ctx, identifier)
	if cacheErr != nil || cached == nil {
		return nil, err
	}
	c.logger.Warn("serving account from cache", "account_id", cached.ID, "error", err)
	return cached, nil
}

func (c *CachedAccounts) ListChildren(ctx context.Context, parentID string) ([]model.Account, error) {
	children, err := c.primary.ListChildren(ctx, parentID)
	if err == nil {
		for i := range children {
			c.remember(ctx, &children[i])
		}
		return children, nil
	}
	cached, cacheErr := c.cache.ListChildren(ctx, parentID)
	if cacheErr != nil || len(cached) == 0 {
		return nil, err
	}
	c.logger.Warn("serving children from cache", "parent_id", parentID, "error", err)
	return cached, nil
}
