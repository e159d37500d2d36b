// Package preferences resolves user delivery preferences through a cache.
package preferences

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/notification-dispatch/internal/cache"
	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/bissquit/notification-dispatch/internal/kv"
)

// Source fetches authoritative preferences for a user.
type Source interface {
	Fetch(ctx context.Context, userID string) (*domain.UserPreferenceSnapshot, error)
}

// Cache resolves preferences cache-aside in front of a Source.
type Cache struct {
	aside *cache.Aside[domain.UserPreferenceSnapshot]
}

// NewCache creates a preference cache.
func NewCache(config cache.Config, store kv.Store, source Source) *Cache {
	if config.Name == "" {
		config.Name = "preferences"
	}
	if config.Prefix == "" {
		config.Prefix = "user:prefs:"
	}
	load := func(ctx context.Context, userID string) (domain.UserPreferenceSnapshot, error) {
		snap, err := source.Fetch(ctx, userID)
		if err != nil {
			return domain.UserPreferenceSnapshot{}, err
		}
		return *snap, nil
	}
	return &Cache{aside: cache.NewAside(config, store, load)}
}

// Resolve returns the preference snapshot for userID.
func (c *Cache) Resolve(ctx context.Context, userID string) (*domain.UserPreferenceSnapshot, error) {
	snap, err := c.aside.Get(ctx, userID)
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrCacheUnavailable):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
		}
	}
	if snap.UserID == "" {
		snap.UserID = userID
	}
	return &snap, nil
}

// Invalidate drops the cached snapshot for userID.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if err := c.aside.Invalidate(ctx, userID); err != nil {
		return fmt.Errorf("invalidate user %s: %w", userID, err)
	}
	return nil
}
