// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/hubdevice/core/logger"
)

const (
	// RefreshMargin is the minimum remaining validity of a cached token
	RefreshMargin = 5 * time.Minute
	// Lifetime is the validity of a freshly minted token
	Lifetime = 24 * time.Hour
)

// Cache lazily mints tokens from a Source and reuses them until they are about to expire.
type Cache struct {
	source Source
	now    func() time.Time

	mutex     sync.Mutex
	token     string
	expiresAt time.Time
	valid     bool
}

// CacheOption configures a Cache
type CacheOption func(*Cache)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache returns an empty cache in front of source
func NewCache(source Source, opts ...CacheOption) *Cache {
	c := &Cache{source: source, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the current token, minting a new one if there is none or the cached one
// expires within RefreshMargin. The lock is held while minting, so concurrent callers
// wait for a single mint.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	if c.valid && c.expiresAt.Sub(now) >= RefreshMargin {
		return c.token, nil
	}

	expiresAt := now.Add(Lifetime)
	logger.FromContext(ctx).Debugf("generating new auth token that will expire at %s", expiresAt)
	token, err := c.source.Token(ctx, expiresAt)
	if err == nil && token == "" {
		err = errors.New("source returned an empty token")
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMint, err)
	}
	c.token = token
	c.expiresAt = expiresAt
	c.valid = true
	return token, nil
}

// ExpiresAt returns the expiration of the cached token, if there is one
func (c *Cache) ExpiresAt() (time.Time, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.expiresAt, c.valid
}

// Invalidate drops the cached token, the next call to Token mints a new one
func (c *Cache) Invalidate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.valid = false
}
