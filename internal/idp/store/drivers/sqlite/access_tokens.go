package sqlite

import (
	"context"
	"sync"
	"time"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/domain"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/store"
)

// accessTokenCache holds decrypted access tokens in process memory only.
// Persisting them would violate the lifecycle invariant that an access token
// dies with its SSO token, so this never touches sqlite.
type accessTokenCache struct {
	mu sync.RWMutex
	m  map[string]domain.AccessToken
}

func newAccessTokenCache() *accessTokenCache {
	return &accessTokenCache{m: make(map[string]domain.AccessToken)}
}

func (c *accessTokenCache) get(profileID string) (domain.AccessToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.m[profileID]
	return t, ok
}

func (c *accessTokenCache) set(profileID string, t domain.AccessToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[profileID] = t
}

func (c *accessTokenCache) invalidate(profileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, profileID)
}

func (c *accessTokenCache) deleteExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for profileID, t := range c.m {
		if t.Expired(now) {
			delete(c.m, profileID)
		}
	}
}

type accessTokensRepo struct {
	c *accessTokenCache
}

func (r *accessTokensRepo) Get(ctx context.Context, profileID string) (domain.AccessToken, error) {
	t, ok := r.c.get(profileID)
	if !ok {
		return domain.AccessToken{}, store.ErrNotFound
	}
	return t, nil
}

func (r *accessTokensRepo) Set(ctx context.Context, profileID string, t domain.AccessToken) error {
	r.c.set(profileID, t)
	return nil
}

func (r *accessTokensRepo) Invalidate(ctx context.Context, profileID string) error {
	r.c.invalidate(profileID)
	return nil
}

func (r *accessTokensRepo) DeleteExpired(ctx context.Context) error {
	r.c.deleteExpired(time.Now())
	return nil
}
