package tokens

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// TokenStore tracks the unique IDs of download tokens that have already been
// redeemed. Entries outlive the longest token expiry, so a replayed token is
// always either expired or already present here.
type TokenStore struct {
	cache *cache.Cache
	mutex sync.Mutex
}

var (
	_tokens     *TokenStore
	_tokensOnce sync.Once
)

// getTokenStore returns the process-wide redemption cache shared by every
// payload type that enforces one-time use.
func getTokenStore() *TokenStore {
	_tokensOnce.Do(func() {
		_tokens = &TokenStore{
			cache: cache.New(time.Minute*60, time.Minute*5),
		}
	})
	return _tokens
}

// IsValidToken reports whether the given unique ID has been seen before, and
// marks it as seen. The check and the insert happen under one lock so two
// concurrent requests presenting the same token cannot both pass.
func (t *TokenStore) IsValidToken(token string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	_, exists := t.cache.Get(token)

	if !exists {
		t.cache.Add(token, "", time.Minute*60)
	}

	return !exists
}
