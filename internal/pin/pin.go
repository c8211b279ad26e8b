// Package pin gates signing behind the wallet PIN. A verified PIN is
// cached in process memory for a bounded window so a user confirming a
// transaction right after unlocking is not prompted twice.
package pin

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"go.uber.org/zap"

	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/logging"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/wallet"
)

type cachedPin struct {
	pin     string
	expires time.Time
}

// Cache holds recently verified PINs per user, in memory only.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[int64]cachedPin
	now     func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: map[int64]cachedPin{}, now: time.Now}
}

func (c *Cache) put(userID int64, pin string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cachedPin{pin: pin, expires: c.now().Add(c.ttl)}
}

func (c *Cache) get(userID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[userID]
	if !ok {
		return "", false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, userID)
		return "", false
	}
	return entry.pin, true
}

// Invalidate drops the user's cached PIN immediately.
func (c *Cache) Invalidate(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// Gate combines the wallet store and the PIN cache into the single
// entry point for obtaining a signing key.
type Gate struct {
	wallets *wallet.Manager
	cache   *Cache
}

func NewGate(wallets *wallet.Manager, cache *Cache) *Gate {
	return &Gate{wallets: wallets, cache: cache}
}

// Key returns the user's decrypted signing key. With an empty pin it
// relies on the cache; a cache miss asks the user for the PIN rather
// than failing the transaction. Callers must ZeroKey the result on
// every exit path.
func (g *Gate) Key(userID int64, pin string) (*keystore.Key, error) {
	fromCache := false
	if pin == "" {
		cached, ok := g.cache.get(userID)
		if !ok {
			return nil, brokererr.New(brokererr.KindPinRequired, "enter your PIN to continue")
		}
		pin = cached
		fromCache = true
	}

	key, err := g.wallets.Decrypt(userID, pin)
	if err != nil {
		if brokererr.KindOf(err) == brokererr.KindPinIncorrect {
			// A stale cached PIN means the wallet was re-keyed; drop it
			// and prompt instead of surfacing a confusing failure.
			g.cache.Invalidate(userID)
			if fromCache {
				return nil, brokererr.New(brokererr.KindPinRequired, "enter your PIN to continue")
			}
		}
		return nil, err
	}
	if !fromCache {
		g.cache.put(userID, pin)
		logging.Debug("pin verified", logging.UserField(userID), zap.Duration("cache_ttl", g.cache.ttl))
	}
	return key, nil
}
