// Package eventlog remembers when the most recent event was seen per contract
// and per wallet, so listeners can decide whether a view needs refreshing.
package eventlog

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultSize = 1024

type Tracker struct {
	mu        sync.Mutex
	clock     clock.Clock
	contracts *lru.Cache[string, time.Time]
	wallets   *lru.Cache[string, time.Time]
}

func New(size int, clk clock.Clock) (*Tracker, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if clk == nil {
		clk = clock.New()
	}
	contracts, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	wallets, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &Tracker{clock: clk, contracts: contracts, wallets: wallets}, nil
}

func (t *Tracker) TouchContract(contractID string) time.Time {
	return t.touch(t.contracts, contractID)
}

func (t *Tracker) TouchWallet(wallet string) time.Time {
	return t.touch(t.wallets, wallet)
}

func (t *Tracker) LastContractEvent(contractID string) (time.Time, bool) {
	return t.contracts.Peek(strings.TrimSpace(contractID))
}

func (t *Tracker) LastWalletEvent(wallet string) (time.Time, bool) {
	return t.wallets.Peek(strings.TrimSpace(wallet))
}

// touch never moves a stored timestamp backwards.
func (t *Tracker) touch(cache *lru.Cache[string, time.Time], key string) time.Time {
	key = strings.TrimSpace(key)
	now := t.clock.Now()
	if key == "" {
		return now
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := cache.Peek(key); ok && prev.After(now) {
		cache.Get(key)
		return prev
	}
	cache.Add(key, now)
	return now
}
