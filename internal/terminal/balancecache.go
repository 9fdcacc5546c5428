package terminal

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/transitpay/farecard/internal/fieldcrypt"
)

// BalanceCache is the terminal's best-known balance per card, persisted as an
// encrypted JSON file. It is a read-through replica of the canonical ledger:
// authoritative only while the terminal is OFFLINE, refreshed from the server
// on every online lookup.
//
// All read-modify-write sequences hold the mutex so a card tap on the main
// loop and a background refresh cannot lose an update.
type BalanceCache struct {
	mu             sync.Mutex
	path           string
	cipher         *fieldcrypt.Cipher
	defaultBalance decimal.Decimal
}

func NewBalanceCache(path string, cipher *fieldcrypt.Cipher, defaultBalance decimal.Decimal) *BalanceCache {
	return &BalanceCache{
		path:           path,
		cipher:         cipher,
		defaultBalance: defaultBalance,
	}
}

// Get returns the cached balance for the card. A card never seen before is
// assigned the default balance, which is persisted immediately so the next
// read agrees.
func (c *BalanceCache) Get(cardID string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	balances := c.load()
	if balance, ok := balances[cardID]; ok {
		return balance, nil
	}

	balances[cardID] = c.defaultBalance
	if err := c.save(balances); err != nil {
		return c.defaultBalance, fmt.Errorf("failed to persist default balance: %w", err)
	}
	return c.defaultBalance, nil
}

// Set records the card's new best-known balance.
func (c *BalanceCache) Set(cardID string, balance decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	balances := c.load()
	balances[cardID] = balance
	return c.save(balances)
}

// load reads and decrypts the balance file. A missing or unreadable file
// yields an empty map: the cache self-heals by repopulating from taps.
func (c *BalanceCache) load() map[string]decimal.Decimal {
	balances := make(map[string]decimal.Decimal)

	data, err := os.ReadFile(c.path)
	if err != nil {
		return balances
	}

	var stored map[string]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return balances
	}

	for cardID, raw := range stored {
		plain := fieldcrypt.DecryptField(c.cipher, raw)
		balance, err := decimal.NewFromString(plain)
		if err != nil {
			continue
		}
		balances[cardID] = balance
	}
	return balances
}

func (c *BalanceCache) save(balances map[string]decimal.Decimal) error {
	stored := make(map[string]string, len(balances))
	for cardID, balance := range balances {
		encrypted, err := fieldcrypt.EncryptField(c.cipher, balance.String())
		if err != nil {
			return err
		}
		stored[cardID] = encrypted
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0600)
}
