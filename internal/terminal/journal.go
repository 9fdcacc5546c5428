package terminal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"

	"github.com/transitpay/farecard/internal/fieldcrypt"
)

const (
	entryKeyPrefix  = "entry:"
	syncedKeyPrefix = "synced:"
)

// ErrEntryNotFound is returned by MarkSynced for an unknown entry id.
var ErrEntryNotFound = errors.New("journal entry not found")

// JournalEntry is one attempted payment or topup recorded at this terminal.
// The ID is a terminal-generated UUID that doubles as the sync idempotency
// key. Entries are never deleted; Synced flips false→true exactly once after
// the ledger acknowledges the entry.
type JournalEntry struct {
	ID            string
	AccountID     string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Type          string
	TerminalID    string
	Timestamp     time.Time
	Synced        bool
}

// storedEntry is the encrypted-at-rest projection of a JournalEntry. The
// monetary and descriptive fields are ciphertext; identifiers stay in the
// clear so the journal remains greppable during incident response.
type storedEntry struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	Amount        string `json:"amount"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	Type          string `json:"transaction_type"`
	TerminalID    string `json:"terminal_id"`
	Timestamp     string `json:"timestamp"`
	Synced        bool   `json:"synced"`
}

// Journal is the terminal's durable, append-only transaction log, backed by a
// write-ahead log in fsync mode so entries survive power loss between taps.
// Synced-state changes are themselves appended records; nothing is ever
// rewritten in place. In-memory order is insertion order, which is the order
// the sync engine drains.
// walLog is the slice of the write-ahead log the journal appends through.
type walLog interface {
	Write(index uint64, key string, value []byte) error
	CurrentIndex() uint64
	Close() error
}

type Journal struct {
	mu      sync.Mutex
	wal     walLog
	cipher  *fieldcrypt.Cipher
	entries []*JournalEntry
	byID    map[string]*JournalEntry
}

// OpenJournal opens (or creates) the journal in dir and rebuilds in-memory
// state from the log. cipher may be nil to store fields in the clear.
func OpenJournal(dir string, cipher *fieldcrypt.Cipher) (*Journal, error) {
	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "seg_",
		SegmentThreshold: 1000,
		MaxSegments:      100,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{
		wal:    wal,
		cipher: cipher,
		byID:   make(map[string]*JournalEntry),
	}

	for msg := range wal.Iterator() {
		switch {
		case strings.HasPrefix(msg.Key, entryKeyPrefix):
			entry, err := j.decodeEntry(msg.Value)
			if err != nil {
				log.Printf("[JOURNAL] Skipping unreadable entry %s: %v", msg.Key, err)
				continue
			}
			j.entries = append(j.entries, entry)
			j.byID[entry.ID] = entry
		case strings.HasPrefix(msg.Key, syncedKeyPrefix):
			id := strings.TrimPrefix(msg.Key, syncedKeyPrefix)
			if entry, ok := j.byID[id]; ok {
				entry.Synced = true
			}
		}
	}

	return j, nil
}

// Append records an attempted transaction and returns its id. The entry is
// assigned a fresh UUID; Synced may be true when the ledger already applied
// the transaction online. On persistence failure the caller is informed but
// the charge has still happened — the journal trades durability for
// availability and that tradeoff is deliberate.
func (j *Journal) Append(entry JournalEntry) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry.ID = uuid.New().String()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	// The in-memory record comes first: the rider has already been charged,
	// so the entry must exist even when persistence fails below.
	stored := entry
	j.entries = append(j.entries, &stored)
	j.byID[stored.ID] = &stored

	data, err := j.encodeEntry(&entry)
	if err != nil {
		return entry.ID, fmt.Errorf("failed to encode journal entry: %w", err)
	}

	if err := j.wal.Write(j.wal.CurrentIndex()+1, entryKeyPrefix+entry.ID, data); err != nil {
		return entry.ID, fmt.Errorf("failed to persist journal entry: %w", err)
	}

	return entry.ID, nil
}

// ListUnsynced returns copies of the pending entries in insertion order.
func (j *Journal) ListUnsynced() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	var pending []JournalEntry
	for _, entry := range j.entries {
		if !entry.Synced {
			pending = append(pending, *entry)
		}
	}
	return pending
}

// PendingCount returns the number of unsynced entries.
func (j *Journal) PendingCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	count := 0
	for _, entry := range j.entries {
		if !entry.Synced {
			count++
		}
	}
	return count
}

// MarkSynced flips the entry's synced flag after ledger acknowledgment. The
// flip is persisted as its own appended record.
func (j *Journal) MarkSynced(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.byID[id]
	if !ok {
		return ErrEntryNotFound
	}
	if entry.Synced {
		return nil
	}

	if err := j.wal.Write(j.wal.CurrentIndex()+1, syncedKeyPrefix+id, []byte{1}); err != nil {
		return fmt.Errorf("failed to persist synced marker: %w", err)
	}

	entry.Synced = true
	return nil
}

// Close flushes and closes the underlying log.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}

func (j *Journal) encodeEntry(entry *JournalEntry) ([]byte, error) {
	stored := storedEntry{
		ID:         entry.ID,
		AccountID:  entry.AccountID,
		TerminalID: entry.TerminalID,
		Synced:     entry.Synced,
	}

	var err error
	fields := []struct {
		dst *string
		val string
	}{
		{&stored.Amount, entry.Amount.String()},
		{&stored.BalanceBefore, entry.BalanceBefore.String()},
		{&stored.BalanceAfter, entry.BalanceAfter.String()},
		{&stored.Type, entry.Type},
		{&stored.Timestamp, entry.Timestamp.Format(time.RFC3339Nano)},
	}
	for _, f := range fields {
		if *f.dst, err = fieldcrypt.EncryptField(j.cipher, f.val); err != nil {
			return nil, err
		}
	}

	return json.Marshal(stored)
}

func (j *Journal) decodeEntry(data []byte) (*JournalEntry, error) {
	var stored storedEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(fieldcrypt.DecryptField(j.cipher, stored.Amount))
	if err != nil {
		return nil, fmt.Errorf("bad amount: %w", err)
	}
	before, err := decimal.NewFromString(fieldcrypt.DecryptField(j.cipher, stored.BalanceBefore))
	if err != nil {
		return nil, fmt.Errorf("bad balance_before: %w", err)
	}
	after, err := decimal.NewFromString(fieldcrypt.DecryptField(j.cipher, stored.BalanceAfter))
	if err != nil {
		return nil, fmt.Errorf("bad balance_after: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, fieldcrypt.DecryptField(j.cipher, stored.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("bad timestamp: %w", err)
	}

	return &JournalEntry{
		ID:            stored.ID,
		AccountID:     stored.AccountID,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Type:          fieldcrypt.DecryptField(j.cipher, stored.Type),
		TerminalID:    stored.TerminalID,
		Timestamp:     ts,
		Synced:        stored.Synced,
	}, nil
}
