package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types. Amount is signed: payments carry a negative amount,
// topups a positive one.
const (
	TxTypePayment = "payment"
	TxTypeTopup   = "topup"
)

var ErrBalanceMismatch = errors.New("balance_after != balance_before + amount")

// Transaction is one append-only row of the ledger's transaction log. The
// terminal-local journal uses the same shape plus a synced flag; the canonical
// ledger's rows are implicitly synced.
type Transaction struct {
	ID            int64           `json:"id" db:"id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Type          string          `json:"transaction_type" db:"transaction_type"`
	TerminalID    string          `json:"terminal_id" db:"terminal_id"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
	SyncKey       string          `json:"sync_key,omitempty" db:"sync_key"`
}

// Validate enforces the one invariant every transaction must satisfy at
// creation time: balance_after == balance_before + amount, exactly.
func (t *Transaction) Validate() error {
	if !t.BalanceAfter.Equal(t.BalanceBefore.Add(t.Amount)) {
		return ErrBalanceMismatch
	}
	return nil
}

// TypeForAmount returns the transaction type implied by a signed amount,
// matching the ledger's fallback when a sync payload omits the type.
func TypeForAmount(amount decimal.Decimal) string {
	if amount.IsNegative() {
		return TxTypePayment
	}
	return TxTypeTopup
}
