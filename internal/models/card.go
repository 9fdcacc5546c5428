package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Card is a fare card row owned by the canonical ledger. Terminals only ever
// hold a derived copy of Balance in their local cache.
type Card struct {
	ID          string          `json:"id" db:"id"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	LastUpdated time.Time       `json:"last_updated" db:"last_updated"`
	Active      bool            `json:"is_active" db:"is_active"`
}

// Terminal is the ledger-side bookkeeping row for a physical fare terminal.
// PendingCount is whatever the terminal last reported via heartbeat.
type Terminal struct {
	ID           string    `json:"id" db:"id"`
	LastSeen     time.Time `json:"last_seen" db:"last_seen"`
	Active       bool      `json:"is_active" db:"is_active"`
	PendingCount int       `json:"pending_transactions" db:"pending_transactions"`
}
