package models

import "github.com/shopspring/decimal"

// Request and response bodies for the ledger HTTP API. Field names follow the
// wire format the terminals speak.

type RegisterCardRequest struct {
	UID            string           `json:"uid" validate:"required"`
	InitialBalance *decimal.Decimal `json:"initial_balance,omitempty"`
	TerminalID     string           `json:"terminal_id,omitempty"`
}

type PaymentRequest struct {
	UID        string          `json:"uid" validate:"required"`
	Fare       decimal.Decimal `json:"fare" validate:"required"`
	TerminalID string          `json:"terminal_id,omitempty"`
}

type TopupRequest struct {
	UID        string          `json:"uid" validate:"required"`
	Amount     decimal.Decimal `json:"amount" validate:"required"`
	TerminalID string          `json:"terminal_id,omitempty"`
}

// SyncRequest carries one journal entry from a terminal. BalanceBefore and
// BalanceAfter are optional: when absent the ledger delta-applies the signed
// amount to its own balance. SyncKey is the terminal-generated idempotency
// key; older terminals may omit it.
type SyncRequest struct {
	UID             string           `json:"uid" validate:"required"`
	Amount          decimal.Decimal  `json:"amount" validate:"required"`
	TerminalID      string           `json:"terminal_id,omitempty"`
	Timestamp       string           `json:"timestamp,omitempty"`
	BalanceBefore   *decimal.Decimal `json:"balance_before,omitempty"`
	BalanceAfter    *decimal.Decimal `json:"balance_after,omitempty"`
	TransactionType string           `json:"transaction_type,omitempty"`
	SyncKey         string           `json:"sync_key,omitempty"`
}

type HeartbeatRequest struct {
	TerminalID          string `json:"terminal_id" validate:"required"`
	PendingTransactions int    `json:"pending_transactions"`
	Status              string `json:"status,omitempty"`
	LocalTime           int64  `json:"local_time,omitempty"`
}

type BalanceResponse struct {
	Status  string          `json:"status"`
	UID     string          `json:"uid"`
	Balance decimal.Decimal `json:"balance"`
	Message string          `json:"message,omitempty"`
}

type PaymentResponse struct {
	Status       string          `json:"status"`
	UID          string          `json:"uid"`
	PriorBalance decimal.Decimal `json:"prior_balance"`
	FareAmount   decimal.Decimal `json:"fare_amount"`
	NewBalance   decimal.Decimal `json:"new_balance"`
}

type TopupResponse struct {
	Status       string          `json:"status"`
	UID          string          `json:"uid"`
	PriorBalance decimal.Decimal `json:"prior_balance"`
	TopupAmount  decimal.Decimal `json:"topup_amount"`
	NewBalance   decimal.Decimal `json:"new_balance"`
}

type TransactionsResponse struct {
	Status       string        `json:"status"`
	UID          string        `json:"uid"`
	Transactions []Transaction `json:"transactions"`
}

type HeartbeatResponse struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	ServerTime int64  `json:"server_time"`
	PendingAck int    `json:"pending_ack"`
}
