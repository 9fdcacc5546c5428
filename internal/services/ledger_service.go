package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/transitpay/farecard/internal/models"
)

// LedgerService owns the canonical per-card balances and the append-only
// transaction log. Every balance mutation and its transaction append happen
// inside one database transaction with the card row locked; that pairing is
// the ledger's core correctness contract.
type LedgerService struct {
	db             *sql.DB
	redis          *redis.Client
	cacheTTL       time.Duration
	defaultBalance decimal.Decimal
	audit          *AuditLogger
}

// MutationResult reports the balance movement of a successful payment/topup.
type MutationResult struct {
	PriorBalance decimal.Decimal
	NewBalance   decimal.Decimal
}

// NewLedgerService wires the ledger over Postgres with an optional redis hot
// cache (nil disables caching).
func NewLedgerService(db *sql.DB, rdb *redis.Client, defaultBalance decimal.Decimal, cacheTTL time.Duration) *LedgerService {
	return &LedgerService{
		db:             db,
		redis:          rdb,
		cacheTTL:       cacheTTL,
		defaultBalance: defaultBalance,
		audit:          NewAuditLogger(),
	}
}

// GetBalance returns the card's balance, creating the card with the default
// balance if it has never been seen. Card creation on read is a documented
// side effect of the lookup, not an error path.
func (s *LedgerService) GetBalance(ctx context.Context, cardID, terminalID string) (decimal.Decimal, bool, error) {
	if terminalID != "" {
		s.touchTerminal(ctx, terminalID)
	}

	if cached, ok := s.cachedBalance(ctx, cardID); ok {
		return cached, false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	balance, created, err := s.lockOrCreateCard(ctx, tx, cardID, s.defaultBalance)
	if err != nil {
		return decimal.Zero, false, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to commit: %w", err)
	}

	s.cacheBalance(ctx, cardID, balance)
	return balance, created, nil
}

// RegisterCard creates the card if absent. An existing card keeps its balance;
// registration is idempotent and never resets funds.
func (s *LedgerService) RegisterCard(ctx context.Context, cardID string, initialBalance *decimal.Decimal, terminalID string) (decimal.Decimal, error) {
	if terminalID != "" {
		s.touchTerminal(ctx, terminalID)
	}

	initial := s.defaultBalance
	if initialBalance != nil {
		initial = *initialBalance
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	balance, created, err := s.lockOrCreateCard(ctx, tx, cardID, initial)
	if err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to commit: %w", err)
	}

	if created {
		log.Printf("[LEDGER] Registered new card %s with balance %s", cardID, balance.StringFixed(2))
	}
	s.cacheBalance(ctx, cardID, balance)
	return balance, nil
}

// ProcessPayment atomically debits fare from the card and appends a payment
// transaction. Rejects with InsufficientFundsError when the balance cannot
// cover the fare; nothing is recorded in that case.
func (s *LedgerService) ProcessPayment(ctx context.Context, cardID string, fare decimal.Decimal, terminalID string) (*MutationResult, error) {
	if terminalID != "" {
		s.touchTerminal(ctx, terminalID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	balance, _, err := s.lockOrCreateCard(ctx, tx, cardID, s.defaultBalance)
	if err != nil {
		return nil, err
	}

	if balance.LessThan(fare) {
		s.audit.LogMutation("PAYMENT", cardID, terminalID, fare.Neg(), "REJECTED_INSUFFICIENT_FUNDS")
		return nil, &InsufficientFundsError{Balance: balance}
	}

	newBalance := balance.Sub(fare)
	if err := s.applyMutation(ctx, tx, cardID, terminalID, fare.Neg(), balance, newBalance, models.TxTypePayment, time.Now(), ""); err != nil {
		s.audit.LogError("PAYMENT", cardID, err)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	s.invalidateBalance(ctx, cardID)
	s.audit.LogMutation("PAYMENT", cardID, terminalID, fare.Neg(), "SUCCESS")
	return &MutationResult{PriorBalance: balance, NewBalance: newBalance}, nil
}

// ProcessTopup atomically credits amount to the card and appends a topup
// transaction. Rejects non-positive amounts with ErrInvalidAmount.
func (s *LedgerService) ProcessTopup(ctx context.Context, cardID string, amount decimal.Decimal, terminalID string) (*MutationResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if terminalID != "" {
		s.touchTerminal(ctx, terminalID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	balance, _, err := s.lockOrCreateCard(ctx, tx, cardID, s.defaultBalance)
	if err != nil {
		return nil, err
	}

	newBalance := balance.Add(amount)
	if err := s.applyMutation(ctx, tx, cardID, terminalID, amount, balance, newBalance, models.TxTypeTopup, time.Now(), ""); err != nil {
		s.audit.LogError("TOPUP", cardID, err)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	s.invalidateBalance(ctx, cardID)
	s.audit.LogMutation("TOPUP", cardID, terminalID, amount, "SUCCESS")
	return &MutationResult{PriorBalance: balance, NewBalance: newBalance}, nil
}

// ApplySyncedTransaction applies one offline transaction pushed by a terminal.
// The terminal's balance_before/balance_after are trusted: when present the
// card balance is overwritten to balance_after. When absent the signed amount
// is delta-applied to the ledger's own balance. A sync_key already seen is a
// no-op that still acknowledges success, so terminals can replay safely.
func (s *LedgerService) ApplySyncedTransaction(ctx context.Context, req *models.SyncRequest) error {
	if req.TerminalID != "" {
		s.touchTerminal(ctx, req.TerminalID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if req.SyncKey != "" {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM transactions WHERE sync_key = $1)`,
			req.SyncKey,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("sync dedup check failed: %w", err)
		}
		if exists {
			s.audit.LogDuplicateSync(req.UID, req.TerminalID, req.SyncKey)
			return nil
		}
	}

	balance, _, err := s.lockOrCreateCard(ctx, tx, req.UID, s.defaultBalance)
	if err != nil {
		return err
	}

	var before, after decimal.Decimal
	if req.BalanceBefore != nil && req.BalanceAfter != nil {
		before, after = *req.BalanceBefore, *req.BalanceAfter
	} else {
		before = balance
		after = balance.Add(req.Amount)
	}

	txType := req.TransactionType
	if txType == "" {
		txType = models.TypeForAmount(req.Amount)
	}

	ts := time.Now()
	if req.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			ts = parsed
		}
	}

	if err := s.applyMutation(ctx, tx, req.UID, req.TerminalID, req.Amount, before, after, txType, ts, req.SyncKey); err != nil {
		s.audit.LogError("SYNC", req.UID, err)
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.invalidateBalance(ctx, req.UID)
	s.audit.LogMutation("SYNC", req.UID, req.TerminalID, req.Amount, "SUCCESS")
	return nil
}

// RecordHeartbeat updates terminal liveness bookkeeping. No balance effect.
func (s *LedgerService) RecordHeartbeat(ctx context.Context, terminalID string, pendingCount int) (time.Time, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO terminals (id, last_seen, pending_transactions) VALUES ($1, NOW(), $2)
		 ON CONFLICT (id) DO UPDATE SET last_seen = NOW(), pending_transactions = $2`,
		terminalID, pendingCount,
	)
	if err != nil {
		return now, fmt.Errorf("heartbeat update failed: %w", err)
	}

	if s.redis != nil {
		s.redis.Set(ctx, "terminal_alive:"+terminalID, now.Unix(), 2*time.Minute)
	}

	if pendingCount > 0 {
		log.Printf("[LEDGER] Terminal %s reports %d pending transactions", terminalID, pendingCount)
	}
	return now, nil
}

// ListTransactions returns the card's transaction history, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, cardID string) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, amount, balance_before, balance_after,
		        COALESCE(transaction_type, ''), COALESCE(terminal_id, ''), timestamp
		 FROM transactions WHERE account_id = $1 ORDER BY timestamp DESC`,
		cardID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(
			&t.ID, &t.AccountID, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.Type, &t.TerminalID, &t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}

	return transactions, rows.Err()
}

// lockOrCreateCard locks the card row for update, inserting it with the given
// initial balance when it does not exist yet.
func (s *LedgerService) lockOrCreateCard(ctx context.Context, tx *sql.Tx, cardID string, initial decimal.Decimal) (decimal.Decimal, bool, error) {
	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM cards WHERE id = $1 FOR UPDATE`, cardID,
	).Scan(&balance)

	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cards (id, balance) VALUES ($1, $2)`, cardID, initial,
		); err != nil {
			return decimal.Zero, false, fmt.Errorf("failed to create card: %w", err)
		}
		return initial, true, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to lock card: %w", err)
	}

	return balance, false, nil
}

// applyMutation writes the new balance and appends the transaction row as one
// unit inside the caller's locked transaction. The balance invariant is
// checked before anything is written.
func (s *LedgerService) applyMutation(ctx context.Context, tx *sql.Tx, cardID, terminalID string, amount, before, after decimal.Decimal, txType string, ts time.Time, syncKey string) error {
	record := models.Transaction{
		AccountID:     cardID,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Type:          txType,
		TerminalID:    terminalID,
		Timestamp:     ts,
		SyncKey:       syncKey,
	}
	if err := record.Validate(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cards SET balance = $1, last_updated = NOW() WHERE id = $2`,
		after, cardID,
	); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (account_id, amount, balance_before, balance_after, transaction_type, terminal_id, timestamp, sync_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cardID, amount, before, after, txType, nullString(terminalID), ts, nullString(syncKey),
	); err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	return nil
}

// touchTerminal upserts the terminal row and bumps last_seen. Failures are
// logged and swallowed: terminal bookkeeping never blocks a payment.
func (s *LedgerService) touchTerminal(ctx context.Context, terminalID string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO terminals (id, last_seen) VALUES ($1, NOW())
		 ON CONFLICT (id) DO UPDATE SET last_seen = NOW()`,
		terminalID,
	)
	if err != nil {
		log.Printf("[LEDGER] Failed to touch terminal %s: %v", terminalID, err)
	}
}

func (s *LedgerService) cachedBalance(ctx context.Context, cardID string) (decimal.Decimal, bool) {
	if s.redis == nil {
		return decimal.Zero, false
	}
	raw, err := s.redis.Get(ctx, balanceKey(cardID)).Result()
	if err != nil {
		return decimal.Zero, false
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return balance, true
}

func (s *LedgerService) cacheBalance(ctx context.Context, cardID string, balance decimal.Decimal) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, balanceKey(cardID), balance.StringFixed(2), s.cacheTTL).Err(); err != nil {
		log.Printf("[LEDGER] Failed to cache balance for %s: %v", cardID, err)
	}
}

func (s *LedgerService) invalidateBalance(ctx context.Context, cardID string) {
	if s.redis == nil {
		return
	}
	s.redis.Del(ctx, balanceKey(cardID))
}

func balanceKey(cardID string) string {
	return "card_balance:" + cardID
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
