package database

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"

	"github.com/transitpay/farecard/internal/config"
)

// InitDB opens the canonical ledger database and verifies the connection.
func InitDB(cfg *config.Database) (*sql.DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log.Println("[DB] Database connection established")
	return db, nil
}

// Migrate creates the ledger tables if they do not exist. Schema provisioning
// is glue; the ledger service assumes these tables are present.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cards (
			id VARCHAR(50) PRIMARY KEY,
			balance NUMERIC(12,2) NOT NULL DEFAULT 0.00,
			last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS terminals (
			id VARCHAR(50) PRIMARY KEY,
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			pending_transactions INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			account_id VARCHAR(50) REFERENCES cards(id),
			amount NUMERIC(12,2) NOT NULL,
			balance_before NUMERIC(12,2),
			balance_after NUMERIC(12,2),
			transaction_type VARCHAR(20),
			terminal_id VARCHAR(50) REFERENCES terminals(id),
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			sync_key TEXT UNIQUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, timestamp DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Println("[DB] Schema migration complete")
	return nil
}
