package services

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// AuditEvent is one structured line in the ledger's audit stream. Every
// balance mutation emits one, success or failure.
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"`
	CardID     string    `json:"card_id"`
	TerminalID string    `json:"terminal_id,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Status     string    `json:"status"`
	Details    any       `json:"details,omitempty"`
}

type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogMutation(eventType, cardID, terminalID string, amount decimal.Decimal, status string) {
	a.log(AuditEvent{
		Timestamp:  time.Now(),
		EventType:  eventType,
		CardID:     cardID,
		TerminalID: terminalID,
		Amount:     amount.StringFixed(2),
		Status:     status,
	})
}

func (a *AuditLogger) LogError(eventType, cardID string, err error) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		CardID:    cardID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) LogDuplicateSync(cardID, terminalID, syncKey string) {
	a.log(AuditEvent{
		Timestamp:  time.Now(),
		EventType:  "SYNC_DUPLICATE",
		CardID:     cardID,
		TerminalID: terminalID,
		Status:     "IGNORED",
		Details:    map[string]string{"sync_key": syncKey},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
