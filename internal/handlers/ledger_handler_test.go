package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitpay/farecard/internal/models"
	"github.com/transitpay/farecard/internal/services"
)

func newTestRouter(t *testing.T) (chi.Router, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	ledger := services.NewLedgerService(db, nil, decimal.RequireFromString("50.00"), time.Minute)
	handler := NewLedgerHandler(ledger)

	r := chi.NewRouter()
	handler.Routes(r)
	return r, mock, func() { db.Close() }
}

func postJSON(t *testing.T, r chi.Router, path string, body any) *httptest.ResponseRecorder {
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLedgerHandler_Health(t *testing.T) {
	r, _, cleanup := newTestRouter(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestLedgerHandler_GetCardBalance(t *testing.T) {
	t.Run("auto-creates unseen card", func(t *testing.T) {
		r, mock, cleanup := newTestRouter(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT balance FROM cards WHERE id = \\$1 FOR UPDATE").
			WithArgs("CARD-NEW").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO cards").
			WithArgs("CARD-NEW", decimal.RequireFromString("50.00")).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		req := httptest.NewRequest("GET", "/get_card_balance/CARD-NEW", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp models.BalanceResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "success", resp.Status)
		assert.Equal(t, "CARD-NEW", resp.UID)
		assert.True(t, resp.Balance.Equal(decimal.RequireFromString("50.00")))
		assert.Equal(t, "New card created with default balance", resp.Message)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerHandler_ProcessPayment(t *testing.T) {
	t.Run("successful payment", func(t *testing.T) {
		r, mock, cleanup := newTestRouter(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT balance FROM cards WHERE id = \\$1 FOR UPDATE").
			WithArgs("CARD-001").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("50.00"))
		mock.ExpectExec("UPDATE cards SET balance = \\$1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		w := postJSON(t, r, "/process_payment", models.PaymentRequest{
			UID:  "CARD-001",
			Fare: decimal.RequireFromString("2.50"),
		})

		assert.Equal(t, http.StatusOK, w.Code)
		var resp models.PaymentResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "success", resp.Status)
		assert.True(t, resp.PriorBalance.Equal(decimal.RequireFromString("50.00")))
		assert.True(t, resp.NewBalance.Equal(decimal.RequireFromString("47.50")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds returns balance", func(t *testing.T) {
		r, mock, cleanup := newTestRouter(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT balance FROM cards WHERE id = \\$1 FOR UPDATE").
			WithArgs("CARD-002").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("1.00"))
		mock.ExpectRollback()

		w := postJSON(t, r, "/process_payment", models.PaymentRequest{
			UID:  "CARD-002",
			Fare: decimal.RequireFromString("2.50"),
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp struct {
			Status  string          `json:"status"`
			Message string          `json:"message"`
			Balance decimal.Decimal `json:"balance"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		assert.Equal(t, "Insufficient funds", resp.Message)
		assert.True(t, resp.Balance.Equal(decimal.RequireFromString("1.00")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing uid rejected", func(t *testing.T) {
		r, _, cleanup := newTestRouter(t)
		defer cleanup()

		w := postJSON(t, r, "/process_payment", models.PaymentRequest{
			Fare: decimal.RequireFromString("2.50"),
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid body rejected", func(t *testing.T) {
		r, _, cleanup := newTestRouter(t)
		defer cleanup()

		req := httptest.NewRequest("POST", "/process_payment", bytes.NewBufferString("not json"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLedgerHandler_TopupCard(t *testing.T) {
	t.Run("non-positive amount rejected", func(t *testing.T) {
		r, _, cleanup := newTestRouter(t)
		defer cleanup()

		w := postJSON(t, r, "/topup_card", map[string]any{
			"uid":    "CARD-001",
			"amount": "-5.00",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Amount must be positive")
	})

	t.Run("successful topup", func(t *testing.T) {
		r, mock, cleanup := newTestRouter(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT balance FROM cards WHERE id = \\$1 FOR UPDATE").
			WithArgs("CARD-001").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("10.00"))
		mock.ExpectExec("UPDATE cards SET balance = \\$1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		w := postJSON(t, r, "/topup_card", models.TopupRequest{
			UID:    "CARD-001",
			Amount: decimal.RequireFromString("25.00"),
		})

		assert.Equal(t, http.StatusOK, w.Code)
		var resp models.TopupResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.NewBalance.Equal(decimal.RequireFromString("35.00")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerHandler_SyncTransaction(t *testing.T) {
	r, mock, cleanup := newTestRouter(t)
	defer cleanup()

	before := decimal.RequireFromString("50.00")
	after := decimal.RequireFromString("47.50")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM transactions WHERE sync_key = \\$1\\)").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT balance FROM cards WHERE id = \\$1 FOR UPDATE").
		WithArgs("CARD-001").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("50.00"))
	mock.ExpectExec("UPDATE cards SET balance = \\$1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	w := postJSON(t, r, "/sync_transaction", models.SyncRequest{
		UID:             "CARD-001",
		Amount:          decimal.RequireFromString("-2.50"),
		BalanceBefore:   &before,
		BalanceAfter:    &after,
		TransactionType: models.TxTypePayment,
		Timestamp:       time.Now().Format(time.RFC3339),
		SyncKey:         "key-1",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "Transaction synced successfully", resp["message"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerHandler_TerminalHeartbeat(t *testing.T) {
	r, mock, cleanup := newTestRouter(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO terminals").
		WithArgs("TERM-7", 4).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := postJSON(t, r, "/terminal_heartbeat", models.HeartbeatRequest{
		TerminalID:          "TERM-7",
		PendingTransactions: 4,
	})

	assert.Equal(t, http.StatusOK, w.Code)
	var resp models.HeartbeatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "online", resp.Status)
	assert.Equal(t, 4, resp.PendingAck)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerHandler_GetTransactions(t *testing.T) {
	r, mock, cleanup := newTestRouter(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("FROM transactions WHERE account_id = \\$1 ORDER BY timestamp DESC").
		WithArgs("CARD-001").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "account_id", "amount", "balance_before", "balance_after",
			"transaction_type", "terminal_id", "timestamp",
		}).AddRow(1, "CARD-001", "-2.50", "50.00", "47.50", "payment", "TERM-7", now))

	req := httptest.NewRequest("GET", "/get_transactions/CARD-001", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp models.TransactionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	require.Len(t, resp.Transactions, 1)
	assert.Equal(t, "payment", resp.Transactions[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}
