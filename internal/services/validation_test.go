package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitpay/farecard/internal/models"
)

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid payment request", func(t *testing.T) {
		req := models.PaymentRequest{
			UID:        "CARD-001",
			Fare:       decimal.RequireFromString("2.50"),
			TerminalID: "TERM-1",
		}
		assert.NoError(t, vh.ValidateStruct(&req))
	})

	t.Run("missing uid", func(t *testing.T) {
		req := models.PaymentRequest{Fare: decimal.RequireFromString("2.50")}

		err := vh.ValidateStruct(&req)
		require.Error(t, err)

		verrs, ok := err.(validator.ValidationErrors)
		require.True(t, ok)
		require.Len(t, verrs, 1)
		assert.Equal(t, "UID", verrs[0].Field())
	})

	t.Run("heartbeat needs a terminal id", func(t *testing.T) {
		req := models.HeartbeatRequest{PendingTransactions: 3}
		assert.Error(t, vh.ValidateStruct(&req))
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Failed to process payment", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "Failed to process payment", resp.Error)
		assert.Nil(t, resp.Details)
	})

	t.Run("validation errors become per-field details", func(t *testing.T) {
		vh := NewValidationHelper()
		err := vh.ValidateStruct(&models.SyncRequest{})
		require.Error(t, err)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "uid and amount are required", http.StatusBadRequest, err)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "uid and amount are required", resp.Error)
		assert.Contains(t, resp.Details, "UID")
	})
}
