package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/transitpay/farecard/internal/models"
	"github.com/transitpay/farecard/internal/services"
)

const maxBodyBytes = 1 << 20 // 1 MB

// LedgerHandler exposes the canonical ledger over HTTP. The wire format is
// the one the fare terminals speak; see the request/response types in models.
type LedgerHandler struct {
	ledger    *services.LedgerService
	validator *services.ValidationHelper
}

func NewLedgerHandler(ledger *services.LedgerService) *LedgerHandler {
	return &LedgerHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

// Routes mounts all ledger endpoints on the router.
func (h *LedgerHandler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Post("/register_card", h.RegisterCard)
	r.Get("/get_card_balance/{uid}", h.GetCardBalance)
	r.Post("/process_payment", h.ProcessPayment)
	r.Post("/topup_card", h.TopupCard)
	r.Post("/sync_transaction", h.SyncTransaction)
	r.Get("/get_transactions/{uid}", h.GetTransactions)
	r.Post("/terminal_heartbeat", h.TerminalHeartbeat)
}

func (h *LedgerHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (h *LedgerHandler) RegisterCard(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterCardRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "uid is required", http.StatusBadRequest, err)
		return
	}

	balance, err := h.ledger.RegisterCard(r.Context(), req.UID, req.InitialBalance, req.TerminalID)
	if err != nil {
		log.Printf("[API] Register card failed for %s: %v", req.UID, err)
		services.SendErrorResponse(w, "Failed to register card", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, models.BalanceResponse{
		Status:  "success",
		UID:     req.UID,
		Balance: balance,
	})
}

func (h *LedgerHandler) GetCardBalance(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	terminalID := r.URL.Query().Get("terminal_id")

	balance, created, err := h.ledger.GetBalance(r.Context(), uid, terminalID)
	if err != nil {
		log.Printf("[API] Balance lookup failed for %s: %v", uid, err)
		services.SendErrorResponse(w, "Card not found and could not be created", http.StatusNotFound, nil)
		return
	}

	resp := models.BalanceResponse{Status: "success", UID: uid, Balance: balance}
	if created {
		resp.Message = "New card created with default balance"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerHandler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req models.PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "uid and fare are required", http.StatusBadRequest, err)
		return
	}

	result, err := h.ledger.ProcessPayment(r.Context(), req.UID, req.Fare, req.TerminalID)
	if err != nil {
		if ife, ok := services.AsInsufficientFunds(err); ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"status":  "error",
				"message": "Insufficient funds",
				"balance": ife.Balance,
			})
			return
		}
		log.Printf("[API] Payment failed for %s: %v", req.UID, err)
		services.SendErrorResponse(w, "Failed to process payment", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, models.PaymentResponse{
		Status:       "success",
		UID:          req.UID,
		PriorBalance: result.PriorBalance,
		FareAmount:   req.Fare,
		NewBalance:   result.NewBalance,
	})
}

func (h *LedgerHandler) TopupCard(w http.ResponseWriter, r *http.Request) {
	var req models.TopupRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "uid and amount are required", http.StatusBadRequest, err)
		return
	}

	result, err := h.ledger.ProcessTopup(r.Context(), req.UID, req.Amount, req.TerminalID)
	if err != nil {
		if errors.Is(err, services.ErrInvalidAmount) {
			services.SendErrorResponse(w, "Amount must be positive", http.StatusBadRequest, nil)
			return
		}
		log.Printf("[API] Topup failed for %s: %v", req.UID, err)
		services.SendErrorResponse(w, "Failed to process topup", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, models.TopupResponse{
		Status:       "success",
		UID:          req.UID,
		PriorBalance: result.PriorBalance,
		TopupAmount:  req.Amount,
		NewBalance:   result.NewBalance,
	})
}

func (h *LedgerHandler) SyncTransaction(w http.ResponseWriter, r *http.Request) {
	var req models.SyncRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "uid and amount are required", http.StatusBadRequest, err)
		return
	}

	if err := h.ledger.ApplySyncedTransaction(r.Context(), &req); err != nil {
		log.Printf("[API] Sync failed for %s (key %s): %v", req.UID, req.SyncKey, err)
		services.SendErrorResponse(w, "Failed to sync transaction", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Transaction synced successfully",
	})
}

func (h *LedgerHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	transactions, err := h.ledger.ListTransactions(r.Context(), uid)
	if err != nil {
		log.Printf("[API] Transaction list failed for %s: %v", uid, err)
		services.SendErrorResponse(w, "Failed to get transactions", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, models.TransactionsResponse{
		Status:       "success",
		UID:          uid,
		Transactions: transactions,
	})
}

func (h *LedgerHandler) TerminalHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req models.HeartbeatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "terminal_id is required", http.StatusBadRequest, err)
		return
	}

	now, err := h.ledger.RecordHeartbeat(r.Context(), req.TerminalID, req.PendingTransactions)
	if err != nil {
		log.Printf("[API] Heartbeat failed for %s: %v", req.TerminalID, err)
		services.SendErrorResponse(w, "Failed to record heartbeat", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, models.HeartbeatResponse{
		Status:     "online",
		Timestamp:  now.Format(time.RFC3339),
		ServerTime: now.Unix(),
		PendingAck: req.PendingTransactions,
	})
}

// decode reads a single JSON object into dst, rejecting oversized bodies and
// unknown fields. Writes the error response itself and reports success.
func (h *LedgerHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
