package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/transitpay/farecard/internal/models"
)

// Client is the terminal's view of the canonical ledger API. Every call uses
// a short timeout; a timeout is indistinguishable from a refused connection
// and both surface as *ConnectivityError so the caller can flip OFFLINE.
type Client struct {
	baseURL    string
	terminalID string
	httpClient *http.Client
}

// ConnectivityError marks a transport-level failure (timeout, refused, DNS).
// Always non-fatal: the terminal falls back to local operation.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("ledger unreachable during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivityError reports whether err is a transport failure.
func IsConnectivityError(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// InsufficientFundsError is the ledger's payment rejection, carrying the
// card's current balance for display.
type InsufficientFundsError struct {
	Balance decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s", e.Balance.StringFixed(2))
}

// ErrRejected covers non-2xx responses that are not insufficient-funds
// rejections (e.g. invalid topup amount).
var ErrRejected = errors.New("request rejected by ledger")

func New(baseURL, terminalID string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		terminalID: terminalID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Health probes the ledger. A nil return means the server answered 200.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ConnectivityError{Op: "health probe", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ConnectivityError{Op: "health probe", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// GetBalance fetches the card's canonical balance, registering this terminal
// as a side effect.
func (c *Client) GetBalance(ctx context.Context, cardID string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/get_card_balance/%s?terminal_id=%s",
		c.baseURL, url.PathEscape(cardID), url.QueryEscape(c.terminalID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, &ConnectivityError{Op: "balance lookup", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: balance lookup returned %d", ErrRejected, resp.StatusCode)
	}

	var body models.BalanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode balance response: %w", err)
	}
	return body.Balance, nil
}

// ProcessPayment asks the ledger to debit fare from the card.
func (c *Client) ProcessPayment(ctx context.Context, cardID string, fare decimal.Decimal) (*models.PaymentResponse, error) {
	payload := models.PaymentRequest{UID: cardID, Fare: fare, TerminalID: c.terminalID}

	var body models.PaymentResponse
	status, raw, err := c.post(ctx, "/process_payment", payload, &body)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		return &body, nil
	case http.StatusBadRequest:
		var rejection struct {
			Message string          `json:"message"`
			Balance decimal.Decimal `json:"balance"`
		}
		if jsonErr := json.Unmarshal(raw, &rejection); jsonErr == nil && rejection.Message == "Insufficient funds" {
			return nil, &InsufficientFundsError{Balance: rejection.Balance}
		}
		return nil, fmt.Errorf("%w: payment returned %d", ErrRejected, status)
	default:
		return nil, fmt.Errorf("%w: payment returned %d", ErrRejected, status)
	}
}

// ProcessTopup asks the ledger to credit amount to the card.
func (c *Client) ProcessTopup(ctx context.Context, cardID string, amount decimal.Decimal) (*models.TopupResponse, error) {
	payload := models.TopupRequest{UID: cardID, Amount: amount, TerminalID: c.terminalID}

	var body models.TopupResponse
	status, _, err := c.post(ctx, "/topup_card", payload, &body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: topup returned %d", ErrRejected, status)
	}
	return &body, nil
}

// SyncTransaction pushes one journal entry to the ledger. A nil return means
// the server acknowledged it (including dedup no-ops).
func (c *Client) SyncTransaction(ctx context.Context, payload *models.SyncRequest) error {
	status, _, err := c.post(ctx, "/sync_transaction", payload, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: sync returned %d", ErrRejected, status)
	}
	return nil
}

// Heartbeat reports liveness and the unsynced backlog size.
func (c *Client) Heartbeat(ctx context.Context, pendingCount int) error {
	payload := models.HeartbeatRequest{
		TerminalID:          c.terminalID,
		PendingTransactions: pendingCount,
		Status:              "online",
		LocalTime:           time.Now().Unix(),
	}

	status, _, err := c.post(ctx, "/terminal_heartbeat", payload, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: heartbeat returned %d", ErrRejected, status)
	}
	return nil
}

// post sends a JSON body and optionally decodes a 200 response into out.
// Returns the status code and the raw response body for error handling.
func (c *Client) post(ctx context.Context, path string, payload, out any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &ConnectivityError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return resp.StatusCode, nil, &ConnectivityError{Op: path, Err: err}
	}
	raw := buf.Bytes()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, raw, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, raw, nil
}
