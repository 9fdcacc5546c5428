package terminal

import (
	"context"
	"errors"
	"log"

	"github.com/shopspring/decimal"

	"github.com/transitpay/farecard/internal/ledgerclient"
	"github.com/transitpay/farecard/internal/models"
)

// ErrInvalidAmount is returned for a non-positive top-up amount.
var ErrInvalidAmount = errors.New("amount must be positive")

// Config is the runtime wiring for a Terminal.
type Config struct {
	TerminalID string
	Fare       decimal.Decimal

	// OverdraftFloor bounds how far a cached balance may go negative on an
	// offline fare. Nil means no bound: the tap is never refused offline.
	OverdraftFloor *decimal.Decimal
}

// TapResult describes an accepted fare or top-up.
type TapResult struct {
	CardID       string
	Type         string
	Amount       decimal.Decimal
	PriorBalance decimal.Decimal
	NewBalance   decimal.Decimal
	Offline      bool
}

// Terminal is the fare gate: it charges cards against the server when it
// can and against the local balance cache when it cannot, journaling every
// transaction either way.
type Terminal struct {
	cfg     Config
	client  *ledgerclient.Client
	monitor *Monitor
	journal *Journal
	cache   *BalanceCache
	clock   Clock
}

func NewTerminal(cfg Config, client *ledgerclient.Client, monitor *Monitor, journal *Journal, cache *BalanceCache, clock Clock) *Terminal {
	if clock == nil {
		clock = SystemClock
	}
	return &Terminal{
		cfg:     cfg,
		client:  client,
		monitor: monitor,
		journal: journal,
		cache:   cache,
		clock:   clock,
	}
}

// CheckBalance returns the card's balance, preferring the server and
// falling back to the local cache when the server is unreachable.
func (t *Terminal) CheckBalance(ctx context.Context, cardID string) (decimal.Decimal, bool, error) {
	if t.monitor.Online() {
		balance, err := t.client.GetBalance(ctx, cardID)
		if err == nil {
			if cerr := t.cache.Set(cardID, balance); cerr != nil {
				log.Printf("[TERMINAL] Failed to cache balance for %s: %v", cardID, cerr)
			}
			return balance, false, nil
		}
		if !ledgerclient.IsConnectivityError(err) {
			return decimal.Decimal{}, false, err
		}
		t.monitor.ReportFailure()
	}

	// A cache persistence failure still yields a usable balance; the rider
	// is never refused over local storage trouble.
	balance, err := t.cache.Get(cardID)
	if err != nil {
		log.Printf("[TERMINAL] Balance cache write failed for %s, continuing with %s: %v", cardID, balance, err)
	}
	return balance, true, nil
}

// ProcessFare charges the configured fare to a card. Online the server is
// authoritative; offline the fare is applied to the cached balance and
// journaled for later sync.
func (t *Terminal) ProcessFare(ctx context.Context, cardID string) (*TapResult, error) {
	if t.monitor.Online() {
		resp, err := t.client.ProcessPayment(ctx, cardID, t.cfg.Fare)
		if err == nil {
			if cerr := t.cache.Set(cardID, resp.NewBalance); cerr != nil {
				log.Printf("[TERMINAL] Failed to cache balance for %s: %v", cardID, cerr)
			}
			t.journalMutation(cardID, t.cfg.Fare.Neg(), resp.PriorBalance, resp.NewBalance, models.TxTypePayment, true)
			return &TapResult{
				CardID:       cardID,
				Type:         models.TxTypePayment,
				Amount:       t.cfg.Fare,
				PriorBalance: resp.PriorBalance,
				NewBalance:   resp.NewBalance,
			}, nil
		}
		if !ledgerclient.IsConnectivityError(err) {
			return nil, err
		}
		t.monitor.ReportFailure()
		log.Printf("[TERMINAL] Server unreachable mid-fare, falling back to offline for %s", cardID)
	}

	return t.offlineFare(cardID)
}

func (t *Terminal) offlineFare(cardID string) (*TapResult, error) {
	// Get still returns a usable balance when it cannot persist the default
	// for a fresh card; the charge proceeds and the failure is only logged.
	prior, err := t.cache.Get(cardID)
	if err != nil {
		log.Printf("[TERMINAL] Balance cache write failed for %s, continuing with %s: %v", cardID, prior, err)
	}

	newBalance := prior.Sub(t.cfg.Fare)
	if t.cfg.OverdraftFloor != nil && newBalance.LessThan(*t.cfg.OverdraftFloor) {
		return nil, &ledgerclient.InsufficientFundsError{Balance: prior}
	}

	if err := t.cache.Set(cardID, newBalance); err != nil {
		log.Printf("[TERMINAL] Failed to cache balance for %s: %v", cardID, err)
	}
	t.journalMutation(cardID, t.cfg.Fare.Neg(), prior, newBalance, models.TxTypePayment, false)

	return &TapResult{
		CardID:       cardID,
		Type:         models.TxTypePayment,
		Amount:       t.cfg.Fare,
		PriorBalance: prior,
		NewBalance:   newBalance,
		Offline:      true,
	}, nil
}

// Topup credits a card, online against the server or offline against the
// cache with the credit journaled for sync.
func (t *Terminal) Topup(ctx context.Context, cardID string, amount decimal.Decimal) (*TapResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if t.monitor.Online() {
		resp, err := t.client.ProcessTopup(ctx, cardID, amount)
		if err == nil {
			if cerr := t.cache.Set(cardID, resp.NewBalance); cerr != nil {
				log.Printf("[TERMINAL] Failed to cache balance for %s: %v", cardID, cerr)
			}
			t.journalMutation(cardID, amount, resp.PriorBalance, resp.NewBalance, models.TxTypeTopup, true)
			return &TapResult{
				CardID:       cardID,
				Type:         models.TxTypeTopup,
				Amount:       amount,
				PriorBalance: resp.PriorBalance,
				NewBalance:   resp.NewBalance,
			}, nil
		}
		if !ledgerclient.IsConnectivityError(err) {
			return nil, err
		}
		t.monitor.ReportFailure()
		log.Printf("[TERMINAL] Server unreachable mid-topup, falling back to offline for %s", cardID)
	}

	prior, err := t.cache.Get(cardID)
	if err != nil {
		log.Printf("[TERMINAL] Balance cache write failed for %s, continuing with %s: %v", cardID, prior, err)
	}
	newBalance := prior.Add(amount)
	if err := t.cache.Set(cardID, newBalance); err != nil {
		log.Printf("[TERMINAL] Failed to cache balance for %s: %v", cardID, err)
	}
	t.journalMutation(cardID, amount, prior, newBalance, models.TxTypeTopup, false)

	return &TapResult{
		CardID:       cardID,
		Type:         models.TxTypeTopup,
		Amount:       amount,
		PriorBalance: prior,
		NewBalance:   newBalance,
		Offline:      true,
	}, nil
}

func (t *Terminal) journalMutation(cardID string, amount, before, after decimal.Decimal, txType string, synced bool) {
	_, err := t.journal.Append(JournalEntry{
		AccountID:     cardID,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Type:          txType,
		TerminalID:    t.cfg.TerminalID,
		Timestamp:     t.clock.Now(),
		Synced:        synced,
	})
	if err != nil {
		log.Printf("[TERMINAL] Journal write failed for %s: %v", cardID, err)
	}
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
