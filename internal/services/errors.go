package services

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount rejects non-positive topups. User-visible, never retried.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrCardNotFound is returned by read paths that do not auto-create the card.
var ErrCardNotFound = errors.New("card not found")

// InsufficientFundsError is the user-visible payment rejection. It carries the
// current balance so the terminal can show the rider what is left on the card.
type InsufficientFundsError struct {
	Balance decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s", e.Balance.StringFixed(2))
}

// AsInsufficientFunds unwraps err into an InsufficientFundsError, if it is one.
func AsInsufficientFunds(err error) (*InsufficientFundsError, bool) {
	var ife *InsufficientFundsError
	if errors.As(err, &ife) {
		return ife, true
	}
	return nil, false
}
