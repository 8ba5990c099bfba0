// Package credits implements the idempotent credit ledger: an append-only
// transaction log with a materialized per-user balance. Balances never go
// negative and retried requests carrying the same idempotency key return
// the original transaction instead of double-charging.
package credits

import (
	"errors"
	"fmt"
	"time"
)

// TransactionType distinguishes debits from credits.
type TransactionType string

const (
	TypeDebit  TransactionType = "debit"
	TypeCredit TransactionType = "credit"
)

// Transaction is one ledger entry. Amount is always positive; Type carries
// the direction. BalanceAfter is the user's balance immediately after this
// entry committed.
type Transaction struct {
	ID             string          `json:"id"`
	OneSubUserID   string          `json:"oneSubUserId"`
	ToolID         string          `json:"toolId,omitempty"`
	Type           TransactionType `json:"type"`
	Amount         int64           `json:"amount"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	BalanceAfter   int64           `json:"balanceAfter"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ConsumeResult reports the outcome of a debit. IsDuplicate marks replays
// recognized by idempotency key; the transaction is the original one.
type ConsumeResult struct {
	Transaction *Transaction
	IsDuplicate bool
}

// InsufficientCreditsError is returned when a debit exceeds the balance.
// The balance is left untouched.
type InsufficientCreditsError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, required %d", e.Balance, e.Required)
}

// TransferResult reports both legs of a completed transfer.
type TransferResult struct {
	Debit       *Transaction
	Credit      *Transaction
	IsDuplicate bool
}

// PartialTransferError is returned when the debit leg of a transfer
// succeeded but the credit leg failed. The whole transfer is rolled back;
// the error exists so callers can tell which leg broke.
type PartialTransferError struct {
	Leg string
	Err error
}

func (e *PartialTransferError) Error() string {
	return fmt.Sprintf("transfer failed on %s leg: %v", e.Leg, e.Err)
}

func (e *PartialTransferError) Unwrap() error { return e.Err }

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrSelfTransfer is returned when both sides of a transfer are the
	// same user.
	ErrSelfTransfer = errors.New("cannot transfer credits to the same user")
)
