package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// pqUniqueViolation is the PostgreSQL error code for unique constraint
// violations, used to recognize concurrent idempotency-key races.
const pqUniqueViolation = "23505"

// Ledger implements the credit ledger on PostgreSQL.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a credit ledger.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Consume debits credits from a user's balance. When an idempotency key is
// supplied and a transaction with that key already exists, the original
// transaction is returned with IsDuplicate set and no balance change.
// A debit exceeding the balance fails with InsufficientCreditsError and
// writes nothing, so the same idempotency key can be retried after a
// top-up.
func (l *Ledger) Consume(ctx context.Context, oneSubUserID, toolID string, amount int64, reason, idempotencyKey string) (*ConsumeResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if idempotencyKey != "" {
		if original, err := l.findByIdempotencyKey(ctx, oneSubUserID, idempotencyKey); err != nil {
			return nil, err
		} else if original != nil {
			return &ConsumeResult{Transaction: original, IsDuplicate: true}, nil
		}
	}

	result, err := l.apply(ctx, oneSubUserID, toolID, TypeDebit, amount, reason, idempotencyKey)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Add credits a user's balance. Idempotency keys work the same way as for
// Consume.
func (l *Ledger) Add(ctx context.Context, oneSubUserID, toolID string, amount int64, reason, idempotencyKey string) (*ConsumeResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if idempotencyKey != "" {
		if original, err := l.findByIdempotencyKey(ctx, oneSubUserID, idempotencyKey); err != nil {
			return nil, err
		} else if original != nil {
			return &ConsumeResult{Transaction: original, IsDuplicate: true}, nil
		}
	}

	return l.apply(ctx, oneSubUserID, toolID, TypeCredit, amount, reason, idempotencyKey)
}

// Transfer moves credits between users as one transaction: both balance
// rows are locked in a deterministic order, the debit and credit legs
// commit together or not at all. The credit leg is recorded under the key
// with a ":credit" suffix so replays can return both legs. A failure on
// the credit leg after the debit succeeded rolls everything back and is
// reported as a PartialTransferError so callers can tell the legs apart.
func (l *Ledger) Transfer(ctx context.Context, fromUserID, toUserID string, amount int64, reason, idempotencyKey string) (*TransferResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if fromUserID == toUserID {
		return nil, ErrSelfTransfer
	}

	creditKey := ""
	if idempotencyKey != "" {
		creditKey = idempotencyKey + ":credit"
		replay, err := l.findTransferReplay(ctx, fromUserID, toUserID, idempotencyKey, creditKey)
		if err != nil || replay != nil {
			return replay, err
		}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock both rows in user-ID order so concurrent opposing transfers
	// cannot deadlock.
	first, second := fromUserID, toUserID
	if second < first {
		first, second = second, first
	}
	balances := map[string]int64{}
	for _, userID := range []string{first, second} {
		balance, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		balances[userID] = balance
	}

	if balances[fromUserID] < amount {
		return nil, &InsufficientCreditsError{Balance: balances[fromUserID], Required: amount}
	}

	debit, err := writeEntry(ctx, tx, fromUserID, "", TypeDebit, amount, reason, idempotencyKey, balances[fromUserID]-amount)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation && idempotencyKey != "" {
			tx.Rollback()
			replay, lookupErr := l.findTransferReplay(ctx, fromUserID, toUserID, idempotencyKey, creditKey)
			if lookupErr != nil || replay != nil {
				return replay, lookupErr
			}
		}
		return nil, &PartialTransferError{Leg: "debit", Err: err}
	}

	credit, err := writeEntry(ctx, tx, toUserID, "", TypeCredit, amount, reason, creditKey, balances[toUserID]+amount)
	if err != nil {
		return nil, &PartialTransferError{Leg: "credit", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transfer: %w", err)
	}
	return &TransferResult{Debit: debit, Credit: credit}, nil
}

// writeEntry updates a locked balance row and appends the matching ledger
// entry inside the caller's transaction.
func writeEntry(ctx context.Context, tx *sql.Tx, oneSubUserID, toolID string, txType TransactionType, amount int64, reason, idempotencyKey string, newBalance int64) (*Transaction, error) {
	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_balances SET balance = $1, updated_at = NOW() WHERE one_sub_user_id = $2
	`, newBalance, oneSubUserID); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	txn := &Transaction{
		ID:             uuid.NewString(),
		OneSubUserID:   oneSubUserID,
		ToolID:         toolID,
		Type:           txType,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		BalanceAfter:   newBalance,
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO credit_transactions (id, one_sub_user_id, tool_id, type, amount, reason, idempotency_key, balance_after)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
		RETURNING created_at
	`, txn.ID, txn.OneSubUserID, txn.ToolID, txn.Type, txn.Amount, txn.Reason, txn.IdempotencyKey, txn.BalanceAfter).
		Scan(&txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// apply writes one ledger entry and the matching balance update in a single
// transaction. The balance row is locked for the duration so concurrent
// debits serialize.
func (l *Ledger) apply(ctx context.Context, oneSubUserID, toolID string, txType TransactionType, amount int64, reason, idempotencyKey string) (*ConsumeResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	balance, err := lockBalance(ctx, tx, oneSubUserID)
	if err != nil {
		return nil, err
	}

	var newBalance int64
	switch txType {
	case TypeDebit:
		if balance < amount {
			return nil, &InsufficientCreditsError{Balance: balance, Required: amount}
		}
		newBalance = balance - amount
	case TypeCredit:
		newBalance = balance + amount
	default:
		return nil, fmt.Errorf("unknown transaction type %q", txType)
	}

	txn, err := writeEntry(ctx, tx, oneSubUserID, toolID, txType, amount, reason, idempotencyKey, newBalance)
	if err != nil {
		// A concurrent request with the same idempotency key won the
		// race; surface its transaction as the duplicate.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation && idempotencyKey != "" {
			original, lookupErr := l.findByIdempotencyKey(ctx, oneSubUserID, idempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if original != nil {
				return &ConsumeResult{Transaction: original, IsDuplicate: true}, nil
			}
		}
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &ConsumeResult{Transaction: txn}, nil
}

// lockBalance creates the balance row if missing and returns the current
// balance with the row locked.
func lockBalance(ctx context.Context, tx *sql.Tx, oneSubUserID string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (one_sub_user_id, balance) VALUES ($1, 0)
		ON CONFLICT (one_sub_user_id) DO NOTHING
	`, oneSubUserID); err != nil {
		return 0, fmt.Errorf("failed to ensure balance row: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `
		SELECT balance FROM credit_balances WHERE one_sub_user_id = $1 FOR UPDATE
	`, oneSubUserID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to lock balance: %w", err)
	}
	return balance, nil
}

const transactionColumns = `id, one_sub_user_id, COALESCE(tool_id, ''), type, amount,
	       COALESCE(reason, ''), COALESCE(idempotency_key, ''), balance_after, created_at`

func (l *Ledger) findByIdempotencyKey(ctx context.Context, oneSubUserID, idempotencyKey string) (*Transaction, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM credit_transactions
		WHERE one_sub_user_id = $1 AND idempotency_key = $2
	`, transactionColumns)

	txn := &Transaction{}
	err := l.db.QueryRowContext(ctx, query, oneSubUserID, idempotencyKey).Scan(
		&txn.ID, &txn.OneSubUserID, &txn.ToolID, &txn.Type, &txn.Amount,
		&txn.Reason, &txn.IdempotencyKey, &txn.BalanceAfter, &txn.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return txn, nil
}

// findTransferReplay looks up both legs of a previously committed transfer.
// Returns nil when the debit leg has not been written yet.
func (l *Ledger) findTransferReplay(ctx context.Context, fromUserID, toUserID, debitKey, creditKey string) (*TransferResult, error) {
	debit, err := l.findByIdempotencyKey(ctx, fromUserID, debitKey)
	if err != nil || debit == nil {
		return nil, err
	}
	credit, err := l.findByIdempotencyKey(ctx, toUserID, creditKey)
	if err != nil {
		return nil, err
	}
	return &TransferResult{Debit: debit, Credit: credit, IsDuplicate: true}, nil
}

// GetBalance returns the user's current balance. Users without a balance
// row read as zero.
func (l *Ledger) GetBalance(ctx context.Context, oneSubUserID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx,
		"SELECT balance FROM credit_balances WHERE one_sub_user_id = $1", oneSubUserID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// ListTransactions returns the user's most recent ledger entries.
func (l *Ledger) ListTransactions(ctx context.Context, oneSubUserID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT %s FROM credit_transactions
		WHERE one_sub_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, transactionColumns)

	rows, err := l.db.QueryContext(ctx, query, oneSubUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn := &Transaction{}
		if err := rows.Scan(
			&txn.ID, &txn.OneSubUserID, &txn.ToolID, &txn.Type, &txn.Amount,
			&txn.Reason, &txn.IdempotencyKey, &txn.BalanceAfter, &txn.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txns, nil
}
